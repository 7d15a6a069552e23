package utils

import (
	"context"
	"unsafe"
)

// Key is the type of context keys set by the server.
type Key string

// VoterIDKey holds the resolved voter identity, both as a fiber local and in
// the request context.
const VoterIDKey Key = "voter_id"

// B2S converts a byte slice to a string without copying.
func B2S(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// WithVoterID returns a copy of ctx carrying voterID.
func WithVoterID(ctx context.Context, voterID string) context.Context {
	return context.WithValue(ctx, VoterIDKey, voterID)
}

// VoterID returns the voter identity stored in ctx, or "" for anonymous callers.
func VoterID(ctx context.Context) string {
	if v, ok := ctx.Value(VoterIDKey).(string); ok {
		return v
	}
	return ""
}
