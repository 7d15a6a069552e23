// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/troydota/api.vote.komodohype.dev/polls"
	"github.com/troydota/api.vote.komodohype.dev/sqlstore"
)

const JWTSecret = "test-jwt-secret"

// NewStore opens a fresh SQLite-backed store in a temporary directory.
func NewStore(t testing.TB) *sqlstore.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "votes.db") + "?_pragma=busy_timeout(5000)"
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, dsn)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() { store.Close() })

	return store
}

// CreatePoll creates a public, active poll with one option per text.
func CreatePoll(t testing.TB, store polls.Store, creatorID string, mode polls.Mode, texts ...string) *polls.Poll {
	t.Helper()

	svc := polls.NewService(store, nil, 0)
	p, err := svc.CreatePoll(context.Background(), creatorID, polls.PollInput{
		Question: "Test Poll",
		Options:  texts,
		Mode:     mode,
		IsPublic: true,
	})
	require.NoError(t, err, "create test poll")

	return p
}

// SetStatus forces a poll's status, bypassing ownership checks.
func SetStatus(t testing.TB, store polls.Store, p *polls.Poll, status polls.Status) {
	t.Helper()

	p.Status = status
	require.NoError(t, store.InTx(context.Background(), func(tx polls.Tx) error {
		return tx.UpdatePoll(context.Background(), p, false)
	}))
}

// SetExpiry forces a poll's expiry, bypassing the minimum-expiry check.
func SetExpiry(t testing.TB, store polls.Store, p *polls.Poll, at time.Time) {
	t.Helper()

	p.ExpiresAt = &at
	require.NoError(t, store.InTx(context.Background(), func(tx polls.Tx) error {
		return tx.UpdatePoll(context.Background(), p, false)
	}))
}

// Token signs a bearer token for subject.
func Token(t testing.TB, subject string) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(JWTSecret))
	require.NoError(t, err, "sign token")

	return token
}

// CountRows counts live vote rows of voterID on pollID.
func CountRows(t testing.TB, store *sqlstore.Store, pollID, voterID string) int {
	t.Helper()

	var n int
	err := store.DB().QueryRow(`SELECT COUNT(*) FROM vote WHERE poll_id = ? AND voter_id = ?`, pollID, voterID).Scan(&n)
	require.NoError(t, err, "count votes")

	return n
}
