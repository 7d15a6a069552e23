package polls

import (
	"strings"
	"time"
)

type Mode string

const (
	ModeSingle   Mode = "single"
	ModeMultiple Mode = "multiple"
)

func (m Mode) Valid() bool {
	return m == ModeSingle || m == ModeMultiple
}

type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

func (s Status) Valid() bool {
	return s == StatusDraft || s == StatusActive || s == StatusClosed
}

const (
	maxQuestionLen = 256
	maxOptionLen   = 64
	minOptions     = 2
	maxOptions     = 15
	minExpiry      = 60 * time.Second
)

// singleSlot is the slot shared by every vote of a voter on a single-choice
// poll, so the store's (poll, voter, slot) constraint admits only one of them.
const singleSlot = "*"

type Poll struct {
	ID        string
	CreatorID string
	Question  string
	Options   []Option
	Mode      Mode
	Status    Status
	IsPublic  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type Option struct {
	ID           string
	Text         string
	DisplayOrder int
}

// Open reports whether the poll accepts votes at the given instant.
func (p *Poll) Open(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

func (p *Poll) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// VisibleTo reports whether viewerID may read the poll.
func (p *Poll) VisibleTo(viewerID string) bool {
	return p.IsPublic || (viewerID != "" && viewerID == p.CreatorID)
}

type Vote struct {
	PollID    string
	OptionID  string
	VoterID   string
	Slot      string
	CreatedAt time.Time
}

// SlotFor returns the exclusivity key a vote for optionID occupies under mode.
func SlotFor(mode Mode, optionID string) string {
	if mode == ModeSingle {
		return singleSlot
	}
	return optionID
}

type OutcomeKind string

const (
	// OutcomeAccepted means a new vote row was recorded and nothing was retracted.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeChanged means a single-choice vote replaced the voter's previous one.
	OutcomeChanged OutcomeKind = "changed"
	// OutcomeUnchanged means the voter already held the option; no rows changed.
	OutcomeUnchanged OutcomeKind = "unchanged"
)

type VoteOutcome struct {
	Kind      OutcomeKind
	PollID    string
	OptionID  string
	Retracted []string
}

// Mutated reports whether the ledger changed.
func (o VoteOutcome) Mutated() bool {
	return o.Kind == OutcomeAccepted || o.Kind == OutcomeChanged
}

// Tally is the derived vote count of a poll.
//
// Total counts live vote rows, not voters: on a multiple-choice poll a voter
// holding three options contributes three to Total.
type Tally struct {
	PollID    string           `json:"poll_id"`
	PerOption map[string]int64 `json:"per_option"`
	Total     int64            `json:"total"`
}

type PollInput struct {
	Question  string
	Options   []string
	Mode      Mode
	Status    Status
	IsPublic  bool
	ExpiresAt *time.Time
}

// PollUpdate carries the owner-editable fields; nil leaves a field untouched.
type PollUpdate struct {
	Question  *string
	Options   *[]string
	Status    *Status
	IsPublic  *bool
	ExpiresAt *time.Time
	// ClearExpiry removes the expiry; it wins over ExpiresAt.
	ClearExpiry bool
}

func validQuestion(q string) bool {
	l := len(strings.TrimSpace(q))
	return l > 0 && len(q) <= maxQuestionLen
}

func buildOptions(texts []string) ([]Option, bool) {
	if len(texts) < minOptions || len(texts) > maxOptions {
		return nil, false
	}
	opts := make([]Option, len(texts))
	for i, t := range texts {
		if len(strings.TrimSpace(t)) == 0 || len(t) > maxOptionLen {
			return nil, false
		}
		opts[i] = Option{Text: t, DisplayOrder: i}
	}
	return opts, true
}
