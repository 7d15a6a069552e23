package polls

import "context"

// Store is the Poll Store and Vote Ledger.
//
// Implementations must enforce uniqueness of (poll, voter, option) and of
// (poll, voter, slot) on the vote ledger and report violations as ErrConflict.
// Missing polls are reported as ErrNotFound.
type Store interface {
	// InTx runs fn inside one ACID transaction. The transaction commits when
	// fn returns nil and rolls back otherwise, including on a conflict raised
	// by any statement inside it.
	InTx(ctx context.Context, fn func(Tx) error) error

	Poll(ctx context.Context, id string) (*Poll, error)
	ListPolls(ctx context.Context, viewerID string) ([]*Poll, error)
	VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error)
	// CountVotes returns live vote rows grouped by option id. Options without
	// votes may be absent from the map.
	CountVotes(ctx context.Context, pollID string) (map[string]int64, error)
}

type Tx interface {
	Poll(ctx context.Context, id string) (*Poll, error)
	// CreatePoll persists p, assigning p.ID and option ids.
	CreatePoll(ctx context.Context, p *Poll) error
	// UpdatePoll persists the mutable fields of p. When replaceOptions is set
	// the option set is replaced wholesale (ids reassigned) and every vote on
	// the poll is dropped with it.
	UpdatePoll(ctx context.Context, p *Poll, replaceOptions bool) error
	DeletePoll(ctx context.Context, id string) error

	VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error)
	InsertVote(ctx context.Context, v Vote) error
	// DeleteVotes removes every vote of voterID on pollID.
	DeleteVotes(ctx context.Context, pollID, voterID string) (int64, error)
}

// TallyCache caches projected tallies.
type TallyCache interface {
	// Get returns the cached tally, or nil on a miss. The returned generation
	// must be passed back to Set so a fill racing an invalidation is dropped.
	Get(ctx context.Context, pollID string) (*Tally, int64, error)
	Set(ctx context.Context, tally *Tally, generation int64) error
	Invalidate(ctx context.Context, pollID string) error
}
