package polls

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	maxAttempts = 3

	// invalidateTimeout bounds a cache invalidation that runs after the
	// caller's own deadline may have passed.
	invalidateTimeout = time.Second
)

type Engine struct {
	store   Store
	cache   TallyCache
	timeout time.Duration
	now     func() time.Time
}

type EngineOption func(*Engine)

// WithCache makes the engine invalidate cache after every accepted mutation.
func WithCache(cache TallyCache) EngineOption {
	return func(e *Engine) { e.cache = cache }
}

// WithTimeout bounds each submission's storage work.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SubmitVote records voterID's vote for optionID on pollID.
//
// Re-voting for a held option is a successful no-op. On a single-choice poll a
// vote for a different option replaces the previous one atomically. Errors are
// always *Error. Uniqueness conflicts from concurrent submissions are retried;
// if they persist and the option is still not held, the submission fails as
// storage unavailable.
func (e *Engine) SubmitVote(ctx context.Context, voterID, pollID, optionID string) (VoteOutcome, error) {
	if voterID == "" {
		return VoteOutcome{}, ErrUnauthenticated
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var (
		outcome VoteOutcome
		err     error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome, err = e.resolve(ctx, voterID, pollID, optionID)
		if !errors.Is(err, ErrConflict) {
			break
		}
		log.WithField("component", "engine").Debugf("vote conflict, poll=%s attempt=%d", pollID, attempt)
	}
	if errors.Is(err, ErrConflict) {
		outcome, err = e.settle(ctx, voterID, pollID, optionID)
	}
	if err != nil {
		err = normalize(err)
		if KindOf(err) == KindStorageUnavailable {
			log.WithField("component", "engine").Errorf("vote, poll=%s err=%v", pollID, err)
		}
		return VoteOutcome{}, err
	}

	if outcome.Mutated() {
		invalidate(ctx, e.cache, pollID)
	}
	return outcome, nil
}

// settle reports what a competing writer left behind once retries are spent.
// Nothing of ours persisted, so the vote is unchanged only if the requested
// option is already held.
func (e *Engine) settle(ctx context.Context, voterID, pollID, optionID string) (VoteOutcome, error) {
	held, err := e.store.VoterOptions(ctx, pollID, voterID)
	if err != nil {
		return VoteOutcome{}, err
	}
	for _, h := range held {
		if h == optionID {
			return VoteOutcome{Kind: OutcomeUnchanged, PollID: pollID, OptionID: optionID}, nil
		}
	}
	log.WithField("component", "engine").Warnf("vote conflict unresolved, poll=%s attempts=%d", pollID, maxAttempts)
	return VoteOutcome{}, storageUnavailable(ErrConflict)
}

// invalidate bumps pollID's tally generation, detached from ctx's
// cancellation and bounded by its own deadline.
func invalidate(ctx context.Context, cache TallyCache, pollID string) {
	if cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	if err := cache.Invalidate(ctx, pollID); err != nil {
		log.WithField("component", "polls").Errorf("tally invalidate, poll=%s err=%v", pollID, err)
	}
}

func (e *Engine) resolve(ctx context.Context, voterID, pollID, optionID string) (VoteOutcome, error) {
	var outcome VoteOutcome
	err := e.store.InTx(ctx, func(tx Tx) error {
		poll, err := tx.Poll(ctx, pollID)
		if errors.Is(err, ErrNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if !poll.HasOption(optionID) {
			return ErrInvalidOption
		}
		if !poll.Open(e.now()) {
			return ErrPollClosed
		}

		held, err := tx.VoterOptions(ctx, pollID, voterID)
		if err != nil {
			return err
		}
		outcome = VoteOutcome{Kind: OutcomeAccepted, PollID: pollID, OptionID: optionID}
		for _, h := range held {
			if h == optionID {
				outcome.Kind = OutcomeUnchanged
				return nil
			}
		}

		if poll.Mode == ModeSingle && len(held) > 0 {
			if _, err := tx.DeleteVotes(ctx, pollID, voterID); err != nil {
				return err
			}
			outcome.Kind = OutcomeChanged
			outcome.Retracted = held
		}

		return tx.InsertVote(ctx, Vote{
			PollID:    pollID,
			OptionID:  optionID,
			VoterID:   voterID,
			Slot:      SlotFor(poll.Mode, optionID),
			CreatedAt: e.now(),
		})
	})
	return outcome, err
}

// VotesOf returns the option ids voterID currently holds on pollID.
func (e *Engine) VotesOf(ctx context.Context, voterID, pollID string) ([]string, error) {
	if voterID == "" {
		return nil, ErrUnauthenticated
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if _, err := e.store.Poll(ctx, pollID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPollNotFound
		}
		return nil, normalize(err)
	}
	held, err := e.store.VoterOptions(ctx, pollID, voterID)
	if err != nil {
		return nil, normalize(err)
	}
	return held, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
