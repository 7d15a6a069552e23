package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultFillTimeout = 5 * time.Second

// Projector derives tallies from the vote ledger.
type Projector struct {
	store   Store
	cache   TallyCache
	timeout time.Duration
	group   singleflight.Group
}

func NewProjector(store Store, cache TallyCache, timeout time.Duration) *Projector {
	return &Projector{store: store, cache: cache, timeout: timeout}
}

// GetTally returns per-option counts and the total number of live votes on
// pollID. Every option of the poll is present in PerOption.
func (p *Projector) GetTally(ctx context.Context, pollID string) (*Tally, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	poll, err := p.store.Poll(ctx, pollID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, normalize(err)
	}

	if p.cache == nil {
		return p.project(ctx, poll)
	}

	cached, gen, err := p.cache.Get(ctx, pollID)
	if err != nil {
		log.WithField("component", "tally").Errorf("cache get, poll=%s err=%v", pollID, err)
		return p.project(ctx, poll)
	}
	if cached != nil {
		return cached, nil
	}

	// Keyed by generation: a caller that observed an invalidation must not
	// join a fill that started before it. The fill is shared, so it runs
	// detached from any one caller's cancellation.
	ch := p.group.DoChan(fmt.Sprintf("%s:%d", pollID, gen), func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fillTimeout())
		defer cancel()

		t, err := p.project(fillCtx, poll)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(fillCtx, t, gen); err != nil {
			log.WithField("component", "tally").Errorf("cache set, poll=%s err=%v", pollID, err)
		}
		return t, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tally), nil
	case <-ctx.Done():
		return nil, normalize(ctx.Err())
	}
}

func (p *Projector) fillTimeout() time.Duration {
	if p.timeout > 0 {
		return p.timeout
	}
	return defaultFillTimeout
}

func (p *Projector) project(ctx context.Context, poll *Poll) (*Tally, error) {
	counts, err := p.store.CountVotes(ctx, poll.ID)
	if err != nil {
		return nil, normalize(err)
	}

	t := &Tally{
		PollID:    poll.ID,
		PerOption: make(map[string]int64, len(poll.Options)),
	}
	for _, o := range poll.Options {
		n := counts[o.ID]
		t.PerOption[o.ID] = n
		t.Total += n
	}
	return t, nil
}
