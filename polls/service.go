package polls

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// Service is the poll CRUD surface. It carries no voting logic.
type Service struct {
	store   Store
	cache   TallyCache
	timeout time.Duration
	now     func() time.Time
}

func NewService(store Store, cache TallyCache, timeout time.Duration) *Service {
	return &Service{store: store, cache: cache, timeout: timeout, now: time.Now}
}

func (s *Service) CreatePoll(ctx context.Context, creatorID string, in PollInput) (*Poll, error) {
	if creatorID == "" {
		return nil, ErrUnauthenticated
	}
	if !validQuestion(in.Question) {
		return nil, invalidInput("question must be between 1 and 256 characters")
	}
	opts, ok := buildOptions(in.Options)
	if !ok {
		return nil, invalidInput("a poll needs 2 to 15 options of 1 to 64 characters")
	}
	if in.Mode == "" {
		in.Mode = ModeSingle
	}
	if !in.Mode.Valid() {
		return nil, invalidInput("unknown poll mode")
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return nil, invalidInput("unknown poll status")
	}
	now := s.now()
	if in.ExpiresAt != nil && in.ExpiresAt.Sub(now) < minExpiry {
		return nil, invalidInput("expiry must be at least a minute away")
	}

	p := &Poll{
		CreatorID: creatorID,
		Question:  in.Question,
		Options:   opts,
		Mode:      in.Mode,
		Status:    in.Status,
		IsPublic:  in.IsPublic,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: now,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.store.InTx(ctx, func(tx Tx) error {
		return tx.CreatePoll(ctx, p)
	}); err != nil {
		log.WithField("component", "polls").Errorf("create, err=%v", err)
		return nil, normalize(err)
	}
	return p, nil
}

// GetPoll returns the poll if viewerID may see it. Hidden polls are reported
// as not found.
func (s *Service) GetPoll(ctx context.Context, viewerID, pollID string) (*Poll, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, err := s.store.Poll(ctx, pollID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, normalize(err)
	}
	if !p.VisibleTo(viewerID) {
		return nil, ErrPollNotFound
	}
	return p, nil
}

func (s *Service) ListPolls(ctx context.Context, viewerID string) ([]*Poll, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ps, err := s.store.ListPolls(ctx, viewerID)
	if err != nil {
		return nil, normalize(err)
	}
	return ps, nil
}

func (s *Service) UpdatePoll(ctx context.Context, callerID, pollID string, up PollUpdate) (*Poll, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		updated        *Poll
		replaceOptions bool
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.Poll(ctx, pollID)
		if errors.Is(err, ErrNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if p.CreatorID != callerID {
			if !p.IsPublic {
				return ErrPollNotFound
			}
			return ErrForbidden
		}

		if up.Question != nil {
			if !validQuestion(*up.Question) {
				return invalidInput("question must be between 1 and 256 characters")
			}
			p.Question = *up.Question
		}
		if up.Options != nil {
			opts, ok := buildOptions(*up.Options)
			if !ok {
				return invalidInput("a poll needs 2 to 15 options of 1 to 64 characters")
			}
			p.Options = opts
			replaceOptions = true
		}
		if up.Status != nil {
			if !up.Status.Valid() {
				return invalidInput("unknown poll status")
			}
			p.Status = *up.Status
		}
		if up.IsPublic != nil {
			p.IsPublic = *up.IsPublic
		}
		switch {
		case up.ClearExpiry:
			p.ExpiresAt = nil
		case up.ExpiresAt != nil:
			if up.ExpiresAt.Sub(s.now()) < minExpiry {
				return invalidInput("expiry must be at least a minute away")
			}
			p.ExpiresAt = up.ExpiresAt
		}

		if err := tx.UpdatePoll(ctx, p, replaceOptions); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, normalize(err)
	}

	if replaceOptions {
		invalidate(ctx, s.cache, pollID)
	}
	return updated, nil
}

func (s *Service) DeletePoll(ctx context.Context, callerID, pollID string) error {
	if callerID == "" {
		return ErrUnauthenticated
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.store.InTx(ctx, func(tx Tx) error {
		p, err := tx.Poll(ctx, pollID)
		if errors.Is(err, ErrNotFound) {
			return ErrPollNotFound
		}
		if err != nil {
			return err
		}
		if p.CreatorID != callerID {
			if !p.IsPublic {
				return ErrPollNotFound
			}
			return ErrForbidden
		}
		return tx.DeletePoll(ctx, pollID)
	})
	if err != nil {
		return normalize(err)
	}

	invalidate(ctx, s.cache, pollID)
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
