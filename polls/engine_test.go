package polls_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troydota/api.vote.komodohype.dev/polls"
	"github.com/troydota/api.vote.komodohype.dev/testutil"
)

func TestSubmitVotePreconditions(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)

	open := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")
	other := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "X", "Y")
	closed := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")
	testutil.SetStatus(t, store, closed, polls.StatusClosed)
	draft := testutil.CreatePoll(t, store, "alice", polls.ModeMultiple, "A", "B")
	testutil.SetStatus(t, store, draft, polls.StatusDraft)
	expired := testutil.CreatePoll(t, store, "alice", polls.ModeMultiple, "A", "B")
	testutil.SetExpiry(t, store, expired, time.Now().Add(-time.Minute))

	tests := []struct {
		name     string
		voter    string
		poll     string
		option   string
		wantKind polls.Kind
	}{
		{"no identity", "", open.ID, open.Options[0].ID, polls.KindUnauthenticated},
		{"no identity wins over missing poll", "", "missing", "missing", polls.KindUnauthenticated},
		{"unknown poll", "bob", "missing", open.Options[0].ID, polls.KindPollNotFound},
		{"closed poll", "bob", closed.ID, closed.Options[0].ID, polls.KindPollClosed},
		{"draft poll", "bob", draft.ID, draft.Options[0].ID, polls.KindPollClosed},
		{"expired poll", "bob", expired.ID, expired.Options[0].ID, polls.KindPollClosed},
		{"bad option wins over closed poll", "bob", closed.ID, "nope", polls.KindInvalidOption},
		{"unknown option", "bob", open.ID, "nope", polls.KindInvalidOption},
		{"option of another poll", "bob", open.ID, other.Options[0].ID, polls.KindInvalidOption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.SubmitVote(ctx, tt.voter, tt.poll, tt.option)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, polls.KindOf(err))

			var e *polls.Error
			require.True(t, errors.As(err, &e))
			assert.NotEmpty(t, e.Message)
		})
	}

	// nothing was written by any rejected submission
	for _, p := range []*polls.Poll{open, other, closed, draft, expired} {
		assert.Equal(t, 0, testutil.CountRows(t, store, p.ID, "bob"))
	}
}

func TestInvalidOptionMessageDoesNotLeakOwnership(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")
	other := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "X", "Y")

	_, errMissing := engine.SubmitVote(ctx, "bob", p.ID, "nope")
	_, errForeign := engine.SubmitVote(ctx, "bob", p.ID, other.Options[0].ID)
	require.Error(t, errMissing)
	require.Error(t, errForeign)
	assert.Equal(t, errMissing.Error(), errForeign.Error())
}

func TestExpiryUsesClock(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")
	at := time.Now().Add(time.Hour)
	testutil.SetExpiry(t, store, p, at)

	before := polls.NewEngine(store, polls.WithClock(func() time.Time { return at.Add(-time.Second) }))
	_, err := before.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
	require.NoError(t, err)

	atExpiry := polls.NewEngine(store, polls.WithClock(func() time.Time { return at }))
	_, err = atExpiry.SubmitVote(ctx, "carol", p.ID, p.Options[0].ID)
	assert.ErrorIs(t, err, polls.ErrPollClosed)
}

func TestSingleChoiceSequence(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)
	projector := polls.NewProjector(store, nil, 0)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")
	a, b := p.Options[0].ID, p.Options[1].ID

	steps := []struct {
		option        string
		wantKind      polls.OutcomeKind
		wantRetracted []string
	}{
		{a, polls.OutcomeAccepted, nil},
		{a, polls.OutcomeUnchanged, nil},
		{b, polls.OutcomeChanged, []string{a}},
		{a, polls.OutcomeChanged, []string{b}},
	}

	for i, s := range steps {
		out, err := engine.SubmitVote(ctx, "bob", p.ID, s.option)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.wantKind, out.Kind, "step %d", i)
		assert.Equal(t, s.wantRetracted, out.Retracted, "step %d", i)
		assert.Equal(t, 1, testutil.CountRows(t, store, p.ID, "bob"), "step %d", i)

		held, err := engine.VotesOf(ctx, "bob", p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{s.option}, held, "step %d", i)
	}

	tally, err := projector.GetTally(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{a: 1, b: 0}, tally.PerOption)
	assert.EqualValues(t, 1, tally.Total)
}

func TestMultipleChoiceSequence(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)
	projector := polls.NewProjector(store, nil, 0)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeMultiple, "A", "B", "C")
	a, b, c := p.Options[0].ID, p.Options[1].ID, p.Options[2].ID

	for i, s := range []struct {
		option   string
		wantKind polls.OutcomeKind
	}{
		{a, polls.OutcomeAccepted},
		{b, polls.OutcomeAccepted},
		{a, polls.OutcomeUnchanged},
	} {
		out, err := engine.SubmitVote(ctx, "bob", p.ID, s.option)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.wantKind, out.Kind, "step %d", i)
		assert.Empty(t, out.Retracted, "step %d", i)
	}

	held, err := engine.VotesOf(ctx, "bob", p.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, held)

	tally, err := projector.GetTally(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{a: 1, b: 1, c: 0}, tally.PerOption)
	assert.EqualValues(t, 2, tally.Total)
}

func TestMultipleChoiceTotalCountsRows(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)
	projector := polls.NewProjector(store, nil, 0)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeMultiple, "A", "B", "C")
	for _, o := range p.Options {
		_, err := engine.SubmitVote(ctx, "bob", p.ID, o.ID)
		require.NoError(t, err)
	}
	_, err := engine.SubmitVote(ctx, "carol", p.ID, p.Options[1].ID)
	require.NoError(t, err)

	tally, err := projector.GetTally(ctx, p.ID)
	require.NoError(t, err)

	// two voters, four live rows
	assert.EqualValues(t, 4, tally.Total)
	var sum int64
	for _, n := range tally.PerOption {
		sum += n
	}
	assert.Equal(t, tally.Total, sum)
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)

	single := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B", "C", "D")
	multi := testutil.CreatePoll(t, store, "alice", polls.ModeMultiple, "A", "B", "C", "D")

	// fixed pseudo-random walk over option indexes
	walk := []int{2, 2, 0, 3, 1, 1, 0, 2, 3, 3, 0}

	requested := map[string]bool{}
	for _, i := range walk {
		_, err := engine.SubmitVote(ctx, "bob", single.ID, single.Options[i].ID)
		require.NoError(t, err)
		_, err = engine.SubmitVote(ctx, "bob", multi.ID, multi.Options[i].ID)
		require.NoError(t, err)
		requested[multi.Options[i].ID] = true
	}

	held, err := engine.VotesOf(ctx, "bob", single.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{single.Options[walk[len(walk)-1]].ID}, held)

	held, err = engine.VotesOf(ctx, "bob", multi.ID)
	require.NoError(t, err)
	want := make([]string, 0, len(requested))
	for id := range requested {
		want = append(want, id)
	}
	assert.ElementsMatch(t, want, held)
}

func TestConcurrentIdenticalSubmissions(t *testing.T) {
	for _, mode := range []polls.Mode{polls.ModeSingle, polls.ModeMultiple} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			store := testutil.NewStore(t)
			engine := polls.NewEngine(store)

			p := testutil.CreatePoll(t, store, "alice", mode, "A", "B")
			optionID := p.Options[0].ID

			const n = 16
			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				accepted  atomic.Int32
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := engine.SubmitVote(ctx, "bob", p.ID, optionID)
					if err != nil {
						t.Errorf("submit: %v", err)
						return
					}
					successes.Add(1)
					if out.Kind == polls.OutcomeAccepted {
						accepted.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.EqualValues(t, n, successes.Load())
			assert.EqualValues(t, 1, accepted.Load())
			assert.Equal(t, 1, testutil.CountRows(t, store, p.ID, "bob"))
		})
	}
}

func TestConcurrentDifferentOptionsSingleChoice(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	engine := polls.NewEngine(store)

	p := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B", "C", "D")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.SubmitVote(ctx, "bob", p.ID, p.Options[i%len(p.Options)].ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, testutil.CountRows(t, store, p.ID, "bob"))
}

// conflictStore reports a uniqueness conflict on the first inserts, the way
// a store does when a concurrent sibling commits between check and insert.
type conflictStore struct {
	polls.Store
	conflicts atomic.Int32
	// staleReads hides the voter's committed rows inside the transaction, as
	// a snapshot taken before the sibling's commit would.
	staleReads bool
}

func (s *conflictStore) InTx(ctx context.Context, fn func(polls.Tx) error) error {
	return s.Store.InTx(ctx, func(tx polls.Tx) error {
		return fn(&conflictTx{Tx: tx, s: s})
	})
}

type conflictTx struct {
	polls.Tx
	s *conflictStore
}

func (t *conflictTx) VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error) {
	if t.s.staleReads {
		return nil, nil
	}
	return t.Tx.VoterOptions(ctx, pollID, voterID)
}

func (t *conflictTx) InsertVote(ctx context.Context, v polls.Vote) error {
	if t.s.conflicts.Load() > 0 {
		t.s.conflicts.Add(-1)
		return polls.ErrConflict
	}
	return t.Tx.InsertVote(ctx, v)
}

func TestConflictIsReconciled(t *testing.T) {
	ctx := context.Background()
	base := testutil.NewStore(t)
	p := testutil.CreatePoll(t, base, "alice", polls.ModeSingle, "A", "B")

	t.Run("retried after one conflict", func(t *testing.T) {
		store := &conflictStore{Store: base}
		store.conflicts.Store(1)
		engine := polls.NewEngine(store)

		out, err := engine.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
		require.NoError(t, err)
		assert.Equal(t, polls.OutcomeAccepted, out.Kind)
		assert.Equal(t, 1, testutil.CountRows(t, base, p.ID, "bob"))
	})

	t.Run("persistent conflict on a held option is unchanged", func(t *testing.T) {
		_, err := polls.NewEngine(base).SubmitVote(ctx, "dave", p.ID, p.Options[1].ID)
		require.NoError(t, err)

		store := &conflictStore{Store: base, staleReads: true}
		store.conflicts.Store(100)
		engine := polls.NewEngine(store)

		out, err := engine.SubmitVote(ctx, "dave", p.ID, p.Options[1].ID)
		require.NoError(t, err)
		assert.Equal(t, polls.OutcomeUnchanged, out.Kind)
		assert.Equal(t, 1, testutil.CountRows(t, base, p.ID, "dave"))
	})

	t.Run("persistent conflict without the option held fails", func(t *testing.T) {
		store := &conflictStore{Store: base}
		store.conflicts.Store(100)
		engine := polls.NewEngine(store)

		out, err := engine.SubmitVote(ctx, "carol", p.ID, p.Options[1].ID)
		require.Error(t, err)
		assert.Equal(t, polls.KindStorageUnavailable, polls.KindOf(err))
		assert.Empty(t, out.Kind)
		assert.Equal(t, 0, testutil.CountRows(t, base, p.ID, "carol"))

		held, err := engine.VotesOf(ctx, "carol", p.ID)
		require.NoError(t, err)
		assert.Empty(t, held)
	})
}

type failingStore struct {
	polls.Store
	err error
}

func (s *failingStore) InTx(context.Context, func(polls.Tx) error) error {
	return s.err
}

func (s *failingStore) Poll(context.Context, string) (*polls.Poll, error) {
	return nil, s.err
}

func TestStorageFailuresSurfaceAsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{err: errors.New("connection refused")}
	engine := polls.NewEngine(store)

	_, err := engine.SubmitVote(ctx, "bob", "p", "o")
	assert.Equal(t, polls.KindStorageUnavailable, polls.KindOf(err))

	_, err = engine.VotesOf(ctx, "bob", "p")
	assert.Equal(t, polls.KindStorageUnavailable, polls.KindOf(err))

	_, err = polls.NewProjector(store, nil, 0).GetTally(ctx, "p")
	assert.Equal(t, polls.KindStorageUnavailable, polls.KindOf(err))
}

// slowStore blocks every transaction until the context gives up.
type slowStore struct {
	polls.Store
}

func (s *slowStore) InTx(ctx context.Context, _ func(polls.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeoutSurfacesAsUnavailable(t *testing.T) {
	engine := polls.NewEngine(&slowStore{}, polls.WithTimeout(20*time.Millisecond))

	_, err := engine.SubmitVote(context.Background(), "bob", "p", "o")
	require.Error(t, err)
	assert.Equal(t, polls.KindStorageUnavailable, polls.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
	delay       time.Duration
	errs        []error
}

func (c *recordingCache) Get(context.Context, string) (*polls.Tally, int64, error) {
	return nil, 0, nil
}

func (c *recordingCache) Set(context.Context, *polls.Tally, int64) error {
	return nil
}

func (c *recordingCache) Invalidate(ctx context.Context, pollID string) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.mu.Lock()
			c.errs = append(c.errs, ctx.Err())
			c.mu.Unlock()
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, pollID)
	return nil
}

// lateCommitStore commits every transaction and then stalls, leaving little of
// the caller's budget for the work that follows.
type lateCommitStore struct {
	polls.Store
	stall time.Duration
}

func (s *lateCommitStore) InTx(ctx context.Context, fn func(polls.Tx) error) error {
	if err := s.Store.InTx(ctx, fn); err != nil {
		return err
	}
	time.Sleep(s.stall)
	return nil
}

func TestInvalidationOnlyOnMutation(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	cache := &recordingCache{}
	engine := polls.NewEngine(store, polls.WithCache(cache))

	p := testutil.CreatePoll(t, store, "alice", polls.ModeSingle, "A", "B")

	_, err := engine.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
	require.NoError(t, err)
	_, err = engine.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
	require.NoError(t, err)
	_, err = engine.SubmitVote(ctx, "bob", p.ID, p.Options[1].ID)
	require.NoError(t, err)
	_, err = engine.SubmitVote(ctx, "bob", p.ID, "nope")
	require.Error(t, err)

	assert.Equal(t, []string{p.ID, p.ID}, cache.invalidated)
}

func TestInvalidationOutlivesSubmissionDeadline(t *testing.T) {
	ctx := context.Background()
	base := testutil.NewStore(t)
	p := testutil.CreatePoll(t, base, "alice", polls.ModeSingle, "A", "B")

	store := &lateCommitStore{Store: base, stall: 80 * time.Millisecond}
	cache := &recordingCache{delay: 30 * time.Millisecond}
	engine := polls.NewEngine(store, polls.WithCache(cache), polls.WithTimeout(100*time.Millisecond))

	out, err := engine.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
	require.NoError(t, err)
	assert.Equal(t, polls.OutcomeAccepted, out.Kind)

	assert.Empty(t, cache.errs)
	assert.Equal(t, []string{p.ID}, cache.invalidated)
}

func TestInvalidationSurvivesCallerCancel(t *testing.T) {
	base := testutil.NewStore(t)
	p := testutil.CreatePoll(t, base, "alice", polls.ModeMultiple, "A", "B")

	ctx, cancel := context.WithCancel(context.Background())
	store := &cancelOnCommitStore{Store: base, cancel: cancel}
	cache := &recordingCache{delay: 10 * time.Millisecond}
	engine := polls.NewEngine(store, polls.WithCache(cache))

	_, err := engine.SubmitVote(ctx, "bob", p.ID, p.Options[0].ID)
	require.NoError(t, err)

	assert.Empty(t, cache.errs)
	assert.Equal(t, []string{p.ID}, cache.invalidated)
}

// cancelOnCommitStore cancels the caller's context right after a commit.
type cancelOnCommitStore struct {
	polls.Store
	cancel context.CancelFunc
}

func (s *cancelOnCommitStore) InTx(ctx context.Context, fn func(polls.Tx) error) error {
	if err := s.Store.InTx(ctx, fn); err != nil {
		return err
	}
	s.cancel()
	return nil
}
