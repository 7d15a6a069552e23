package resolvers

import (
	"context"
	"time"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

func (r *RootResolver) Poll(ctx context.Context, args struct{ ID string }) (*pollResolver, error) {
	poll, err := r.service.GetPoll(ctx, voterID(ctx), args.ID)
	if err != nil {
		return nil, lookupErr("poll", err)
	}
	return &pollResolver{poll, r}, nil
}

func (r *RootResolver) Polls(ctx context.Context) ([]*pollResolver, error) {
	ps, err := r.service.ListPolls(ctx, voterID(ctx))
	if err != nil {
		return nil, lookupErr("polls", err)
	}

	out := make([]*pollResolver, len(ps))
	for i, p := range ps {
		out[i] = &pollResolver{p, r}
	}
	return out, nil
}

func (r *RootResolver) Tally(ctx context.Context, args struct{ PollID string }) (*tallyResolver, error) {
	poll, err := r.service.GetPoll(ctx, voterID(ctx), args.PollID)
	if err != nil {
		return nil, lookupErr("tally", err)
	}
	return r.tally(ctx, poll)
}

func (r *RootResolver) MyVotes(ctx context.Context, args struct{ PollID string }) (*[]string, error) {
	voter := voterID(ctx)
	if voter == "" {
		return nil, nil
	}
	if _, err := r.service.GetPoll(ctx, voter, args.PollID); err != nil {
		return nil, lookupErr("my votes", err)
	}

	held, err := r.engine.VotesOf(ctx, voter, args.PollID)
	if err != nil {
		return nil, lookupErr("my votes", err)
	}
	if held == nil {
		held = []string{}
	}
	return &held, nil
}

func (r *RootResolver) tally(ctx context.Context, poll *polls.Poll) (*tallyResolver, error) {
	t, err := r.projector.GetTally(ctx, poll.ID)
	if err != nil {
		return nil, lookupErr("tally", err)
	}

	res := &tallyResolver{
		PollID:  t.PollID,
		Total:   int32(t.Total),
		Options: make([]optionCount, len(poll.Options)),
	}
	for i, o := range poll.Options {
		res.Options[i] = optionCount{
			OptionID: o.ID,
			Text:     o.Text,
			Votes:    int32(t.PerOption[o.ID]),
		}
	}
	return res, nil
}

type pollResolver struct {
	poll *polls.Poll
	root *RootResolver
}

func (r *pollResolver) ID() string {
	return r.poll.ID
}

func (r *pollResolver) CreatorID() string {
	return r.poll.CreatorID
}

func (r *pollResolver) Question() string {
	return r.poll.Question
}

func (r *pollResolver) Options() []*optionResolver {
	out := make([]*optionResolver, len(r.poll.Options))
	for i := range r.poll.Options {
		out[i] = &optionResolver{r.poll.Options[i]}
	}
	return out
}

func (r *pollResolver) Mode() string {
	return string(r.poll.Mode)
}

func (r *pollResolver) Status() string {
	return string(r.poll.Status)
}

func (r *pollResolver) IsPublic() bool {
	return r.poll.IsPublic
}

func (r *pollResolver) ExpiresAt() *string {
	if r.poll.ExpiresAt == nil {
		return nil
	}
	s := r.poll.ExpiresAt.Format(time.RFC3339)
	return &s
}

func (r *pollResolver) CreatedAt() string {
	return r.poll.CreatedAt.Format(time.RFC3339)
}

func (r *pollResolver) Tally(ctx context.Context) (*tallyResolver, error) {
	return r.root.tally(ctx, r.poll)
}

type optionResolver struct {
	option polls.Option
}

func (r *optionResolver) ID() string {
	return r.option.ID
}

func (r *optionResolver) Text() string {
	return r.option.Text
}

func (r *optionResolver) DisplayOrder() int32 {
	return int32(r.option.DisplayOrder)
}

type tallyResolver struct {
	PollID  string
	Total   int32
	Options []optionCount
}

type optionCount struct {
	OptionID string
	Text     string
	Votes    int32
}
