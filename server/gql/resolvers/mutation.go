package resolvers

import (
	"context"
	"time"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

type voteResult struct {
	State     string
	Message   *string
	Outcome   *string
	Retracted *[]string
}

func (r *RootResolver) Vote(ctx context.Context, args struct {
	PollID   string
	OptionID string
}) (voteResult, error) {
	out, err := r.engine.SubmitVote(ctx, voterID(ctx), args.PollID, args.OptionID)
	if r.metrics != nil && err == nil {
		r.metrics.Observe(out, nil)
	}

	state, msg, err := r.state("vote", err)
	if err != nil || state != stateSuccess {
		return voteResult{State: state, Message: msg}, err
	}

	outcome := string(out.Kind)
	res := voteResult{State: state, Outcome: &outcome}
	if len(out.Retracted) > 0 {
		res.Retracted = &out.Retracted
	}
	return res, nil
}

type pollInput struct {
	Question string
	Options  []string
	Mode     *string
	Status   *string
	IsPublic *bool
	Expiry   *int32
}

type pollUpdateInput struct {
	Question    *string
	Options     *[]string
	Status      *string
	IsPublic    *bool
	Expiry      *int32
	ClearExpiry *bool
}

type pollResult struct {
	State   string
	Message *string
	Poll    *pollResolver
}

type deleteResult struct {
	State   string
	Message *string
}

func expiryFrom(seconds *int32) *time.Time {
	if seconds == nil || *seconds == 0 {
		return nil
	}
	exp := time.Now().Add(time.Duration(*seconds) * time.Second)
	return &exp
}

func (r *RootResolver) CreatePoll(ctx context.Context, args struct {
	Poll pollInput
}) (pollResult, error) {
	in := polls.PollInput{
		Question:  args.Poll.Question,
		Options:   args.Poll.Options,
		ExpiresAt: expiryFrom(args.Poll.Expiry),
	}
	if args.Poll.Mode != nil {
		in.Mode = polls.Mode(*args.Poll.Mode)
	}
	if args.Poll.Status != nil {
		in.Status = polls.Status(*args.Poll.Status)
	}
	if args.Poll.IsPublic != nil {
		in.IsPublic = *args.Poll.IsPublic
	}

	poll, err := r.service.CreatePoll(ctx, voterID(ctx), in)
	state, msg, err := r.state("create poll", err)
	if err != nil || state != stateSuccess {
		return pollResult{State: state, Message: msg}, err
	}
	return pollResult{State: state, Poll: &pollResolver{poll, r}}, nil
}

func (r *RootResolver) UpdatePoll(ctx context.Context, args struct {
	ID   string
	Poll pollUpdateInput
}) (pollResult, error) {
	up := polls.PollUpdate{
		Question:  args.Poll.Question,
		Options:   args.Poll.Options,
		IsPublic:  args.Poll.IsPublic,
		ExpiresAt: expiryFrom(args.Poll.Expiry),
	}
	if args.Poll.Status != nil {
		s := polls.Status(*args.Poll.Status)
		up.Status = &s
	}
	if args.Poll.ClearExpiry != nil {
		up.ClearExpiry = *args.Poll.ClearExpiry
	}

	poll, err := r.service.UpdatePoll(ctx, voterID(ctx), args.ID, up)
	state, msg, err := r.state("update poll", err)
	if err != nil || state != stateSuccess {
		return pollResult{State: state, Message: msg}, err
	}
	return pollResult{State: state, Poll: &pollResolver{poll, r}}, nil
}

func (r *RootResolver) DeletePoll(ctx context.Context, args struct {
	ID string
}) (deleteResult, error) {
	state, msg, err := r.state("delete poll", r.service.DeletePoll(ctx, voterID(ctx), args.ID))
	return deleteResult{State: state, Message: msg}, err
}
