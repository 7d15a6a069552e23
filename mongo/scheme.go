package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

type Poll struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	CreatorID string             `bson:"creator_id"`
	Question  string             `bson:"question"`
	Options   []PollOption       `bson:"options"`
	Mode      string             `bson:"mode"`
	Status    string             `bson:"status"`
	IsPublic  bool               `bson:"is_public"`
	ExpiresAt *time.Time         `bson:"expires_at"`
	CreatedAt time.Time          `bson:"created_at"`
}

type PollOption struct {
	ID           primitive.ObjectID `bson:"id"`
	Text         string             `bson:"text"`
	DisplayOrder int                `bson:"display_order"`
}

type Vote struct {
	PollID    primitive.ObjectID `bson:"poll_id"`
	OptionID  primitive.ObjectID `bson:"option_id"`
	VoterID   string             `bson:"voter_id"`
	Slot      string             `bson:"slot"`
	CreatedAt time.Time          `bson:"created_at"`
}

func (p *Poll) toPoll() *polls.Poll {
	out := &polls.Poll{
		ID:        p.ID.Hex(),
		CreatorID: p.CreatorID,
		Question:  p.Question,
		Options:   make([]polls.Option, len(p.Options)),
		Mode:      polls.Mode(p.Mode),
		Status:    polls.Status(p.Status),
		IsPublic:  p.IsPublic,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.CreatedAt,
	}
	for i, o := range p.Options {
		out.Options[i] = polls.Option{ID: o.ID.Hex(), Text: o.Text, DisplayOrder: o.DisplayOrder}
	}
	return out
}

// newOptions assigns fresh ids to every option of p.
func newOptions(p *polls.Poll) []PollOption {
	opts := make([]PollOption, len(p.Options))
	for i := range p.Options {
		id := primitive.NewObjectID()
		p.Options[i].ID = id.Hex()
		opts[i] = PollOption{ID: id, Text: p.Options[i].Text, DisplayOrder: p.Options[i].DisplayOrder}
	}
	return opts
}

func fromVote(v polls.Vote) (*Vote, error) {
	pollID, err := primitive.ObjectIDFromHex(v.PollID)
	if err != nil {
		return nil, polls.ErrNotFound
	}
	optionID, err := primitive.ObjectIDFromHex(v.OptionID)
	if err != nil {
		return nil, polls.ErrNotFound
	}
	slot := v.Slot
	if slot == "" {
		slot = v.OptionID
	}
	return &Vote{
		PollID:    pollID,
		OptionID:  optionID,
		VoterID:   v.VoterID,
		Slot:      slot,
		CreatedAt: v.CreatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
