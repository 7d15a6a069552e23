// Package mongo stores polls and the vote ledger in MongoDB.
//
// Votes live in their own collection with unique indexes on
// (poll_id, voter_id, option_id) and (poll_id, voter_id, slot). Multi-document
// transactions require a replica set.
package mongo

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/troydota/api.vote.komodohype.dev/polls"

	log "github.com/sirupsen/logrus"
)

var ErrNoDocuments = mongo.ErrNoDocuments

const (
	collPolls = "polls"
	collVotes = "votes"
)

type Store struct {
	client   *mongo.Client
	database *mongo.Database
}

var _ polls.Store = (*Store)(nil)

// Open connects to uri, selects database db and ensures the indexes the
// ledger relies on.
func Open(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongodb")
	}

	s := &Store{client: client, database: client.Database(db)}
	if err = s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	log.WithField("component", "mongo").Infof("connected, db=%s", db)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.database.Collection(collVotes).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "poll_id", Value: 1}, {Key: "voter_id", Value: 1}, {Key: "option_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "poll_id", Value: 1}, {Key: "voter_id", Value: 1}, {Key: "slot", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "poll_id", Value: 1}, {Key: "option_id", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "create vote indexes")
	}

	_, err = s.database.Collection(collPolls).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_public", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "creator_id", Value: 1}}},
	})
	return errors.Wrap(err, "create poll indexes")
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(polls.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(mongo.SessionContext) (interface{}, error) {
		return nil, fn(&txn{db: s.database, session: session})
	})
	return mapErr(err)
}

func (s *Store) Poll(ctx context.Context, id string) (*polls.Poll, error) {
	return findPoll(ctx, s.database, id)
}

func (s *Store) ListPolls(ctx context.Context, viewerID string) ([]*polls.Poll, error) {
	filter := bson.M{"is_public": true}
	if viewerID != "" {
		filter = bson.M{"$or": bson.A{
			bson.M{"is_public": true},
			bson.M{"creator_id": viewerID},
		}}
	}

	cur, err := s.database.Collection(collPolls).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find polls")
	}
	defer cur.Close(ctx)

	docs := []Poll{}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode polls")
	}

	out := make([]*polls.Poll, len(docs))
	for i := range docs {
		out[i] = docs[i].toPoll()
	}
	return out, nil
}

func (s *Store) VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error) {
	return voterOptions(ctx, s.database, pollID, voterID)
}

func (s *Store) CountVotes(ctx context.Context, pollID string) (map[string]int64, error) {
	id, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return map[string]int64{}, nil
	}

	cur, err := s.database.Collection(collVotes).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"poll_id": id}}},
		{{Key: "$group", Value: bson.M{"_id": "$option_id", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "aggregate votes")
	}
	defer cur.Close(ctx)

	rows := []struct {
		OptionID primitive.ObjectID `bson:"_id"`
		Count    int64              `bson:"count"`
	}{}
	if err = cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode counts")
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.OptionID.Hex()] = r.Count
	}
	return counts, nil
}

// txn binds every call to the transaction's session, whatever context the
// caller passes in.
type txn struct {
	db      *mongo.Database
	session mongo.Session
}

func (t *txn) ctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, t.session)
}

func (t *txn) Poll(ctx context.Context, id string) (*polls.Poll, error) {
	return findPoll(t.ctx(ctx), t.db, id)
}

func (t *txn) CreatePoll(ctx context.Context, p *polls.Poll) error {
	doc := Poll{
		ID:        primitive.NewObjectID(),
		CreatorID: p.CreatorID,
		Question:  p.Question,
		Options:   newOptions(p),
		Mode:      string(p.Mode),
		Status:    string(p.Status),
		IsPublic:  p.IsPublic,
		ExpiresAt: utcPtr(p.ExpiresAt),
		CreatedAt: p.CreatedAt.UTC(),
	}
	if _, err := t.db.Collection(collPolls).InsertOne(t.ctx(ctx), doc); err != nil {
		return mapErr(errors.Wrap(err, "insert poll"))
	}
	p.ID = doc.ID.Hex()
	return nil
}

func (t *txn) UpdatePoll(ctx context.Context, p *polls.Poll, replaceOptions bool) error {
	id, err := primitive.ObjectIDFromHex(p.ID)
	if err != nil {
		return polls.ErrNotFound
	}
	sc := t.ctx(ctx)

	set := bson.M{
		"question":   p.Question,
		"status":     string(p.Status),
		"is_public":  p.IsPublic,
		"expires_at": utcPtr(p.ExpiresAt),
	}
	if replaceOptions {
		set["options"] = newOptions(p)
	}

	res, err := t.db.Collection(collPolls).UpdateByID(sc, id, bson.M{"$set": set})
	if err != nil {
		return mapErr(errors.Wrap(err, "update poll"))
	}
	if res.MatchedCount == 0 {
		return polls.ErrNotFound
	}

	if replaceOptions {
		if _, err = t.db.Collection(collVotes).DeleteMany(sc, bson.M{"poll_id": id}); err != nil {
			return mapErr(errors.Wrap(err, "drop votes"))
		}
	}
	return nil
}

func (t *txn) DeletePoll(ctx context.Context, pollID string) error {
	id, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return polls.ErrNotFound
	}
	sc := t.ctx(ctx)

	res, err := t.db.Collection(collPolls).DeleteOne(sc, bson.M{"_id": id})
	if err != nil {
		return mapErr(errors.Wrap(err, "delete poll"))
	}
	if res.DeletedCount == 0 {
		return polls.ErrNotFound
	}

	_, err = t.db.Collection(collVotes).DeleteMany(sc, bson.M{"poll_id": id})
	return mapErr(errors.Wrap(err, "delete votes"))
}

func (t *txn) VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error) {
	return voterOptions(t.ctx(ctx), t.db, pollID, voterID)
}

func (t *txn) InsertVote(ctx context.Context, v polls.Vote) error {
	doc, err := fromVote(v)
	if err != nil {
		return err
	}
	_, err = t.db.Collection(collVotes).InsertOne(t.ctx(ctx), doc)
	return mapErr(errors.Wrap(err, "insert vote"))
}

func (t *txn) DeleteVotes(ctx context.Context, pollID, voterID string) (int64, error) {
	id, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return 0, nil
	}
	res, err := t.db.Collection(collVotes).DeleteMany(t.ctx(ctx), bson.M{"poll_id": id, "voter_id": voterID})
	if err != nil {
		return 0, mapErr(errors.Wrap(err, "delete votes"))
	}
	return res.DeletedCount, nil
}

func findPoll(ctx context.Context, db *mongo.Database, pollID string) (*polls.Poll, error) {
	id, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return nil, polls.ErrNotFound
	}

	doc := &Poll{}
	err = db.Collection(collPolls).FindOne(ctx, bson.M{"_id": id}).Decode(doc)
	if err == ErrNoDocuments {
		return nil, polls.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find poll")
	}
	return doc.toPoll(), nil
}

func voterOptions(ctx context.Context, db *mongo.Database, pollID, voterID string) ([]string, error) {
	id, err := primitive.ObjectIDFromHex(pollID)
	if err != nil {
		return nil, nil
	}

	cur, err := db.Collection(collVotes).Find(ctx, bson.M{"poll_id": id, "voter_id": voterID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "option_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find votes")
	}
	defer cur.Close(ctx)

	docs := []Vote{}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode votes")
	}

	var out []string
	for _, d := range docs {
		out = append(out, d.OptionID.Hex())
	}
	return out, nil
}

// mapErr translates duplicate key errors into polls.ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(polls.ErrConflict, err.Error())
	}
	return err
}
