// Package sqlstore implements the poll store and vote ledger on a relational
// database. PostgreSQL is the production target; SQLite backs local runs and
// tests.
package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database, verifies the connection and creates the
// schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "database connection failed")
	}

	if dialect == SQLite {
		// A single connection serialises writers; SQLite would otherwise
		// answer concurrent transactions with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable foreign keys")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "database ping failed")
	}

	if err := CreateSchema(db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InTx(ctx context.Context, fn func(polls.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&txn{q: tx, d: s.dialect}); err != nil {
		return err
	}
	return mapErr(errors.Wrap(tx.Commit(), "failed to commit transaction"))
}

func (s *Store) Poll(ctx context.Context, id string) (*polls.Poll, error) {
	return loadPoll(ctx, s.db, s.dialect, id)
}

func (s *Store) ListPolls(ctx context.Context, viewerID string) ([]*polls.Poll, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id FROM poll
		WHERE is_public = ? OR creator_id = ?
		ORDER BY created_at DESC, id
	`), true, viewerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query polls")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan poll")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate polls")
	}

	out := make([]*polls.Poll, 0, len(ids))
	for _, id := range ids {
		p, err := loadPoll(ctx, s.db, s.dialect, id)
		if errors.Is(err, polls.ErrNotFound) {
			// deleted between the two queries
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error) {
	return voterOptions(ctx, s.db, s.dialect, pollID, voterID)
}

func (s *Store) CountVotes(ctx context.Context, pollID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT option_id, COUNT(*) FROM vote
		WHERE poll_id = ?
		GROUP BY option_id
	`), pollID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count votes")
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			optionID string
			n        int64
		)
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan vote count")
		}
		counts[optionID] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate vote counts")
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txn struct {
	q querier
	d Dialect
}

func (t *txn) Poll(ctx context.Context, id string) (*polls.Poll, error) {
	return loadPoll(ctx, t.q, t.d, id)
}

func (t *txn) CreatePoll(ctx context.Context, p *polls.Poll) error {
	p.ID = uuid.NewString()

	_, err := t.q.ExecContext(ctx, t.d.rebind(`
		INSERT INTO poll (id, creator_id, question, mode, status, is_public, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.CreatorID, p.Question, string(p.Mode), string(p.Status), p.IsPublic, nullTime(p.ExpiresAt), p.CreatedAt.UTC())
	if err != nil {
		return mapErr(errors.Wrap(err, "failed to insert poll"))
	}
	return t.insertOptions(ctx, p)
}

func (t *txn) UpdatePoll(ctx context.Context, p *polls.Poll, replaceOptions bool) error {
	res, err := t.q.ExecContext(ctx, t.d.rebind(`
		UPDATE poll
		SET question = ?, status = ?, is_public = ?, expires_at = ?
		WHERE id = ?
	`), p.Question, string(p.Status), p.IsPublic, nullTime(p.ExpiresAt), p.ID)
	if err != nil {
		return mapErr(errors.Wrap(err, "failed to update poll"))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return polls.ErrNotFound
	}
	if !replaceOptions {
		return nil
	}

	if _, err := t.q.ExecContext(ctx, t.d.rebind(`DELETE FROM vote WHERE poll_id = ?`), p.ID); err != nil {
		return mapErr(errors.Wrap(err, "failed to drop votes"))
	}
	if _, err := t.q.ExecContext(ctx, t.d.rebind(`DELETE FROM poll_option WHERE poll_id = ?`), p.ID); err != nil {
		return mapErr(errors.Wrap(err, "failed to drop options"))
	}
	return t.insertOptions(ctx, p)
}

func (t *txn) insertOptions(ctx context.Context, p *polls.Poll) error {
	for i := range p.Options {
		p.Options[i].ID = uuid.NewString()
		o := p.Options[i]
		_, err := t.q.ExecContext(ctx, t.d.rebind(`
			INSERT INTO poll_option (id, poll_id, text, display_order)
			VALUES (?, ?, ?, ?)
		`), o.ID, p.ID, o.Text, o.DisplayOrder)
		if err != nil {
			return mapErr(errors.Wrap(err, "failed to insert option"))
		}
	}
	return nil
}

func (t *txn) DeletePoll(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM vote WHERE poll_id = ?`,
		`DELETE FROM poll_option WHERE poll_id = ?`,
	} {
		if _, err := t.q.ExecContext(ctx, t.d.rebind(q), id); err != nil {
			return errors.Wrap(err, "failed to delete poll children")
		}
	}
	res, err := t.q.ExecContext(ctx, t.d.rebind(`DELETE FROM poll WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "failed to delete poll")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return polls.ErrNotFound
	}
	return nil
}

func (t *txn) VoterOptions(ctx context.Context, pollID, voterID string) ([]string, error) {
	return voterOptions(ctx, t.q, t.d, pollID, voterID)
}

func (t *txn) InsertVote(ctx context.Context, v polls.Vote) error {
	_, err := t.q.ExecContext(ctx, t.d.rebind(`
		INSERT INTO vote (poll_id, option_id, voter_id, slot, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), v.PollID, v.OptionID, v.VoterID, v.Slot, v.CreatedAt.UTC())
	return mapErr(errors.Wrap(err, "failed to insert vote"))
}

func (t *txn) DeleteVotes(ctx context.Context, pollID, voterID string) (int64, error) {
	res, err := t.q.ExecContext(ctx, t.d.rebind(`
		DELETE FROM vote WHERE poll_id = ? AND voter_id = ?
	`), pollID, voterID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete votes")
	}
	return res.RowsAffected()
}

func loadPoll(ctx context.Context, q querier, d Dialect, id string) (*polls.Poll, error) {
	var (
		p         polls.Poll
		mode      string
		status    string
		expiresAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, d.rebind(`
		SELECT id, creator_id, question, mode, status, is_public, expires_at, created_at
		FROM poll
		WHERE id = ?
	`), id).Scan(&p.ID, &p.CreatorID, &p.Question, &mode, &status, &p.IsPublic, &expiresAt, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(errors.Wrap(err, "failed to query poll"))
	}
	p.Mode = polls.Mode(mode)
	p.Status = polls.Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}

	rows, err := q.QueryContext(ctx, d.rebind(`
		SELECT id, text, display_order
		FROM poll_option
		WHERE poll_id = ?
		ORDER BY display_order
	`), id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query options")
	}
	defer rows.Close()

	for rows.Next() {
		var o polls.Option
		if err := rows.Scan(&o.ID, &o.Text, &o.DisplayOrder); err != nil {
			return nil, errors.Wrap(err, "failed to scan option")
		}
		p.Options = append(p.Options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate options")
	}
	return &p, nil
}

func voterOptions(ctx context.Context, q querier, d Dialect, pollID, voterID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`
		SELECT option_id FROM vote
		WHERE poll_id = ? AND voter_id = ?
		ORDER BY created_at, option_id
	`), pollID, voterID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query votes")
	}
	defer rows.Close()

	var held []string
	for rows.Next() {
		var optionID string
		if err := rows.Scan(&optionID); err != nil {
			return nil, errors.Wrap(err, "failed to scan vote")
		}
		held = append(held, optionID)
	}
	return held, errors.Wrap(rows.Err(), "failed to iterate votes")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return polls.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return errors.Wrap(polls.ErrConflict, pqErr.Message)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch code := liteErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errors.Wrap(polls.ErrConflict, liteErr.Error())
		case code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE constraint failed"):
			// primary result code only, extended codes disabled
			return errors.Wrap(polls.ErrConflict, liteErr.Error())
		}
	}
	return err
}
