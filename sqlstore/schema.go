package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// CreateSchema creates all tables. Safe to call multiple times.
func CreateSchema(db *sql.DB, d Dialect) error {
	schema := schemaSQLite
	if d == Postgres {
		schema = schemaPostgres
	}
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}
	return nil
}

// The vote primary key is the (poll, voter, option) uniqueness the ledger is
// built on; the (poll, voter, slot) key caps single-choice voters at one row.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS poll (
    id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL,
    question TEXT NOT NULL,
    mode TEXT NOT NULL CHECK (mode IN ('single', 'multiple')),
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('draft', 'active', 'closed')),
    is_public BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_poll_creator_id ON poll(creator_id);

CREATE TABLE IF NOT EXISTS poll_option (
    id TEXT PRIMARY KEY,
    poll_id TEXT NOT NULL REFERENCES poll(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    display_order INTEGER NOT NULL,
    UNIQUE (poll_id, display_order)
);

CREATE TABLE IF NOT EXISTS vote (
    poll_id TEXT NOT NULL REFERENCES poll(id) ON DELETE CASCADE,
    option_id TEXT NOT NULL REFERENCES poll_option(id) ON DELETE CASCADE,
    voter_id TEXT NOT NULL,
    slot TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (poll_id, voter_id, option_id),
    UNIQUE (poll_id, voter_id, slot)
);

CREATE INDEX IF NOT EXISTS idx_vote_poll_option ON vote(poll_id, option_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS poll (
    id TEXT PRIMARY KEY,
    creator_id TEXT NOT NULL,
    question TEXT NOT NULL,
    mode TEXT NOT NULL CHECK (mode IN ('single', 'multiple')),
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('draft', 'active', 'closed')),
    is_public BOOLEAN NOT NULL DEFAULT 0,
    expires_at DATETIME,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_poll_creator_id ON poll(creator_id);

CREATE TABLE IF NOT EXISTS poll_option (
    id TEXT PRIMARY KEY,
    poll_id TEXT NOT NULL REFERENCES poll(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    display_order INTEGER NOT NULL,
    UNIQUE (poll_id, display_order)
);

CREATE TABLE IF NOT EXISTS vote (
    poll_id TEXT NOT NULL REFERENCES poll(id) ON DELETE CASCADE,
    option_id TEXT NOT NULL REFERENCES poll_option(id) ON DELETE CASCADE,
    voter_id TEXT NOT NULL,
    slot TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (poll_id, voter_id, option_id),
    UNIQUE (poll_id, voter_id, slot)
);

CREATE INDEX IF NOT EXISTS idx_vote_poll_option ON vote(poll_id, option_id);
`

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
