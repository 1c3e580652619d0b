// Package store persists users, classes, rosters, assignments and
// submission results in a relational database. PostgreSQL (via pgx) and
// SQLite (via modernc.org/sqlite) are supported through database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlOpen is swapped in tests.
var sqlOpen = sql.Open

// Open connects to the database and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
		}
		db, err = sqlOpen("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(4)
			db.SetMaxIdleConns(2)
		}
	case Postgres:
		db, err = sqlOpen("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		first_name    TEXT NOT NULL,
		last_name     TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		role          TEXT NOT NULL,
		is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS classes (
		id         TEXT PRIMARY KEY,
		faculty    TEXT NOT NULL,
		name       TEXT NOT NULL,
		open       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		UNIQUE (faculty, name)
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		student  TEXT NOT NULL,
		PRIMARY KEY (class_id, student)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_student ON enrollments(student)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id           TEXT PRIMARY KEY,
		class_id     TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		state        TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		published_at TEXT,
		UNIQUE (class_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS submission_results (
		id            TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
		student       TEXT NOT NULL,
		commit_sha    TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		passed        BOOLEAN NOT NULL,
		duration_ms   BIGINT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_assignment ON submission_results(assignment_id, created_at)`,
}

// Migrate creates missing tables. It is idempotent.
func Migrate(ctx context.Context, db DBTX) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Queries runs the application's statements against a DBTX.
type Queries struct {
	db      DBTX
	dialect Dialect
}

func New(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

// WithTx returns a Queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect}
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (q *Queries) rebind(query string) string {
	if q.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
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

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnContention(func() error {
		var err error
		res, err = q.db.ExecContext(ctx, q.rebind(query), args...)
		return err
	})
	return res, translate(err)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.rebind(query), args...)
}

// translate maps driver errors onto ErrNotFound and ErrConflict.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
