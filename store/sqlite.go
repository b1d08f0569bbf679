package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/stevemurr/docstore/document"
)

// SQLite stores documents in a single SQLite table.
//
// Table:
//
//	document(id, body, version)  PRIMARY KEY (id)
//	docstore_meta(key, value)    PRIMARY KEY (key)
//
// SQLite locks the whole database rather than rows: a write transaction
// holds the single writer lock until it ends, and readers of a WAL database
// keep the snapshot they started with. A batch issued outside a transaction
// runs under BEGIN IMMEDIATE so it takes the writer lock before checking
// versions.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Install(ctx context.Context, db *sql.DB, scheme string) (string, error) {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS document (
			id TEXT NOT NULL PRIMARY KEY,
			body TEXT,
			version BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS docstore_meta (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return "", err
		}
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO docstore_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		schemeKey, scheme,
	); err != nil {
		return "", err
	}
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM docstore_meta WHERE key = ?`, schemeKey).Scan(&stored)
	return stored, err
}

func (SQLite) Setup(ctx context.Context, conn *sql.Conn, lockTimeout time.Duration) error {
	_, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", lockTimeout.Milliseconds()))
	return err
}

// Begin maps the isolation levels that tolerate a stale snapshot to a
// deferred transaction, and the others to an immediate one.
func (SQLite) Begin(ctx context.Context, conn *sql.Conn, level sql.IsolationLevel) (Tx, error) {
	var stmt string
	switch level {
	case sql.LevelReadCommitted, sql.LevelRepeatableRead, sql.LevelSnapshot:
		stmt = "BEGIN DEFERRED"
	case sql.LevelDefault, sql.LevelSerializable:
		stmt = "BEGIN IMMEDIATE"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedIsolation, level)
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return nil, err
	}
	return &sqliteTx{conn: conn}, nil
}

func (SQLite) Update(ctx context.Context, q Querier, batch []Mutation) (err error) {
	if _, err := q.ExecContext(ctx, "SAVEPOINT update_documents"); err != nil {
		return err
	}
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err != nil {
			// RELEASE alone would keep the changes made since the savepoint.
			_, _ = q.ExecContext(cleanup, "ROLLBACK TO update_documents")
			_, _ = q.ExecContext(cleanup, "RELEASE update_documents")
			return
		}
		_, err = q.ExecContext(cleanup, "RELEASE update_documents")
	}()

	for _, m := range batch {
		var stored []byte
		scanErr := q.QueryRowContext(ctx, "SELECT version FROM document WHERE id = ?", m.ID).Scan(&stored)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}
		if document.NewVersion(stored) != m.Expected {
			return &ConflictSignal{ID: m.ID}
		}
		if m.CheckOnly {
			continue
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO document (id, body, version) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET body = excluded.body, version = excluded.version`,
			m.ID, nullBody(m.Body), m.Next.Bytes(),
		); err != nil {
			return err
		}
	}
	return nil
}

// Fetch binds the ids as a single JSON array so the statement stays within
// SQLite's limit on host parameters however many ids are requested.
func (SQLite) Fetch(ctx context.Context, q Querier, ids []uuid.UUID) ([]document.Document, error) {
	list, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		"SELECT id, body, version FROM document WHERE id IN (SELECT value FROM json_each(?))",
		string(list),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (SQLite) Condition(err error) Condition {
	var sig *ConflictSignal
	if errors.As(err, &sig) {
		return Condition{Kind: CondConflict, ID: sig.ID}
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.ExtendedCode == sqlite3.ErrBusySnapshot:
			// A read transaction tried to write after another connection
			// committed: its snapshot can no longer be serialized.
			return Condition{Kind: CondSerialization}
		case se.Code == sqlite3.ErrBusy:
			return Condition{Kind: CondLockTimeout}
		case se.Code == sqlite3.ErrLocked:
			return Condition{Kind: CondDeadlock}
		case se.ExtendedCode == sqlite3.ErrConstraintUnique, se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return Condition{Kind: CondUniqueViolation}
		case se.Code == sqlite3.ErrCantOpen, se.Code == sqlite3.ErrIoErr:
			return Condition{Kind: CondUnavailable}
		}
	}
	if isUnavailable(err) {
		return Condition{Kind: CondUnavailable}
	}
	return Condition{}
}

// sqliteTx is a transaction opened with an explicit BEGIN statement, since
// database/sql gives no control over the SQLite locking mode per
// transaction.
type sqliteTx struct {
	conn *sql.Conn
}

func (t *sqliteTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *sqliteTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *sqliteTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *sqliteTx) Commit() error {
	if _, err := t.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		_ = t.Rollback()
		return err
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK")
	return err
}

func nullBody(body []byte) sql.NullString {
	return sql.NullString{String: string(body), Valid: body != nil}
}

func scanDocuments(rows *sql.Rows) ([]document.Document, error) {
	var docs []document.Document
	for rows.Next() {
		var (
			id      uuid.UUID
			body    sql.NullString
			version []byte
		)
		if err := rows.Scan(&id, &body, &version); err != nil {
			return nil, err
		}
		var b []byte
		if body.Valid {
			b = []byte(body.String)
		}
		docs = append(docs, document.New(id, b, document.NewVersion(version)))
	}
	return docs, rows.Err()
}
