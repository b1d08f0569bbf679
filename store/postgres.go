package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stevemurr/docstore/document"
)

//go:embed schema/postgres.sql
var postgresSchema string

// conflictMessage is the message raised by update_documents on a version
// mismatch. The hint carries the conflicting id.
const conflictMessage = "update_documents_conflict"

// Postgres stores documents in a PostgreSQL table and applies batches with
// the update_documents function, so that a batch is a single statement.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Install(ctx context.Context, db *sql.DB, scheme string) (string, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return "", err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO docstore_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		schemeKey, scheme,
	); err != nil {
		return "", err
	}
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM docstore_meta WHERE key = $1`, schemeKey).Scan(&stored)
	return stored, err
}

func (Postgres) Setup(ctx context.Context, conn *sql.Conn, lockTimeout time.Duration) error {
	_, err := conn.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, false)",
		fmt.Sprintf("%dms", lockTimeout.Milliseconds()))
	return err
}

func (Postgres) Begin(ctx context.Context, conn *sql.Conn, level sql.IsolationLevel) (Tx, error) {
	switch level {
	case sql.LevelDefault, sql.LevelReadCommitted, sql.LevelRepeatableRead, sql.LevelSerializable:
	case sql.LevelSnapshot:
		// REPEATABLE READ is snapshot isolation in PostgreSQL.
		level = sql.LevelRepeatableRead
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedIsolation, level)
	}
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (Postgres) Update(ctx context.Context, q Querier, batch []Mutation) error {
	var (
		ids      = make([]string, len(batch))
		bodies   = make([]sql.NullString, len(batch))
		expected = make([][]byte, len(batch))
		next     = make([][]byte, len(batch))
		checks   = make([]bool, len(batch))
	)
	for i, m := range batch {
		ids[i] = m.ID.String()
		if !m.CheckOnly {
			bodies[i] = nullBody(m.Body)
		}
		expected[i] = m.Expected.Bytes()
		next[i] = m.Next.Bytes()
		checks[i] = m.CheckOnly
	}
	_, err := q.ExecContext(ctx,
		"SELECT update_documents($1::uuid[], $2::text[], $3::bytea[], $4::bytea[], $5::boolean[])",
		pq.Array(ids), pq.Array(bodies), pq.Array(expected), pq.Array(next), pq.Array(checks),
	)
	return err
}

func (Postgres) Fetch(ctx context.Context, q Querier, ids []uuid.UUID) ([]document.Document, error) {
	text := make([]string, len(ids))
	for i, id := range ids {
		text[i] = id.String()
	}
	rows, err := q.QueryContext(ctx,
		"SELECT id, body::text, version FROM document WHERE id = ANY($1::uuid[])",
		pq.Array(text),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	// jsonb renders with spaces after separators.
	for i, d := range docs {
		if d.Body == nil {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, d.Body); err != nil {
			return nil, err
		}
		docs[i].Body = buf.Bytes()
	}
	return docs, nil
}

func (Postgres) Condition(err error) Condition {
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Message == conflictMessage:
			id, perr := uuid.Parse(pe.Hint)
			if perr != nil {
				return Condition{Kind: CondSerialization}
			}
			return Condition{Kind: CondConflict, ID: id}
		case pe.Code == "40001":
			return Condition{Kind: CondSerialization}
		case pe.Code == "40P01":
			return Condition{Kind: CondDeadlock}
		case pe.Code == "23505":
			return Condition{Kind: CondUniqueViolation}
		case pe.Code == "55P03":
			return Condition{Kind: CondLockTimeout}
		case pe.Code == "22P02":
			return Condition{Kind: CondInvalidBody}
		case pe.Code.Class() == "08", pe.Code == "57P01":
			return Condition{Kind: CondUnavailable}
		}
		return Condition{}
	}
	if isUnavailable(err) {
		return Condition{Kind: CondUnavailable}
	}
	return Condition{}
}
