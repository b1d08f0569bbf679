package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stevemurr/docstore/document"
)

// Querier is the subset of *sql.Conn and *sql.Tx the backends run
// statements on.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is an open backend transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Mutation is one entry of an atomic batch.
type Mutation struct {
	ID uuid.UUID
	// Body is the new body, nil to clear it. Ignored when CheckOnly is set.
	Body json.RawMessage
	// Expected must equal the stored version for the batch to apply.
	Expected document.Version
	// Next is the version stored on success. Empty when CheckOnly is set.
	Next      document.Version
	CheckOnly bool
}

// Backend is everything the document store needs from a relational
// database.
//
// Update must apply the whole batch or nothing, even when q is an open
// transaction the caller may keep using afterwards. It processes entries in
// order and stops at the first version mismatch, reporting it with a
// *ConflictSignal or a backend specific error that Condition recognizes.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Install creates the schema if it does not exist and records scheme as
	// the version scheme of a new database. It returns the scheme the
	// database was created with.
	Install(ctx context.Context, db *sql.DB, scheme string) (string, error)
	// Setup configures a session connection.
	Setup(ctx context.Context, conn *sql.Conn, lockTimeout time.Duration) error
	// Begin opens a transaction on conn.
	Begin(ctx context.Context, conn *sql.Conn, level sql.IsolationLevel) (Tx, error)
	// Update applies an atomic batch of writes and version checks.
	Update(ctx context.Context, q Querier, batch []Mutation) error
	// Fetch returns the stored documents among ids. Missing ids are omitted.
	Fetch(ctx context.Context, q Querier, ids []uuid.UUID) ([]document.Document, error)
	// Condition maps an error returned by this backend to a neutral
	// condition. It must not perform I/O.
	Condition(err error) Condition
}

// schemeKey is the metadata key holding the version scheme of a database.
const schemeKey = "version_scheme"

// ConflictSignal is returned by a backend that found a version mismatch on
// a known document.
type ConflictSignal struct {
	ID uuid.UUID
}

func (s *ConflictSignal) Error() string {
	return fmt.Sprintf("version mismatch on document %s", s.ID)
}

// ConditionKind is the class of a backend failure.
type ConditionKind int

const (
	// CondOther is a failure unrelated to the update protocol.
	CondOther ConditionKind = iota
	// CondConflict is an explicit version mismatch on Condition.ID.
	CondConflict
	// CondUniqueViolation is a duplicate key, typically two inserts racing.
	CondUniqueViolation
	// CondSerialization is a serialization failure of the transaction.
	CondSerialization
	// CondDeadlock is a deadlock detected by the backend.
	CondDeadlock
	// CondLockTimeout is a lock that could not be acquired in time.
	CondLockTimeout
	// CondInvalidBody is a body the backend refused to parse.
	CondInvalidBody
	// CondUnavailable is a connectivity failure.
	CondUnavailable
)

var conditionNames = [...]string{
	CondOther:           "other",
	CondConflict:        "conflict",
	CondUniqueViolation: "unique_violation",
	CondSerialization:   "serialization_failure",
	CondDeadlock:        "deadlock",
	CondLockTimeout:     "lock_timeout",
	CondInvalidBody:     "invalid_body",
	CondUnavailable:     "unavailable",
}

func (k ConditionKind) String() string {
	if int(k) < len(conditionNames) {
		return conditionNames[k]
	}
	return fmt.Sprintf("ConditionKind(%d)", int(k))
}

// Condition is the neutral description of a backend failure.
type Condition struct {
	Kind ConditionKind
	// ID is the conflicting document, set for CondConflict only.
	ID uuid.UUID
}

// isUnavailable reports connectivity failures common to every driver.
func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
