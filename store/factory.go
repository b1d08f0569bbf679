package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/stevemurr/docstore/document"
)

var (
	// ErrUnknownBackend is returned by New for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown store backend")
	// ErrSchemeMismatch is returned by New when the configured generator
	// does not match the version scheme the database was created with.
	ErrSchemeMismatch = errors.New("version scheme mismatch")
)

// DefaultLockTimeout bounds lock waits when WithLockTimeout is not used.
const DefaultLockTimeout = 5 * time.Second

// Database is a connection pool to a document database. It hands out
// DocumentStore sessions.
type Database struct {
	db          *sql.DB
	backend     Backend
	gen         document.Generator
	logger      *slog.Logger
	lockTimeout time.Duration
	maxConns    int
}

// Option configures a Database.
type Option func(*Database)

// WithGenerator sets the version scheme. The default is
// document.CounterGenerator. A database is bound to the scheme it was
// created with.
func WithGenerator(g document.Generator) Option {
	return func(d *Database) { d.gen = g }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Database) { d.logger = l }
}

// WithLockTimeout bounds how long a session waits for a lock before failing
// with document.ErrLockTimeout.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *Database) { d.lockTimeout = timeout }
}

// WithMaxOpenConns limits the number of connections, hence of concurrent
// sessions. Zero means unlimited.
func WithMaxOpenConns(n int) Option {
	return func(d *Database) { d.maxConns = n }
}

// New opens a Database and installs its schema.
//
// Supported backends:
//
//	"sqlite"   - SQLite database file at dsn
//	"memory"   - in-memory SQLite (ephemeral, a single session at a time)
//	"postgres" - PostgreSQL, dsn is a lib/pq connection string
func New(ctx context.Context, backend, dsn string, opts ...Option) (*Database, error) {
	d := &Database{
		gen:         document.CounterGenerator{},
		logger:      slog.Default(),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	switch backend {
	case "sqlite", "":
		d.backend = SQLite{}
		d.db, err = openSQLite(dsn)
	case "memory":
		d.backend = SQLite{}
		// A private shared-cache database lives as long as one of its
		// connections; a single connection keeps it alive and serialized.
		d.db, err = sql.Open("sqlite3", fmt.Sprintf("file:docstore-%s?mode=memory&cache=shared", uuid.NewString()))
		d.maxConns = 1
	case "postgres":
		d.backend = Postgres{}
		d.db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("%w: %q (supported: sqlite, memory, postgres)", ErrUnknownBackend, backend)
	}
	if err != nil {
		return nil, err
	}
	if d.maxConns > 0 {
		d.db.SetMaxOpenConns(d.maxConns)
		d.db.SetMaxIdleConns(d.maxConns)
	}

	scheme, err := d.backend.Install(ctx, d.db, d.gen.Scheme())
	if err != nil {
		d.db.Close()
		return nil, classify(nil, fmt.Errorf("failed to install %s schema: %w", d.backend.Name(), err), d.backend.Condition(err))
	}
	if scheme != d.gen.Scheme() {
		// Versions of different schemes can collide, which would let a
		// stale write succeed.
		d.db.Close()
		return nil, fmt.Errorf("%w: database uses %q, configured %q", ErrSchemeMismatch, scheme, d.gen.Scheme())
	}
	d.logger.DebugContext(ctx, "document database ready", "backend", d.backend.Name(), "versions", scheme)
	return d, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Session returns a new DocumentStore bound to its own connection. The
// caller must Close it.
func (d *Database) Session(ctx context.Context) (*DocumentStore, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, classify(nil, err, d.backend.Condition(err))
	}
	if err := d.backend.Setup(ctx, conn, d.lockTimeout); err != nil {
		conn.Close()
		return nil, classify(nil, err, d.backend.Condition(err))
	}
	return &DocumentStore{
		conn:    conn,
		backend: d.backend,
		gen:     d.gen,
		logger:  d.logger,
	}, nil
}

// Backend returns the backend of d.
func (d *Database) Backend() Backend {
	return d.backend
}

// DB returns the underlying pool.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Close() error {
	return d.db.Close()
}
