// Package store implements an optimistic-concurrency document store on top
// of a transactional relational database.
//
// A DocumentStore is one session bound to one database connection. Writes
// are compare-and-swap: every document carries the version the caller read,
// and a batch applies only if all of those versions are still current.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/stevemurr/docstore/document"
)

var (
	// ErrTransactionInProgress is returned by StartTransaction when the
	// session already has an open transaction.
	ErrTransactionInProgress = errors.New("transaction already in progress")
	// ErrTransactionAborted is returned by every operation of a transaction
	// after one of them failed. The transaction must be rolled back.
	ErrTransactionAborted = errors.New("transaction aborted by a previous error")
	// ErrUnsupportedIsolation is returned for isolation levels the backend
	// does not offer.
	ErrUnsupportedIsolation = errors.New("unsupported isolation level")
	// ErrClosed is returned by a closed session.
	ErrClosed = errors.New("document store is closed")
)

// Store is the interface of a document store session.
type Store interface {
	// UpdateDocuments atomically writes updated and verifies the versions
	// of both updated and checked. It returns the new version of each
	// updated document, in order.
	UpdateDocuments(ctx context.Context, updated, checked []document.Document) ([]document.Version, error)

	// GetDocuments returns one document per id, in order. Ids that do not
	// exist yield a document with a nil body and the Empty version.
	GetDocuments(ctx context.Context, ids []uuid.UUID) ([]document.Document, error)
}

// DocumentStore is a Store session pinned to one database connection.
//
// Calls are serialized; use one DocumentStore per goroutine for concurrent
// work. Close releases the connection.
type DocumentStore struct {
	mu      sync.Mutex
	conn    *sql.Conn
	backend Backend
	gen     document.Generator
	logger  *slog.Logger
	tx      *Transaction
}

var _ Store = (*DocumentStore)(nil)

func (s *DocumentStore) UpdateDocuments(ctx context.Context, updated, checked []document.Document) ([]document.Version, error) {
	if len(updated) == 0 && len(checked) == 0 {
		return nil, nil
	}
	batch, versions, err := s.prepare(updated, checked)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.run(ctx, true, func(q Querier) error {
		return s.backend.Update(ctx, q, batch)
	})
	if err != nil {
		cond := s.backend.Condition(err)
		err = classify(batch, err, cond)
		s.logger.DebugContext(ctx, "update rejected", "backend", s.backend.Name(), "condition", cond.Kind, "err", err)
		return nil, err
	}
	s.logger.DebugContext(ctx, "update applied", "backend", s.backend.Name(), "updated", len(updated), "checked", len(checked))
	return versions, nil
}

// prepare validates the bodies and computes the new versions of a batch.
func (s *DocumentStore) prepare(updated, checked []document.Document) ([]Mutation, []document.Version, error) {
	written := make([]document.Document, len(updated))
	for i, d := range updated {
		body, err := document.CompactBody(d.Body)
		if err != nil {
			return nil, nil, err
		}
		written[i] = document.Document{ID: d.ID, Body: body, Version: d.Version}
	}
	var versions []document.Version
	if len(written) > 0 {
		var err error
		if versions, err = s.gen.Next(written); err != nil {
			return nil, nil, err
		}
	}

	batch := make([]Mutation, 0, len(updated)+len(checked))
	for i, d := range written {
		batch = append(batch, Mutation{ID: d.ID, Body: d.Body, Expected: d.Version, Next: versions[i]})
	}
	for _, d := range checked {
		batch = append(batch, Mutation{ID: d.ID, Expected: d.Version, CheckOnly: true})
	}
	return batch, versions, nil
}

func (s *DocumentStore) GetDocuments(ctx context.Context, ids []uuid.UUID) ([]document.Document, error) {
	if len(ids) == 0 {
		return []document.Document{}, nil
	}
	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var found []document.Document
	err := s.run(ctx, false, func(q Querier) error {
		var err error
		found, err = s.backend.Fetch(ctx, q, unique)
		return err
	})
	if err != nil {
		return nil, classify(nil, err, s.backend.Condition(err))
	}

	byID := make(map[uuid.UUID]document.Document, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	result := make([]document.Document, len(ids))
	for i, id := range ids {
		d, ok := byID[id]
		if !ok {
			d = document.Missing(id)
		}
		result[i] = d
	}
	return result, nil
}

// run executes fn in the open transaction, if any. Otherwise writes get
// their own transaction and reads run on the bare connection, which gives
// them a consistent snapshot for a single statement. s.mu must be held.
func (s *DocumentStore) run(ctx context.Context, write bool, fn func(Querier) error) error {
	if s.conn == nil {
		return ErrClosed
	}
	if t := s.tx; t != nil {
		if t.aborted {
			return ErrTransactionAborted
		}
		if err := fn(t.tx); err != nil {
			t.aborted = true
			return err
		}
		return nil
	}
	if !write {
		return fn(s.conn)
	}
	tx, err := s.backend.Begin(ctx, s.conn, sql.LevelDefault)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WarnContext(ctx, "rollback failed", "backend", s.backend.Name(), "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// StartTransaction opens a transaction that the following calls on s join
// until it is committed or rolled back. Only one transaction may be open at
// a time.
//
// The transaction is bound to ctx: the backend may roll it back when ctx is
// done.
func (s *DocumentStore) StartTransaction(ctx context.Context, level sql.IsolationLevel) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrClosed
	}
	if s.tx != nil {
		return nil, ErrTransactionInProgress
	}
	tx, err := s.backend.Begin(ctx, s.conn, level)
	if err != nil {
		return nil, classify(nil, err, s.backend.Condition(err))
	}
	s.tx = &Transaction{store: s, tx: tx, level: level}
	return s.tx, nil
}

// WithTransaction runs fn in a new transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, including when fn
// panics.
func (s *DocumentStore) WithTransaction(ctx context.Context, level sql.IsolationLevel, fn func(ctx context.Context) error) (err error) {
	tx, err := s.StartTransaction(ctx, level)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close rolls back the open transaction, if any, and releases the
// connection.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if t := s.tx; t != nil {
		t.done = true
		s.tx = nil
		if err := t.tx.Rollback(); err != nil {
			s.logger.Warn("rollback on close failed", "backend", s.backend.Name(), "err", err)
		}
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Transaction is the handle of an open transaction. Rollback after Commit
// returns sql.ErrTxDone, so the usual pattern is:
//
//	tx, err := s.StartTransaction(ctx, sql.LevelRepeatableRead)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
type Transaction struct {
	store   *DocumentStore
	tx      Tx
	level   sql.IsolationLevel
	aborted bool
	done    bool
}

// Level returns the isolation level the transaction was started with.
func (t *Transaction) Level() sql.IsolationLevel {
	return t.level
}

// Commit makes the changes of the transaction visible. If an operation of
// the transaction failed, Commit rolls back and returns
// ErrTransactionAborted.
func (t *Transaction) Commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	s.tx = nil
	if t.aborted {
		if err := t.tx.Rollback(); err != nil {
			s.logger.Warn("rollback failed", "backend", s.backend.Name(), "err", err)
		}
		return ErrTransactionAborted
	}
	if err := t.tx.Commit(); err != nil {
		return classify(nil, err, s.backend.Condition(err))
	}
	return nil
}

// Rollback discards the changes of the transaction.
func (t *Transaction) Rollback() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	s.tx = nil
	return t.tx.Rollback()
}

// UpdateDocument writes a single document and returns its new version.
func UpdateDocument(ctx context.Context, s Store, id uuid.UUID, body []byte, version document.Version) (document.Version, error) {
	versions, err := s.UpdateDocuments(ctx, []document.Document{document.New(id, body, version)}, nil)
	if err != nil {
		return document.Empty, err
	}
	return versions[0], nil
}

// GetDocument returns a single document.
func GetDocument(ctx context.Context, s Store, id uuid.UUID) (document.Document, error) {
	docs, err := s.GetDocuments(ctx, []uuid.UUID{id})
	if err != nil {
		return document.Document{}, err
	}
	return docs[0], nil
}
