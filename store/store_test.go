package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docstore/document"
	"github.com/stevemurr/docstore/store"
)

// opener returns a fresh, empty database.
type opener func(t *testing.T, opts ...store.Option) *store.Database

// ids[i] is the UUID whose 16 bytes all equal i.
var ids = func() [32]uuid.UUID {
	var out [32]uuid.UUID
	for i := range out {
		for j := range out[i] {
			out[i][j] = byte(i)
		}
	}
	return out
}()

var null []byte

func v(n uint64) document.Version {
	return document.VersionFromCounter(n)
}

func openSQLite(t *testing.T, opts ...store.Option) *store.Database {
	t.Helper()
	db, err := store.New(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openMemory(t *testing.T, opts ...store.Option) *store.Database {
	t.Helper()
	db, err := store.New(context.Background(), "memory", "", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// openPostgres connects to DOCSTORE_POSTGRES_DSN and empties the document
// table.
func openPostgres(t *testing.T, opts ...store.Option) *store.Database {
	t.Helper()
	dsn := os.Getenv("DOCSTORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCSTORE_POSTGRES_DSN not set")
	}
	db, err := store.New(context.Background(), "postgres", dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.DB().Exec("TRUNCATE TABLE document")
	require.NoError(t, err)
	return db
}

func session(t *testing.T, db *store.Database) *store.DocumentStore {
	t.Helper()
	s, err := db.Session(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func update(t *testing.T, s store.Store, id uuid.UUID, body []byte, version document.Version) document.Version {
	t.Helper()
	next, err := store.UpdateDocument(context.Background(), s, id, body, version)
	require.NoError(t, err)
	return next
}

func check(s store.Store, id uuid.UUID, version document.Version) error {
	_, err := s.UpdateDocuments(context.Background(), nil, []document.Document{document.New(id, nil, version)})
	return err
}

func get(t *testing.T, s store.Store, id uuid.UUID) document.Document {
	t.Helper()
	d, err := store.GetDocument(context.Background(), s, id)
	require.NoError(t, err)
	return d
}

func assertDocument(t *testing.T, d document.Document, id uuid.UUID, body []byte, version document.Version) {
	t.Helper()
	assert.Equal(t, id, d.ID)
	if body == nil {
		assert.Nil(t, d.Body)
	} else {
		assert.Equal(t, string(body), string(d.Body))
	}
	assert.Equal(t, version, d.Version)
}

func assertConflict(t *testing.T, err error, id uuid.UUID, version document.Version) *document.ConflictError {
	t.Helper()
	c, ok := document.IsConflict(err)
	require.True(t, ok, "expected a conflict, got %v", err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, version, c.Version)
	return c
}

// runStoreTests runs the single-session suite against a backend.
func runStoreTests(t *testing.T, open opener) {
	t.Helper()
	ctx := context.Background()
	abc := []byte(`{"abc":"def"}`)
	ghi := []byte(`{"ghi":"jkl"}`)

	t.Run("update from empty", func(t *testing.T) {
		for _, to := range [][]byte{abc, null} {
			s := session(t, open(t))
			assert.Equal(t, v(1), update(t, s, ids[0], to, document.Empty))
			assertDocument(t, get(t, s, ids[0]), ids[0], to, v(1))
		}
	})

	t.Run("update value to value", func(t *testing.T) {
		for _, tc := range []struct{ from, to []byte }{{abc, ghi}, {null, ghi}, {abc, null}, {null, null}} {
			s := session(t, open(t))
			update(t, s, ids[0], tc.from, document.Empty)
			assert.Equal(t, v(2), update(t, s, ids[0], tc.to, v(1)))
			assertDocument(t, get(t, s, ids[0]), ids[0], tc.to, v(2))
		}
	})

	t.Run("body is compacted", func(t *testing.T) {
		s := session(t, open(t))
		update(t, s, ids[0], []byte("{ \"a\" : [ 1, 2 ] }"), document.Empty)
		assertDocument(t, get(t, s, ids[0]), ids[0], []byte(`{"a":[1,2]}`), v(1))
	})

	t.Run("check empty", func(t *testing.T) {
		s := session(t, open(t))
		require.NoError(t, check(s, ids[0], document.Empty))
		assertDocument(t, get(t, s, ids[0]), ids[0], null, document.Empty)
	})

	t.Run("check value", func(t *testing.T) {
		for _, from := range [][]byte{abc, null} {
			s := session(t, open(t))
			update(t, s, ids[0], from, document.Empty)
			require.NoError(t, check(s, ids[0], v(1)))
			assertDocument(t, get(t, s, ids[0]), ids[0], from, v(1))
		}
	})

	t.Run("check then update", func(t *testing.T) {
		s := session(t, open(t))
		require.NoError(t, check(s, ids[0], document.Empty))
		update(t, s, ids[0], abc, document.Empty)
		assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
	})

	t.Run("check twice", func(t *testing.T) {
		s := session(t, open(t))
		require.NoError(t, check(s, ids[0], document.Empty))
		require.NoError(t, check(s, ids[0], document.Empty))
		assertDocument(t, get(t, s, ids[0]), ids[0], null, document.Empty)
	})

	for _, checkOnly := range []bool{true, false} {
		name := "update"
		if checkOnly {
			name = "check"
		}
		attempt := func(s store.Store, version document.Version) error {
			if checkOnly {
				return check(s, ids[0], version)
			}
			_, err := store.UpdateDocument(ctx, s, ids[0], ghi, version)
			return err
		}

		t.Run(name+" conflict document does not exist", func(t *testing.T) {
			s := session(t, open(t))
			c := assertConflict(t, attempt(s, v(10)), ids[0], v(10))
			assert.NotErrorIs(t, c, document.ErrContention)
			assertDocument(t, get(t, s, ids[0]), ids[0], null, document.Empty)
		})

		t.Run(name+" conflict wrong version", func(t *testing.T) {
			s := session(t, open(t))
			update(t, s, ids[0], abc, document.Empty)
			assertConflict(t, attempt(s, v(10)), ids[0], v(10))
			assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
		})

		t.Run(name+" conflict document already exists", func(t *testing.T) {
			s := session(t, open(t))
			update(t, s, ids[0], abc, document.Empty)
			assertConflict(t, attempt(s, document.Empty), ids[0], document.Empty)
			assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
		})

		t.Run(name+" multiple documents conflict", func(t *testing.T) {
			s := session(t, open(t))
			update(t, s, ids[0], abc, document.Empty)
			updated := []document.Document{document.New(ids[0], ghi, v(1))}
			other := document.New(ids[1], []byte(`{"mno":"pqr"}`), v(10))
			var err error
			if checkOnly {
				_, err = s.UpdateDocuments(ctx, updated, []document.Document{other})
			} else {
				_, err = s.UpdateDocuments(ctx, append(updated, other), nil)
			}
			assertConflict(t, err, ids[1], v(10))
			assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
			assertDocument(t, get(t, s, ids[1]), ids[1], null, document.Empty)
		})
	}

	t.Run("replay conflicts", func(t *testing.T) {
		s := session(t, open(t))
		first := update(t, s, ids[0], abc, document.Empty)
		assert.False(t, first.IsEmpty())
		_, err := store.UpdateDocument(ctx, s, ids[0], abc, document.Empty)
		assertConflict(t, err, ids[0], document.Empty)
		assertDocument(t, get(t, s, ids[0]), ids[0], abc, first)
	})

	t.Run("multiple documents success", func(t *testing.T) {
		s := session(t, open(t))
		update(t, s, ids[0], []byte(`{}`), document.Empty)
		update(t, s, ids[0], abc, v(1))
		update(t, s, ids[1], ghi, document.Empty)

		versions, err := s.UpdateDocuments(ctx,
			[]document.Document{
				document.New(ids[0], []byte(`{"v":"1"}`), v(2)),
				document.New(ids[2], []byte(`{"v":"2"}`), document.Empty),
			},
			[]document.Document{
				document.New(ids[1], []byte(`{"v":"3"}`), v(1)),
				document.New(ids[3], []byte(`{"v":"4"}`), document.Empty),
			})
		require.NoError(t, err)
		assert.Equal(t, []document.Version{v(3), v(1)}, versions)

		docs, err := s.GetDocuments(ctx, []uuid.UUID{ids[0], ids[1], ids[2], ids[3]})
		require.NoError(t, err)
		assertDocument(t, docs[0], ids[0], []byte(`{"v":"1"}`), v(3))
		assertDocument(t, docs[1], ids[1], ghi, v(1))
		assertDocument(t, docs[2], ids[2], []byte(`{"v":"2"}`), v(1))
		assertDocument(t, docs[3], ids[3], null, document.Empty)
	})

	t.Run("malformed body", func(t *testing.T) {
		s := session(t, open(t))
		_, err := s.UpdateDocuments(ctx, []document.Document{
			document.New(ids[0], abc, document.Empty),
			document.New(ids[1], []byte(`{"abc":}`), document.Empty),
		}, nil)
		assert.ErrorIs(t, err, document.ErrMalformedInput)
		_, ok := document.IsConflict(err)
		assert.False(t, ok)
		assertDocument(t, get(t, s, ids[0]), ids[0], null, document.Empty)
	})

	t.Run("empty batch", func(t *testing.T) {
		s := session(t, open(t))
		versions, err := s.UpdateDocuments(ctx, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("get documents", func(t *testing.T) {
		s := session(t, open(t))
		update(t, s, ids[0], abc, document.Empty)

		docs, err := s.GetDocuments(ctx, []uuid.UUID{ids[0]})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assertDocument(t, docs[0], ids[0], abc, v(1))

		docs, err = s.GetDocuments(ctx, []uuid.UUID{ids[0], ids[2], ids[0], ids[1]})
		require.NoError(t, err)
		require.Len(t, docs, 4)
		assertDocument(t, docs[0], ids[0], abc, v(1))
		assertDocument(t, docs[1], ids[2], null, document.Empty)
		assertDocument(t, docs[2], ids[0], abc, v(1))
		assertDocument(t, docs[3], ids[1], null, document.Empty)

		docs, err = s.GetDocuments(ctx, nil)
		require.NoError(t, err)
		assert.NotNil(t, docs)
		assert.Empty(t, docs)

		unknown := uuid.New()
		docs, err = s.GetDocuments(ctx, []uuid.UUID{unknown})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.True(t, docs[0].Equal(document.Missing(unknown)))
	})

	t.Run("get many documents", func(t *testing.T) {
		s := session(t, open(t))
		update(t, s, ids[0], abc, document.Empty)

		many := make([]uuid.UUID, 40000)
		for i := range many {
			many[i] = uuid.New()
		}
		many[len(many)/2] = ids[0]

		docs, err := s.GetDocuments(ctx, many)
		require.NoError(t, err)
		require.Len(t, docs, len(many))
		assertDocument(t, docs[len(many)/2], ids[0], abc, v(1))
		assertDocument(t, docs[0], many[0], null, document.Empty)
		assertDocument(t, docs[len(many)-1], many[len(many)-1], null, document.Empty)
	})

	t.Run("scenario", func(t *testing.T) {
		s := session(t, open(t))
		a := uuid.New()
		v1 := update(t, s, a, []byte(`{}`), document.Empty)
		v2 := update(t, s, a, []byte(`{"x":1}`), v1)
		assert.NotEqual(t, v1, v2)
		assertDocument(t, get(t, s, a), a, []byte(`{"x":1}`), v2)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		s := session(t, open(t))
		update(t, s, ids[0], abc, document.Empty)

		tx, err := s.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		defer tx.Rollback()
		assert.Equal(t, sql.LevelReadCommitted, tx.Level())

		update(t, s, ids[1], ghi, document.Empty)
		_, err = store.UpdateDocument(ctx, s, ids[0], []byte(`{"mno":"pqr"}`), v(10))
		assertConflict(t, err, ids[0], v(10))

		_, err = s.GetDocuments(ctx, []uuid.UUID{ids[1]})
		assert.ErrorIs(t, err, store.ErrTransactionAborted)
		assert.ErrorIs(t, tx.Commit(), store.ErrTransactionAborted)

		assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
		assertDocument(t, get(t, s, ids[1]), ids[1], null, document.Empty)
	})

	t.Run("transaction commit", func(t *testing.T) {
		s := session(t, open(t))
		tx, err := s.StartTransaction(ctx, sql.LevelSerializable)
		require.NoError(t, err)
		update(t, s, ids[0], abc, document.Empty)
		update(t, s, ids[0], ghi, v(1))
		assertDocument(t, get(t, s, ids[0]), ids[0], ghi, v(2))
		require.NoError(t, tx.Commit())
		assert.ErrorIs(t, tx.Rollback(), sql.ErrTxDone)
		assert.ErrorIs(t, tx.Commit(), sql.ErrTxDone)
		assertDocument(t, get(t, s, ids[0]), ids[0], ghi, v(2))
	})

	t.Run("explicit rollback", func(t *testing.T) {
		s := session(t, open(t))
		tx, err := s.StartTransaction(ctx, sql.LevelRepeatableRead)
		require.NoError(t, err)
		update(t, s, ids[0], abc, document.Empty)
		require.NoError(t, tx.Rollback())
		assertDocument(t, get(t, s, ids[0]), ids[0], null, document.Empty)
	})

	t.Run("nested transaction", func(t *testing.T) {
		s := session(t, open(t))
		tx, err := s.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		defer tx.Rollback()
		_, err = s.StartTransaction(ctx, sql.LevelReadCommitted)
		assert.ErrorIs(t, err, store.ErrTransactionInProgress)
	})

	t.Run("unsupported isolation", func(t *testing.T) {
		s := session(t, open(t))
		_, err := s.StartTransaction(ctx, sql.LevelLinearizable)
		assert.ErrorIs(t, err, store.ErrUnsupportedIsolation)
		// The session is still usable.
		update(t, s, ids[0], abc, document.Empty)
	})

	t.Run("with transaction", func(t *testing.T) {
		s := session(t, open(t))
		err := s.WithTransaction(ctx, sql.LevelDefault, func(ctx context.Context) error {
			_, err := store.UpdateDocument(ctx, s, ids[0], abc, document.Empty)
			return err
		})
		require.NoError(t, err)
		assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))

		boom := errors.New("boom")
		err = s.WithTransaction(ctx, sql.LevelDefault, func(ctx context.Context) error {
			if _, err := store.UpdateDocument(ctx, s, ids[0], ghi, v(1)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))

		assert.Panics(t, func() {
			_ = s.WithTransaction(ctx, sql.LevelDefault, func(ctx context.Context) error {
				store.UpdateDocument(ctx, s, ids[0], ghi, v(1))
				panic("boom")
			})
		})
		assertDocument(t, get(t, s, ids[0]), ids[0], abc, v(1))
	})

	t.Run("close rolls back", func(t *testing.T) {
		db := open(t)
		s, err := db.Session(ctx)
		require.NoError(t, err)
		_, err = s.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		update(t, s, ids[0], abc, document.Empty)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err = s.GetDocuments(ctx, []uuid.UUID{ids[0]})
		assert.ErrorIs(t, err, store.ErrClosed)

		assertDocument(t, get(t, session(t, db), ids[0]), ids[0], null, document.Empty)
	})
}

// runConcurrencyTests runs the multi-session suite against a backend.
func runConcurrencyTests(t *testing.T, open opener) {
	t.Helper()
	ctx := context.Background()
	abc := []byte(`{"abc":"def"}`)
	ghi := []byte(`{"ghi":"jkl"}`)

	type result struct {
		version document.Version
		err     error
	}
	updateAsync := func(s store.Store, body []byte, version document.Version) <-chan result {
		done := make(chan result, 1)
		go func() {
			next, err := store.UpdateDocument(ctx, s, ids[0], body, version)
			done <- result{next, err}
		}()
		return done
	}
	wait := func(t *testing.T, done <-chan result) result {
		t.Helper()
		select {
		case r := <-done:
			return r
		case <-time.After(10 * time.Second):
			t.Fatal("update did not complete")
			return result{}
		}
	}
	assertBlocked := func(t *testing.T, done <-chan result) {
		t.Helper()
		select {
		case r := <-done:
			t.Fatalf("update did not wait for the lock: %v", r.err)
		case <-time.After(200 * time.Millisecond):
		}
	}

	t.Run("writer waits for commit", func(t *testing.T) {
		db := open(t)
		s1, s2 := session(t, db), session(t, db)
		update(t, s1, ids[0], abc, document.Empty)

		tx, err := s1.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		update(t, s1, ids[0], ghi, v(1))

		done := updateAsync(s2, []byte(`{"mno":"pqr"}`), v(1))
		assertBlocked(t, done)
		require.NoError(t, tx.Commit())

		r := wait(t, done)
		assertConflict(t, r.err, ids[0], v(1))
		assertDocument(t, get(t, s2, ids[0]), ids[0], ghi, v(2))
	})

	t.Run("writer waits for rollback", func(t *testing.T) {
		db := open(t)
		s1, s2 := session(t, db), session(t, db)
		update(t, s1, ids[0], abc, document.Empty)

		tx, err := s1.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		update(t, s1, ids[0], ghi, v(1))

		done := updateAsync(s2, []byte(`{"mno":"pqr"}`), v(1))
		assertBlocked(t, done)
		require.NoError(t, tx.Rollback())

		r := wait(t, done)
		require.NoError(t, r.err)
		assert.Equal(t, v(2), r.version)
		assertDocument(t, get(t, s1, ids[0]), ids[0], []byte(`{"mno":"pqr"}`), v(2))
	})

	t.Run("lock timeout", func(t *testing.T) {
		db := open(t, store.WithLockTimeout(100*time.Millisecond))
		s1, s2 := session(t, db), session(t, db)
		update(t, s1, ids[0], abc, document.Empty)

		tx, err := s1.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		defer tx.Rollback()
		update(t, s1, ids[0], ghi, v(1))

		_, err = store.UpdateDocument(ctx, s2, ids[0], []byte(`{"mno":"pqr"}`), v(1))
		assert.ErrorIs(t, err, document.ErrLockTimeout)
		_, ok := document.IsConflict(err)
		assert.False(t, ok)
	})

	t.Run("shared checks do not block", func(t *testing.T) {
		db := open(t, store.WithLockTimeout(100*time.Millisecond))
		s1, s2 := session(t, db), session(t, db)
		update(t, s1, ids[0], abc, document.Empty)

		tx1, err := s1.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		defer tx1.Rollback()
		tx2, err := s2.StartTransaction(ctx, sql.LevelReadCommitted)
		require.NoError(t, err)
		defer tx2.Rollback()

		require.NoError(t, check(s1, ids[0], v(1)))
		require.NoError(t, check(s2, ids[0], v(1)))
		require.NoError(t, tx1.Commit())
		require.NoError(t, tx2.Commit())
	})

	for _, insert := range []bool{false, true} {
		name := "stale snapshot on update"
		if insert {
			name = "stale snapshot on insert"
		}
		t.Run(name, func(t *testing.T) {
			db := open(t)
			s1, s2 := session(t, db), session(t, db)
			initial := document.Empty
			if !insert {
				initial = update(t, s1, ids[0], abc, document.Empty)
			}

			tx, err := s1.StartTransaction(ctx, sql.LevelRepeatableRead)
			require.NoError(t, err)
			defer tx.Rollback()
			// Start the snapshot of the first session.
			assert.Equal(t, initial, get(t, s1, ids[0]).Version)

			updated := update(t, s2, ids[0], ghi, initial)

			// The first session still sees the old version.
			assert.Equal(t, initial, get(t, s1, ids[0]).Version)
			_, err = s1.UpdateDocuments(ctx,
				[]document.Document{document.New(ids[0], []byte(`{"mno":"pqr"}`), initial)},
				nil)
			c := assertConflict(t, err, ids[0], initial)
			assert.ErrorIs(t, c, document.ErrContention)
			require.NoError(t, tx.Rollback())

			assertDocument(t, get(t, s1, ids[0]), ids[0], ghi, updated)
		})
	}
}

func TestSqliteStore(t *testing.T) {
	runStoreTests(t, openSQLite)
	runConcurrencyTests(t, openSQLite)
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, openMemory)
}

func TestPostgresStore(t *testing.T) {
	runStoreTests(t, openPostgres)
	runConcurrencyTests(t, openPostgres)
}

func TestVersionSchemes(t *testing.T) {
	ctx := context.Background()
	for name, gen := range map[string]document.Generator{
		"random": document.RandomGenerator{},
		"hash":   document.HashGenerator{},
	} {
		t.Run(name, func(t *testing.T) {
			s := session(t, openSQLite(t, store.WithGenerator(gen)))
			a, b := uuid.New(), uuid.New()

			versions, err := s.UpdateDocuments(ctx, []document.Document{
				document.New(a, []byte(`{}`), document.Empty),
				document.New(b, []byte(`{}`), document.Empty),
			}, nil)
			require.NoError(t, err)
			require.Len(t, versions, 2)
			assert.Equal(t, versions[0], versions[1])
			assert.False(t, versions[0].IsEmpty())

			next := update(t, s, a, []byte(`{}`), versions[0])
			assert.NotEqual(t, versions[0], next)
			assertDocument(t, get(t, s, a), a, []byte(`{}`), next)
			assertDocument(t, get(t, s, b), b, []byte(`{}`), versions[0])

			_, err = store.UpdateDocument(ctx, s, a, []byte(`{}`), versions[0])
			assertConflict(t, err, a, versions[0])
		})
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{"sqlite", "memory", ""} {
		t.Run(backend, func(t *testing.T) {
			db, err := store.New(ctx, backend, filepath.Join(dir, backend, "docstore.db"))
			require.NoError(t, err)
			defer db.Close()
			assert.Equal(t, "sqlite", db.Backend().Name())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := store.New(ctx, "redis", dir)
		assert.ErrorIs(t, err, store.ErrUnknownBackend)
	})

	t.Run("reopen keeps documents", func(t *testing.T) {
		path := filepath.Join(dir, "reopen", "docstore.db")
		db, err := store.New(ctx, "sqlite", path)
		require.NoError(t, err)
		s, err := db.Session(ctx)
		require.NoError(t, err)
		update(t, s, ids[0], []byte(`{}`), document.Empty)
		require.NoError(t, s.Close())
		require.NoError(t, db.Close())

		db, err = store.New(ctx, "sqlite", path)
		require.NoError(t, err)
		defer db.Close()
		assertDocument(t, get(t, session(t, db), ids[0]), ids[0], []byte(`{}`), v(1))
	})

	t.Run("reopen keeps version scheme", func(t *testing.T) {
		path := filepath.Join(dir, "scheme", "docstore.db")
		db, err := store.New(ctx, "sqlite", path)
		require.NoError(t, err)
		s, err := db.Session(ctx)
		require.NoError(t, err)
		first := update(t, s, ids[0], []byte(`1`), document.Empty)
		require.NoError(t, s.Close())
		require.NoError(t, db.Close())

		for _, gen := range []document.Generator{document.RandomGenerator{}, document.HashGenerator{}} {
			_, err = store.New(ctx, "sqlite", path, store.WithGenerator(gen))
			assert.ErrorIs(t, err, store.ErrSchemeMismatch, gen.Scheme())
		}

		// Still counting, so a stale v1 cannot come back.
		db, err = store.New(ctx, "sqlite", path, store.WithGenerator(document.CounterGenerator{}))
		require.NoError(t, err)
		defer db.Close()
		s = session(t, db)
		second := update(t, s, ids[0], []byte(`2`), first)
		assert.Equal(t, v(2), second)
		_, err = s.UpdateDocuments(ctx, []document.Document{document.New(ids[0], []byte(`3`), first)}, nil)
		assertConflict(t, err, ids[0], first)
	})

	t.Run("new database takes configured scheme", func(t *testing.T) {
		path := filepath.Join(dir, "random", "docstore.db")
		db, err := store.New(ctx, "sqlite", path, store.WithGenerator(document.RandomGenerator{}))
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = store.New(ctx, "sqlite", path)
		assert.ErrorIs(t, err, store.ErrSchemeMismatch)
		db, err = store.New(ctx, "sqlite", path, store.WithGenerator(document.RandomGenerator{}))
		require.NoError(t, err)
		require.NoError(t, db.Close())
	})
}
