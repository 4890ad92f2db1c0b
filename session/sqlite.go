// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-project/warden/lib/codec"
	"github.com/warden-project/warden/lib/sqlitepool"
)

// SQLiteStore is the durable Store implementation. The full session
// record is a deterministic CBOR blob; the columns mirror only the
// fields queries filter on. A partial unique index on
// source_entity_id over non-terminal rows enforces the one-active-
// session-per-entity invariant inside the database, so it holds even
// across multiple processes sharing the file.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// Schema creates the sessions table and its indexes. Passed to
// sqlitepool as the OnConnect hook.
func Schema(conn *sqlite.Conn) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	source_entity_id TEXT NOT NULL,
	status           TEXT NOT NULL,
	completed_at     INTEGER,
	last_activity_at INTEGER NOT NULL,
	record           BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_entity
	ON sessions(source_entity_id)
	WHERE status IN ('created', 'running');
CREATE INDEX IF NOT EXISTS sessions_entity_completed
	ON sessions(source_entity_id, completed_at);
`
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("session: creating schema: %w", err)
	}
	return nil
}

// NewSQLiteStore wraps a pool whose connections have had Schema
// applied. Panics if pool is nil.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	if pool == nil {
		panic("session.SQLiteStore: pool is required")
	}
	return &SQLiteStore{pool: pool}
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	record, err := codec.Marshal(sess)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (id, source_entity_id, status, completed_at, last_activity_at, record)
		VALUES (?, ?, ?, NULL, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sess.ID, sess.SourceEntityID, string(sess.Status), sess.LastActivityAt.UnixNano(), record},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return fmt.Errorf("entity %s: %w", sess.SourceEntityID, ErrActiveExists)
		}
		return fmt.Errorf("session %s: insert: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return getByID(conn, id)
}

func (s *SQLiteStore) ActiveBySourceEntity(ctx context.Context, entityID string) (*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	sessions, err := queryRecords(conn, `
		SELECT record FROM sessions
		WHERE source_entity_id = ? AND status IN ('created', 'running')`,
		entityID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return sessions[0], nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return queryRecords(conn, `
		SELECT record FROM sessions WHERE status IN ('created', 'running')`)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to Status, completedBy string, at time.Time) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("session %s: %q -> %q: %w", id, from, to, ErrInvalidTransition)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return s.mutate(conn, id, func(sess *Session) error {
		if sess.Status != from {
			return fmt.Errorf("session %s: status is %q, expected %q: %w", id, sess.Status, from, ErrConflict)
		}
		sess.Status = to
		sess.LastActivityAt = at
		if to == StatusRunning && sess.StartedAt == nil {
			startedAt := at
			sess.StartedAt = &startedAt
		}
		if to.Terminal() {
			completedAt := at
			sess.CompletedAt = &completedAt
			sess.CompletedBy = completedBy
		}
		return nil
	})
}

func (s *SQLiteStore) StartAttempt(ctx context.Context, id string, attempt int, workingDirectory, branchName string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return s.mutate(conn, id, func(sess *Session) error {
		if sess.Status != StatusRunning {
			return fmt.Errorf("session %s: status is %q, expected %q: %w", id, sess.Status, StatusRunning, ErrConflict)
		}
		if attempt != sess.Attempt+1 {
			return fmt.Errorf("session %s: attempt %d does not follow %d", id, attempt, sess.Attempt)
		}
		sess.Attempt = attempt
		sess.WorkingDirectory = workingDirectory
		sess.BranchName = branchName
		sess.LastActivityAt = at
		return nil
	})
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return s.mutate(conn, id, func(sess *Session) error {
		sess.LastActivityAt = at
		return nil
	})
}

func (s *SQLiteStore) CompletedSince(ctx context.Context, entityID string, since time.Time) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return queryRecords(conn, `
		SELECT record FROM sessions
		WHERE source_entity_id = ?
		  AND status IN ('completed', 'failed', 'cancelled')
		  AND completed_at >= ?`,
		entityID, since.UnixNano())
}

func (s *SQLiteStore) Inactive(ctx context.Context, before time.Time) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return queryRecords(conn, `
		SELECT record FROM sessions
		WHERE status IN ('created', 'running') AND last_activity_at < ?`,
		before.UnixNano())
}

func (s *SQLiteStore) Expired(ctx context.Context, before time.Time) ([]*Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return queryRecords(conn, `
		SELECT record FROM sessions
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`,
		before.UnixNano())
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("session %s: delete: %w", id, err)
	}
	return nil
}

// mutate runs a read-modify-write on one session inside a savepoint.
// The savepoint plus SQLite's write serialization make the
// compare-and-set in the mutation callbacks atomic.
func (s *SQLiteStore) mutate(conn *sqlite.Conn, id string, mutation func(*Session) error) (err error) {
	defer sqlitex.Save(conn)(&err)

	sess, err := getByID(conn, id)
	if err != nil {
		return err
	}
	if err := mutation(sess); err != nil {
		return err
	}

	record, err := codec.Marshal(sess)
	if err != nil {
		return err
	}

	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UnixNano()
	}

	err = sqlitex.Execute(conn, `
		UPDATE sessions
		SET status = ?, completed_at = ?, last_activity_at = ?, record = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sess.Status), completedAt, sess.LastActivityAt.UnixNano(), record, id},
		})
	if err != nil {
		return fmt.Errorf("session %s: update: %w", id, err)
	}
	return nil
}

func getByID(conn *sqlite.Conn, id string) (*Session, error) {
	sessions, err := queryRecords(conn, `SELECT record FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessions[0], nil
}

// queryRecords runs a query whose single result column is a session
// record blob and decodes every row.
func queryRecords(conn *sqlite.Conn, query string, args ...any) ([]*Session, error) {
	var sessions []*Session
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, record)
			var sess Session
			if err := codec.Unmarshal(record, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: query: %w", err)
	}
	return sessions, nil
}
