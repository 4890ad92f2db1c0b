// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the default Store: a mutex-guarded map plus an
// active-session index by source entity. All returned sessions are
// copies.
type MemoryStore struct {
	mu sync.Mutex

	// sessions holds every known session by id, terminal ones
	// included until the retention sweep removes them.
	sessions map[string]*Session

	// activeByEntity indexes the single non-terminal session per
	// source entity. Maintained under mu by Create and Transition —
	// the uniqueness invariant lives here.
	activeByEntity map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:       make(map[string]*Session),
		activeByEntity: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s: id already exists", sess.ID)
	}
	if _, exists := m.activeByEntity[sess.SourceEntityID]; exists {
		return fmt.Errorf("entity %s: %w", sess.SourceEntityID, ErrActiveExists)
	}

	m.sessions[sess.ID] = sess.Clone()
	m.activeByEntity[sess.SourceEntityID] = sess.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) ActiveBySourceEntity(_ context.Context, entityID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.activeByEntity[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*Session, 0, len(m.activeByEntity))
	for _, id := range m.activeByEntity {
		active = append(active, m.sessions[id].Clone())
	}
	return active, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, completedBy string, at time.Time) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("session %s: %q -> %q: %w", id, from, to, ErrInvalidTransition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
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
		delete(m.activeByEntity, sess.SourceEntityID)
	}
	return nil
}

func (m *MemoryStore) StartAttempt(_ context.Context, id string, attempt int, workingDirectory, branchName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
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
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.LastActivityAt = at
	return nil
}

func (m *MemoryStore) CompletedSince(_ context.Context, entityID string, since time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completed []*Session
	for _, sess := range m.sessions {
		if sess.SourceEntityID != entityID || !sess.Status.Terminal() {
			continue
		}
		if sess.CompletedAt != nil && !sess.CompletedAt.Before(since) {
			completed = append(completed, sess.Clone())
		}
	}
	return completed, nil
}

func (m *MemoryStore) Inactive(_ context.Context, before time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*Session
	for _, id := range m.activeByEntity {
		sess := m.sessions[id]
		if sess.LastActivityAt.Before(before) {
			stale = append(stale, sess.Clone())
		}
	}
	return stale, nil
}

func (m *MemoryStore) Expired(_ context.Context, before time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for _, sess := range m.sessions {
		if !sess.Status.Terminal() {
			continue
		}
		if sess.CompletedAt != nil && sess.CompletedAt.Before(before) {
			expired = append(expired, sess.Clone())
		}
	}
	return expired, nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	// Guard the index: only drop the entity mapping if it points at
	// this session (a newer session may have claimed the entity).
	if m.activeByEntity[sess.SourceEntityID] == id {
		delete(m.activeByEntity, sess.SourceEntityID)
	}
	delete(m.sessions, id)
	return nil
}
