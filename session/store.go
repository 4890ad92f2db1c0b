// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session matches the query.
var ErrNotFound = errors.New("session: not found")

// ErrConflict is returned by Transition when the session's current
// status does not match the expected status. Exactly one of two
// concurrent transition attempts observes it — the compare-and-set
// discipline that prevents double starts under duplicate delivery.
var ErrConflict = errors.New("session: status conflict")

// ErrActiveExists is returned by Create when a non-terminal session
// already exists for the same source entity.
var ErrActiveExists = errors.New("session: active session exists for source entity")

// ErrInvalidTransition is returned by Transition when the state
// machine forbids the requested move regardless of timing.
var ErrInvalidTransition = errors.New("session: invalid status transition")

// Store is the single owner of session records. All status mutation
// goes through Transition's compare-and-set; no caller holds a
// mutable reference into the store.
//
// The in-memory implementation is the default; the SQLite-backed one
// provides the same contract across process restarts.
type Store interface {
	// Create registers a new session in StatusCreated. Fails with
	// ErrActiveExists if a non-terminal session exists for the same
	// source entity — the uniqueness invariant is enforced here, under
	// the store's lock, not by callers.
	Create(ctx context.Context, sess *Session) error

	// Get returns a copy of the session with the given id, or
	// ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// ActiveBySourceEntity returns the non-terminal session for the
	// entity, or ErrNotFound.
	ActiveBySourceEntity(ctx context.Context, entityID string) (*Session, error)

	// ListActive returns copies of all non-terminal sessions.
	ListActive(ctx context.Context) ([]*Session, error)

	// Transition moves the session from one status to another by
	// compare-and-set. Returns ErrConflict when the current status is
	// not from, ErrInvalidTransition when the state machine forbids
	// from -> to. Stamps StartedAt on entry to Running, CompletedAt
	// and CompletedBy on entry to a terminal status, and refreshes
	// LastActivityAt on every successful call.
	Transition(ctx context.Context, id string, from, to Status, completedBy string, at time.Time) error

	// StartAttempt re-arms a session for a retry: increments the
	// attempt counter to attempt, records the fresh workspace, and
	// moves Running -> Running mutation-free of the state machine
	// (the session never left Running between attempts). Fails if
	// attempt is not exactly the current attempt + 1.
	StartAttempt(ctx context.Context, id string, attempt int, workingDirectory, branchName string, at time.Time) error

	// Touch refreshes LastActivityAt, signalling the session is
	// still making progress. The stale sweep treats sessions whose
	// LastActivityAt is too old as abandoned.
	Touch(ctx context.Context, id string, at time.Time) error

	// CompletedSince returns copies of sessions for the entity that
	// reached a terminal status at or after the given time. Feeds the
	// guard's recent-self-causation check.
	CompletedSince(ctx context.Context, entityID string, since time.Time) ([]*Session, error)

	// Inactive returns copies of non-terminal sessions whose
	// LastActivityAt is before the cutoff.
	Inactive(ctx context.Context, before time.Time) ([]*Session, error)

	// Expired returns copies of terminal sessions whose completion
	// time is before the cutoff — candidates for removal after the
	// retention window.
	Expired(ctx context.Context, before time.Time) ([]*Session, error)

	// Remove deletes a session record. Removing an unknown id is not
	// an error; the retention sweep may race a concurrent removal.
	Remove(ctx context.Context, id string) error
}
