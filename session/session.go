// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package session defines the session record, its status state
// machine, and the Store contract the orchestrator drives sessions
// through. A session is one managed execution attempt tied to a
// source issue, with its own isolated workspace and branch.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a session's position in the lifecycle state machine.
//
//	Created -> Running -> {Completed, Failed, Cancelled}
//	Created -> Cancelled
//
// Terminal statuses are final; no transition leaves them.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving
// from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// SecurityContext is the resource envelope attached to a session at
// creation. Immutable thereafter; owned exclusively by the session
// that references it.
type SecurityContext struct {
	// AllowedPaths are the only filesystem roots the execution
	// backend may touch beyond the working directory.
	AllowedPaths []string `cbor:"allowed_paths,omitempty"`

	// MaxMemoryMB caps the execution backend's resident memory.
	// Zero means no ceiling.
	MaxMemoryMB int `cbor:"max_memory_mb"`

	// MaxExecutionTime bounds a single execution attempt.
	MaxExecutionTime time.Duration `cbor:"max_execution_time"`

	// IsolatedEnvironment requests a cleared environment with only
	// the configured allow-list injected.
	IsolatedEnvironment bool `cbor:"isolated_environment"`
}

// Metadata carries the provenance of a session.
type Metadata struct {
	// CreatedBy is the actor whose event triggered the session.
	CreatedBy string `cbor:"created_by"`

	OrganizationID string   `cbor:"organization_id"`
	ScopePaths     []string `cbor:"scope_paths,omitempty"`

	// TriggerKind names what kind of event started the session
	// (issue, comment).
	TriggerKind string `cbor:"trigger_kind"`
}

// Session is one managed execution attempt for a source issue.
//
// Mutations flow exclusively through a Store: status moves by
// compare-and-set Transition calls, the retry path re-arms attempts
// through StartAttempt, and everything else is immutable after
// Create. Callers always receive copies — mutating a returned
// Session affects nothing.
type Session struct {
	// ID is opaque and unguessable (UUIDv4). It is embedded in
	// workspace paths, so the isolator additionally validates it
	// before any filesystem use.
	ID string `cbor:"id"`

	// SourceEntityID is the issue this session works on. At most one
	// non-terminal session may exist per source entity; the Store
	// enforces this at creation.
	SourceEntityID string `cbor:"source_entity_id"`

	Status           Status `cbor:"status"`
	WorkingDirectory string `cbor:"working_directory"`
	BranchName       string `cbor:"branch_name"`

	// Attempt counts armed execution attempts. Zero until
	// StartAttempt arms the first; the retry path increments it
	// strictly and it never exceeds the configured ceiling.
	Attempt int `cbor:"attempt"`

	CreatedAt      time.Time  `cbor:"created_at"`
	StartedAt      *time.Time `cbor:"started_at,omitempty"`
	CompletedAt    *time.Time `cbor:"completed_at,omitempty"`
	LastActivityAt time.Time  `cbor:"last_activity_at"`

	// CompletedBy records the identity that finished the session
	// (the agent identity, or "reaper" for stale reclamation). The
	// guard's recent-self-causation check correlates new events
	// against it.
	CompletedBy string `cbor:"completed_by,omitempty"`

	Security SecurityContext `cbor:"security"`
	Metadata Metadata        `cbor:"metadata"`
}

// NewID returns a fresh opaque session id.
func NewID() string { return uuid.NewString() }

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	copied := *s
	if s.StartedAt != nil {
		startedAt := *s.StartedAt
		copied.StartedAt = &startedAt
	}
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		copied.CompletedAt = &completedAt
	}
	copied.Security.AllowedPaths = append([]string(nil), s.Security.AllowedPaths...)
	copied.Metadata.ScopePaths = append([]string(nil), s.Metadata.ScopePaths...)
	return &copied
}

// Validate checks the invariants a session must satisfy before it
// enters a Store.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session: id is required")
	}
	if s.SourceEntityID == "" {
		return fmt.Errorf("session %s: source entity id is required", s.ID)
	}
	if s.Status != StatusCreated {
		return fmt.Errorf("session %s: new sessions must be %q, got %q", s.ID, StatusCreated, s.Status)
	}
	if s.Attempt != 0 {
		return fmt.Errorf("session %s: attempt must be 0 before the first attempt is armed, got %d", s.ID, s.Attempt)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("session %s: creation time is required", s.ID)
	}
	return nil
}
