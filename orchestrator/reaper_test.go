// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/warden-project/warden/session"
	"github.com/warden-project/warden/supervisor"
)

// seedSession plants a session record directly in the store, the way
// a crashed or restarted process would leave one behind.
func (f *fixture) seedSession(t *testing.T, entityID string, status session.Status, lastActivity time.Time) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess := &session.Session{
		ID:             session.NewID(),
		SourceEntityID: entityID,
		Status:         session.StatusCreated,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
		Metadata:       session.Metadata{CreatedBy: "alice", OrganizationID: "acme"},
	}
	if err := f.store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status == session.StatusRunning || status.Terminal() {
		if status != session.StatusCancelled {
			if err := f.store.Transition(ctx, sess.ID, session.StatusCreated, session.StatusRunning, "", lastActivity); err != nil {
				t.Fatalf("Transition to running: %v", err)
			}
		}
	}
	if status.Terminal() {
		from := session.StatusRunning
		if status == session.StatusCancelled {
			from = session.StatusCreated
		}
		if err := f.store.Transition(ctx, sess.ID, from, status, testAgent, lastActivity); err != nil {
			t.Fatalf("Transition to %s: %v", status, err)
		}
	}
	return f.getSession(t, sess.ID)
}

func TestSweepReclaimsStaleRunningSession(t *testing.T) {
	runner := &scriptedRunner{outcomes: []supervisor.Outcome{{Status: supervisor.OutcomeSucceeded}}}
	f := newFixture(t, Config{InactivityTimeout: 30 * time.Minute}, runner)

	stale := f.seedSession(t, "acme/repo/issues/3", session.StatusRunning, f.clock.Now())
	fresh := f.seedSession(t, "acme/repo/issues/4", session.StatusRunning, f.clock.Now().Add(45*time.Minute))

	f.clock.Advance(time.Hour)
	f.orchestrator.sweep(context.Background())

	notification := f.reporter.wait(t)
	if notification.SessionID != stale.ID {
		t.Fatalf("reaped %q, want %q", notification.SessionID, stale.ID)
	}
	if notification.Status != session.StatusFailed {
		t.Errorf("status = %q, want failed", notification.Status)
	}
	if !strings.Contains(notification.Message, "Timeout") {
		t.Errorf("message %q does not mention Timeout", notification.Message)
	}

	reclaimed := f.getSession(t, stale.ID)
	if reclaimed.Status != session.StatusFailed {
		t.Errorf("stale session status = %q, want failed", reclaimed.Status)
	}
	if reclaimed.CompletedBy != "reaper" {
		t.Errorf("completed by = %q, want reaper", reclaimed.CompletedBy)
	}
	if got := f.getSession(t, fresh.ID).Status; got != session.StatusRunning {
		t.Errorf("fresh session status = %q, want running", got)
	}
}

func TestSweepCancelsStaleCreatedSession(t *testing.T) {
	runner := &scriptedRunner{outcomes: []supervisor.Outcome{{Status: supervisor.OutcomeSucceeded}}}
	f := newFixture(t, Config{InactivityTimeout: 30 * time.Minute}, runner)

	stale := f.seedSession(t, "acme/repo/issues/8", session.StatusCreated, f.clock.Now())
	f.clock.Advance(time.Hour)
	f.orchestrator.sweep(context.Background())

	if got := f.getSession(t, stale.ID).Status; got != session.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}
}

func TestSweepRemovesExpiredSessionsAndWorkspaces(t *testing.T) {
	runner := &scriptedRunner{outcomes: []supervisor.Outcome{{Status: supervisor.OutcomeSucceeded}}}
	f := newFixture(t, Config{Retention: 24 * time.Hour}, runner)

	expired := f.seedSession(t, "acme/repo/issues/20", session.StatusCompleted, f.clock.Now())
	directory := filepath.Join(f.root, expired.ID, "attempt-1")
	if err := os.MkdirAll(directory, 0o700); err != nil {
		t.Fatal(err)
	}
	recent := f.seedSession(t, "acme/repo/issues/21", session.StatusCompleted, f.clock.Now().Add(36*time.Hour))

	f.clock.Advance(48 * time.Hour)
	f.orchestrator.sweep(context.Background())

	if _, err := f.store.Get(context.Background(), expired.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expired session still stored: %v", err)
	}
	if _, err := os.Stat(directory); !os.IsNotExist(err) {
		t.Errorf("expired workspace still on disk: %v", err)
	}
	if _, err := f.store.Get(context.Background(), recent.ID); err != nil {
		t.Errorf("recent terminal session removed: %v", err)
	}
}

func TestSweepLeavesForeignDirectoriesAlone(t *testing.T) {
	runner := &scriptedRunner{outcomes: []supervisor.Outcome{{Status: supervisor.OutcomeSucceeded}}}
	f := newFixture(t, Config{Retention: 24 * time.Hour}, runner)

	outside := t.TempDir()
	foreign := filepath.Join(outside, "precious")
	if err := os.MkdirAll(foreign, 0o700); err != nil {
		t.Fatal(err)
	}

	// A corrupted record pointing outside the workspace root.
	ctx := context.Background()
	now := f.clock.Now()
	sess := &session.Session{
		ID:             session.NewID(),
		SourceEntityID: "acme/repo/issues/30",
		Status:         session.StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := f.store.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Transition(ctx, sess.ID, session.StatusCreated, session.StatusRunning, "", now); err != nil {
		t.Fatal(err)
	}
	if err := f.store.StartAttempt(ctx, sess.ID, 1, foreign, "warden-task", now); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Transition(ctx, sess.ID, session.StatusRunning, session.StatusCompleted, testAgent, now); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(48 * time.Hour)
	f.orchestrator.sweep(ctx)

	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("foreign directory touched: %v", err)
	}
	// The record stays so the defect is visible, not silently
	// swept away with its directory.
	if _, err := f.store.Get(ctx, sess.ID); err != nil {
		t.Errorf("corrupted-record session removed: %v", err)
	}
}
