// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"

	"github.com/warden-project/warden/session"
)

// reap periodically reclaims stale non-terminal sessions and removes
// terminal sessions past the retention window, workspaces included.
func (o *Orchestrator) reap(ctx context.Context) {
	ticker := o.clock.NewTicker(o.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep runs one reaper pass.
func (o *Orchestrator) sweep(ctx context.Context) {
	now := o.clock.Now()

	stale, err := o.store.Inactive(ctx, now.Add(-o.config.InactivityTimeout))
	if err != nil {
		o.logger.Error("listing inactive sessions", "error", err)
	}
	for _, sess := range stale {
		o.reclaim(ctx, sess)
	}

	expired, err := o.store.Expired(ctx, now.Add(-o.config.Retention))
	if err != nil {
		o.logger.Error("listing expired sessions", "error", err)
	}
	for _, sess := range expired {
		o.expire(ctx, sess)
	}
}

// reclaim forces a stale session to a terminal status. A session
// with a live run loop is cancelled through its context; an orphan
// (left Running by a crash or restart) is reconciled directly.
func (o *Orchestrator) reclaim(ctx context.Context, sess *session.Session) {
	o.mu.Lock()
	cancel, running := o.cancels[sess.ID]
	o.mu.Unlock()
	if running {
		// The run loop will reconcile and notify.
		o.logger.Warn("cancelling stale session with live run loop",
			"session_id", sess.ID,
			"last_activity_at", sess.LastActivityAt,
		)
		cancel()
		return
	}

	var terminal session.Status
	var message string
	switch sess.Status {
	case session.StatusCreated:
		terminal = session.StatusCancelled
		message = "session cancelled: queued past the inactivity deadline"
	case session.StatusRunning:
		terminal = session.StatusFailed
		message = "Timeout: session reclaimed after exceeding the inactivity deadline"
	default:
		return
	}

	if err := o.store.Transition(ctx, sess.ID, sess.Status, terminal, "reaper", o.clock.Now()); err != nil {
		// Lost the race against a concurrent transition; whoever won
		// owns the notification.
		o.logger.Info("stale session already reconciled", "session_id", sess.ID, "error", err)
		return
	}
	o.logger.Warn("stale session reclaimed",
		"session_id", sess.ID,
		"status", terminal,
		"last_activity_at", sess.LastActivityAt,
	)
	o.notify(Notification{
		SessionID:      sess.ID,
		SourceEntityID: sess.SourceEntityID,
		Status:         terminal,
		Attempt:        sess.Attempt,
		Message:        message,
	})
}

// expire removes a terminal session past retention: workspace first,
// then the record. The isolator validates the session id before any
// filesystem removal.
func (o *Orchestrator) expire(ctx context.Context, sess *session.Session) {
	if sess.WorkingDirectory != "" && !o.isolator.Contains(sess.WorkingDirectory) {
		// Keep the record too: a session pointing outside the root
		// is a defect worth seeing, not sweeping.
		o.logger.Error("expired session records a directory outside the workspace root, not removing it",
			"session_id", sess.ID,
			"working_directory", sess.WorkingDirectory,
		)
		return
	}
	if err := o.isolator.Release(sess.ID); err != nil {
		o.logger.Error("releasing expired workspace", "session_id", sess.ID, "error", err)
		return
	}
	if err := o.store.Remove(ctx, sess.ID); err != nil {
		o.logger.Error("removing expired session", "session_id", sess.ID, "error", err)
		return
	}
	o.logger.Debug("expired session removed", "session_id", sess.ID)
}
