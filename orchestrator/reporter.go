// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"log/slog"

	"github.com/warden-project/warden/session"
)

// Notification is the outward-facing summary of a session reaching a
// terminal status. It names entities abstractly; rendering it as an
// issue comment or chat message is the Reporter's business.
type Notification struct {
	SessionID      string
	SourceEntityID string
	Status         session.Status
	Attempt        int

	// Message is a single human-readable line. Stale-session and
	// execution-time failures contain the word "Timeout".
	Message string

	// ChangedFiles lists workspace-relative paths the execution
	// produced, when any.
	ChangedFiles []string
}

// Reporter delivers notifications. Implementations must not block
// orchestration: a slow or failing reporting channel never stalls a
// session, so Notify is called best-effort and its error is logged,
// not propagated.
type Reporter interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogReporter writes notifications to the structured log. It is the
// default when no external reporting channel is configured.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter. Panics on nil logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		panic("orchestrator: logger is required")
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Notify(_ context.Context, notification Notification) error {
	r.logger.Info("session notification",
		"session_id", notification.SessionID,
		"source_entity_id", notification.SourceEntityID,
		"status", notification.Status,
		"attempt", notification.Attempt,
		"message", notification.Message,
		"changed_files", len(notification.ChangedFiles),
	)
	return nil
}
