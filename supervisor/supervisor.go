// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor launches and monitors the external execution
// backend for a session. The backend itself is a capability
// interface — a CLI subprocess, a remote call, a container — and the
// supervisor wraps whichever implementation it is given with the
// enforcement the orchestrator relies on: the execution-time
// ceiling, the memory ceiling, bounded output capture, and
// changed-file detection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/warden-project/warden/session"
)

// OutcomeStatus is the supervisor's verdict on one attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// FailureKind classifies failed attempts for the retry policy. All
// three kinds are retryable up to the attempt ceiling.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureTimeout          FailureKind = "timeout"
	FailureResourceExceeded FailureKind = "resource_exceeded"
	FailureCrashed          FailureKind = "crashed"
)

// Outcome is the reconciled result of one execution attempt.
type Outcome struct {
	Status      OutcomeStatus
	FailureKind FailureKind

	// Message is a single human-readable line describing the result.
	// Timeout failures always contain the word "Timeout".
	Message string

	// ChangedFiles are workspace-relative paths created or modified
	// during the attempt.
	ChangedFiles []string

	// Output is the captured backend output, truncated at the
	// configured ceiling. OutputTruncated reports whether anything
	// was dropped.
	Output          string
	OutputTruncated bool

	// OutputArchivePath points at the zstd archive holding the full
	// output, when one was written.
	OutputArchivePath string
}

// Task is what the execution backend is asked to do.
type Task struct {
	// Description is the work statement derived from the triggering
	// issue.
	Description string

	// PriorFailures carries summaries of earlier failed attempts so
	// a retry can avoid repeating them. The orchestrator caps its
	// total size.
	PriorFailures []string
}

// Executor is the capability interface over the execution backend.
// Run blocks until the backend finishes, streaming output to the
// writer as it goes. Implementations must honor context
// cancellation — the supervisor's ceilings arrive that way.
//
// Run returns nil for a successful execution, a *BackendError for an
// execution that ran and failed, and any other error for
// infrastructure trouble launching or observing the backend.
type Executor interface {
	Run(ctx context.Context, sess *session.Session, task Task, output io.Writer) error
}

// BackendError reports an execution that started and then failed.
type BackendError struct {
	Kind    FailureKind
	Message string
}

func (e *BackendError) Error() string { return e.Message }

// Config tunes the supervisor.
type Config struct {
	// MaxOutputBytes caps in-memory output capture. Default 256 KiB.
	MaxOutputBytes int

	// ArchiveOutput writes the full output stream to a compressed
	// file next to the attempt workspace.
	ArchiveOutput bool

	// DefaultExecutionTime applies when a session's security context
	// carries no ceiling. Default 10 minutes.
	DefaultExecutionTime time.Duration
}

// Supervisor enforces a session's security context around an
// Executor.
type Supervisor struct {
	executor Executor
	config   Config
	logger   *slog.Logger
}

// New creates a Supervisor. Panics on nil executor or logger.
func New(executor Executor, config Config, logger *slog.Logger) *Supervisor {
	if executor == nil {
		panic("supervisor: executor is required")
	}
	if logger == nil {
		panic("supervisor: logger is required")
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 256 * 1024
	}
	if config.DefaultExecutionTime <= 0 {
		config.DefaultExecutionTime = 10 * time.Minute
	}
	return &Supervisor{executor: executor, config: config, logger: logger}
}

// Run executes one attempt for the session and reconciles the
// result. It never returns an error for execution failures — those
// become Failed outcomes — only for supervisor-level impossibilities
// (a session with no working directory).
func (s *Supervisor) Run(ctx context.Context, sess *session.Session, task Task) (Outcome, error) {
	if sess.WorkingDirectory == "" {
		return Outcome{}, fmt.Errorf("supervisor: session %s has no working directory", sess.ID)
	}

	ceiling := sess.Security.MaxExecutionTime
	if ceiling <= 0 {
		ceiling = s.config.DefaultExecutionTime
	}

	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	// Snapshot the workspace before the backend touches it; the
	// changed-file list is the diff against this.
	before, err := snapshotTree(sess.WorkingDirectory)
	if err != nil {
		return Outcome{}, fmt.Errorf("supervisor: snapshotting workspace: %w", err)
	}

	capture := newCappedBuffer(s.config.MaxOutputBytes)
	var archive *OutputArchive
	if s.config.ArchiveOutput {
		// The archive lives beside the attempt directory so the
		// changed-file scan never sees it.
		archive, err = NewOutputArchive(filepath.Dir(sess.WorkingDirectory))
		if err != nil {
			s.logger.Warn("output archive unavailable",
				"session_id", sess.ID,
				"error", err,
			)
		}
	}

	startedAt := time.Now()
	runErr := s.executor.Run(runCtx, sess, task, teeOutput(capture, archive))
	elapsed := time.Since(startedAt)

	outcome := s.classify(runCtx, runErr, ceiling, elapsed)
	outcome.Output = capture.String()
	outcome.OutputTruncated = capture.Truncated()
	if archive != nil {
		if err := archive.Close(); err != nil {
			s.logger.Warn("closing output archive", "session_id", sess.ID, "error", err)
		} else {
			outcome.OutputArchivePath = archive.Path()
		}
	}

	// Inspect the workspace even on failure: a partial change set is
	// useful failure context for the retry.
	changed, err := diffTree(sess.WorkingDirectory, before)
	if err != nil {
		s.logger.Warn("changed-file scan failed",
			"session_id", sess.ID,
			"error", err,
		)
	} else {
		outcome.ChangedFiles = changed
	}

	s.logger.Info("execution attempt finished",
		"session_id", sess.ID,
		"attempt", sess.Attempt,
		"status", outcome.Status,
		"failure_kind", outcome.FailureKind,
		"elapsed", elapsed,
		"changed_files", len(outcome.ChangedFiles),
	)
	return outcome, nil
}

// classify maps an executor error to an Outcome.
func (s *Supervisor) classify(runCtx context.Context, runErr error, ceiling, elapsed time.Duration) Outcome {
	if runErr == nil {
		return Outcome{
			Status:  OutcomeSucceeded,
			Message: fmt.Sprintf("execution completed in %s", elapsed.Round(time.Second)),
		}
	}

	// The ceiling firing shows up as context.DeadlineExceeded on the
	// run context, regardless of how the executor surfaced it.
	if errors.Is(runErr, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
		return Outcome{
			Status:      OutcomeFailed,
			FailureKind: FailureTimeout,
			Message:     fmt.Sprintf("Timeout: execution exceeded the %s ceiling and was terminated", ceiling),
		}
	}

	var backendErr *BackendError
	if errors.As(runErr, &backendErr) {
		message := backendErr.Message
		if backendErr.Kind == FailureTimeout && !strings.Contains(message, "Timeout") {
			message = "Timeout: " + message
		}
		return Outcome{
			Status:      OutcomeFailed,
			FailureKind: backendErr.Kind,
			Message:     message,
		}
	}

	return Outcome{
		Status:      OutcomeFailed,
		FailureKind: FailureCrashed,
		Message:     fmt.Sprintf("execution backend failed: %v", runErr),
	}
}
