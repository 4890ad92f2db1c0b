// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace allocates and reclaims the isolated working
// directory and branch name for a session. Both inputs it derives
// from are attacker-influenced — the session id flows into a
// filesystem path and the issue title flows into a branch name that
// is later handed to a version-control invocation — so allocation
// validates aggressively: ids are checked against a strict alphabet
// AND the resulting path is verified to be a descendant of the root,
// and branch names are reduced to [a-zA-Z0-9-] with no escape hatch.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnsafeSessionID is returned when a session id fails validation.
// Allocation never proceeds past it — there is no fallback path.
var ErrUnsafeSessionID = errors.New("workspace: unsafe session id")

// ErrEscapesRoot is returned when a derived path is not a strict
// descendant of the configured root. Defense in depth: it can only
// fire if id validation has a gap, and it still stops the traversal.
var ErrEscapesRoot = errors.New("workspace: path escapes root")

// sessionIDPattern is the only shape of session id the isolator
// accepts: the alphabet of UUIDs. No path separators, no dots, no
// way to spell a traversal sequence.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// branchUnsafe matches every character that may not appear in a
// branch name.
var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// branchCollapse matches runs of separators left behind by
// sanitization.
var branchCollapse = regexp.MustCompile(`-{2,}`)

// maxBranchLength caps derived branch names. Git permits far longer,
// but long names degrade every UI that displays them.
const maxBranchLength = 60

// Allocation is the isolated context handed to the supervisor.
type Allocation struct {
	WorkingDirectory string
	BranchName       string
}

// Isolator allocates per-session working directories under a single
// configured root.
type Isolator struct {
	root   string
	logger *slog.Logger
}

// NewIsolator creates an isolator rooted at root, which must be an
// absolute path. Panics on a relative root or nil logger — both are
// wiring mistakes, not runtime conditions.
func NewIsolator(root string, logger *slog.Logger) *Isolator {
	if !filepath.IsAbs(root) {
		panic("workspace.Isolator: root must be absolute, got " + root)
	}
	if logger == nil {
		panic("workspace.Isolator: logger is required")
	}
	return &Isolator{root: filepath.Clean(root), logger: logger}
}

// Allocate creates the working directory for one attempt of a
// session and derives the branch name from the issue's human
// identifier and title. Each attempt gets a fresh directory — retry
// never reuses a dirty one.
func (iso *Isolator) Allocate(sessionID string, attempt int, entityRef, title string) (Allocation, error) {
	directory, err := iso.attemptDirectory(sessionID, attempt)
	if err != nil {
		return Allocation{}, err
	}

	if err := os.MkdirAll(directory, 0o700); err != nil {
		return Allocation{}, fmt.Errorf("workspace: creating %s: %w", directory, err)
	}

	branch := BranchName(entityRef, title)
	iso.logger.Debug("workspace allocated",
		"session_id", sessionID,
		"attempt", attempt,
		"directory", directory,
		"branch", branch,
	)
	return Allocation{WorkingDirectory: directory, BranchName: branch}, nil
}

// Contains reports whether path lies strictly inside the isolator's
// root. The orchestrator checks it before reclaiming a directory
// recorded in a session — a corrupted record must not turn the
// reaper into an arbitrary rm -rf.
func (iso *Isolator) Contains(path string) bool {
	relative, err := filepath.Rel(iso.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return relative != "." && relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator))
}

// Release removes the session's directory tree and everything in it.
// Idempotent: releasing an already-released or never-allocated
// session is a no-op.
func (iso *Isolator) Release(sessionID string) error {
	directory, err := iso.sessionDirectory(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(directory); err != nil {
		return fmt.Errorf("workspace: removing %s: %w", directory, err)
	}
	iso.logger.Debug("workspace released", "session_id", sessionID)
	return nil
}

// sessionDirectory validates the id and derives the session's
// directory, verifying the result stays under the root.
func (iso *Isolator) sessionDirectory(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeSessionID, sessionID)
	}

	directory := filepath.Join(iso.root, sessionID)

	// The pattern above already forbids separators and traversal
	// sequences; verify the descendant property anyway.
	if !iso.Contains(directory) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrEscapesRoot, sessionID, directory)
	}
	return directory, nil
}

func (iso *Isolator) attemptDirectory(sessionID string, attempt int) (string, error) {
	if attempt < 1 {
		return "", fmt.Errorf("workspace: attempt must be >= 1, got %d", attempt)
	}
	base, err := iso.sessionDirectory(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, fmt.Sprintf("attempt-%d", attempt)), nil
}

// BranchName derives a branch name from an issue's human identifier
// and title. Everything outside [a-zA-Z0-9-] is stripped, repeated
// separators collapse to one, and the result is length-capped. An
// input consisting entirely of stripped characters yields just the
// sanitized identifier, or "warden-task" if that is empty too.
func BranchName(entityRef, title string) string {
	name := sanitizeBranchPart(entityRef)
	if slug := sanitizeBranchPart(title); slug != "" {
		if name != "" {
			name += "-"
		}
		name += slug
	}
	if name == "" {
		name = "warden-task"
	}
	if len(name) > maxBranchLength {
		name = strings.TrimRight(name[:maxBranchLength], "-")
	}
	return name
}

func sanitizeBranchPart(part string) string {
	part = branchUnsafe.ReplaceAllString(part, "-")
	part = branchCollapse.ReplaceAllString(part, "-")
	return strings.Trim(part, "-")
}
