// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func testIsolator(t *testing.T) *Isolator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIsolator(t.TempDir(), logger)
}

func TestAllocateCreatesDirectoryUnderRoot(t *testing.T) {
	root := t.TempDir()
	iso := NewIsolator(root, slog.New(slog.NewTextHandler(io.Discard, nil)))

	allocation, err := iso.Allocate("0b5a7c1e-91f2-4cde-8a44-1f2d3e4c5b6a", 1, "ISSUE-1", "Fix the parser")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if !strings.HasPrefix(allocation.WorkingDirectory, root+string(filepath.Separator)) {
		t.Errorf("working directory %q is not under root %q", allocation.WorkingDirectory, root)
	}
	info, err := os.Stat(allocation.WorkingDirectory)
	if err != nil {
		t.Fatalf("stat working directory: %v", err)
	}
	if !info.IsDir() {
		t.Error("working directory is not a directory")
	}
}

func TestAllocateRejectsUnsafeSessionIDs(t *testing.T) {
	iso := testIsolator(t)

	unsafe := []string{
		"",
		"../escape",
		"..",
		"a/b",
		`a\b`,
		"id with spaces",
		"id.with.dots",
		"$(rm -rf /)",
		strings.Repeat("a", 65),
	}
	for _, id := range unsafe {
		t.Run(id, func(t *testing.T) {
			_, err := iso.Allocate(id, 1, "ISSUE-1", "title")
			if !errors.Is(err, ErrUnsafeSessionID) {
				t.Errorf("Allocate(%q) = %v, want ErrUnsafeSessionID", id, err)
			}
		})
	}
}

func TestAllocateFreshDirectoryPerAttempt(t *testing.T) {
	iso := testIsolator(t)

	first, err := iso.Allocate("session-a", 1, "ISSUE-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	second, err := iso.Allocate("session-a", 2, "ISSUE-1", "t")
	if err != nil {
		t.Fatal(err)
	}
	if first.WorkingDirectory == second.WorkingDirectory {
		t.Errorf("attempts share directory %q", first.WorkingDirectory)
	}

	// Leakage check: a file from attempt 1 must not be visible in
	// attempt 2's directory.
	marker := filepath.Join(first.WorkingDirectory, "dirty")
	if err := os.WriteFile(marker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(second.WorkingDirectory)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("fresh attempt directory is not empty: %d entries", len(entries))
	}
}

func TestReleaseRemovesAllAttemptsAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	iso := NewIsolator(root, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := iso.Allocate("session-b", attempt, "ISSUE-2", "t"); err != nil {
			t.Fatal(err)
		}
	}

	if err := iso.Release("session-b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "session-b")); !os.IsNotExist(err) {
		t.Errorf("session directory survived Release: %v", err)
	}

	if err := iso.Release("session-b"); err != nil {
		t.Errorf("second Release = %v, want nil", err)
	}
	if err := iso.Release("never-allocated"); err != nil {
		t.Errorf("Release of unallocated session = %v, want nil", err)
	}
}

func TestContains(t *testing.T) {
	root := t.TempDir()
	iso := NewIsolator(root, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(root, "child"), true},
		{filepath.Join(root, "a", "b"), true},
		{root, false},
		{filepath.Dir(root), false},
		{filepath.Join(root, "..", "sibling"), false},
		{"/etc/passwd", false},
	}
	for _, test := range tests {
		if got := iso.Contains(test.path); got != test.want {
			t.Errorf("Contains(%q) = %v, want %v", test.path, got, test.want)
		}
	}
}

var branchAlphabet = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

func TestBranchNameSanitization(t *testing.T) {
	tests := []struct {
		name      string
		entityRef string
		title     string
		want      string
	}{
		{"plain", "ISSUE-1", "Fix the parser", "ISSUE-1-Fix-the-parser"},
		{"shell_injection", "EVIL-1", `; rm -rf / #`, "EVIL-1-rm-rf"},
		{"unicode_stripped", "ISSUE-2", "héllo wörld", "ISSUE-2-h-llo-w-rld"},
		{"collapsed_separators", "ISSUE-3", "a -- b    c", "ISSUE-3-a-b-c"},
		{"empty_title", "ISSUE-4", "", "ISSUE-4"},
		{"all_stripped", "", "!!!", "warden-task"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := BranchName(test.entityRef, test.title)
			if got != test.want {
				t.Errorf("BranchName(%q, %q) = %q, want %q", test.entityRef, test.title, got, test.want)
			}
			if !branchAlphabet.MatchString(got) {
				t.Errorf("branch %q contains characters outside [a-zA-Z0-9-]", got)
			}
		})
	}
}

func TestBranchNameLengthCap(t *testing.T) {
	got := BranchName("ISSUE-5", strings.Repeat("very long title ", 20))
	if len(got) > 60 {
		t.Errorf("branch length = %d, want <= 60", len(got))
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("truncated branch %q ends with separator", got)
	}
}
