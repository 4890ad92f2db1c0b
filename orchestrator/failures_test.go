// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"strings"
	"testing"

	"github.com/warden-project/warden/supervisor"
)

func failedOutcome(message, output string) supervisor.Outcome {
	return supervisor.Outcome{
		Status:      supervisor.OutcomeFailed,
		FailureKind: supervisor.FailureCrashed,
		Message:     message,
		Output:      output,
	}
}

func TestFailureContextAccumulates(t *testing.T) {
	failures := newFailureContext(16 * 1024)
	failures.Add(1, failedOutcome("tests failed", "FAIL widget_test.go:40\n"))
	failures.Add(2, failedOutcome("build broke", ""))

	summaries := failures.Summaries()
	if len(summaries) != 2 {
		t.Fatalf("summaries = %v, want 2 entries", summaries)
	}
	if !strings.Contains(summaries[0], "attempt 1") || !strings.Contains(summaries[0], "FAIL widget_test.go:40") {
		t.Errorf("first summary = %q", summaries[0])
	}
	if failures.Last() != summaries[1] {
		t.Errorf("Last() = %q, want %q", failures.Last(), summaries[1])
	}
}

func TestFailureContextDropsOldestAtCap(t *testing.T) {
	failures := newFailureContext(200)
	failures.Add(1, failedOutcome("first failure", strings.Repeat("a", 300)))
	failures.Add(2, failedOutcome("second failure", ""))

	summaries := failures.Summaries()
	for _, summary := range summaries {
		if strings.Contains(summary, "first failure") {
			t.Errorf("oldest summary retained past the cap: %q", summary)
		}
	}
	if !strings.Contains(summaries[0], "dropped") {
		t.Errorf("no drop marker: %v", summaries)
	}
	if !strings.Contains(summaries[len(summaries)-1], "second failure") {
		t.Errorf("most recent failure lost: %v", summaries)
	}
}

func TestOutputTail(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		maxBytes int
		want     string
	}{
		{"empty", "", 10, ""},
		{"short", "two lines\nof output\n", 100, "two lines\nof output"},
		{"truncates to line boundary", "first line\nsecond line", 15, "second line"},
		{"no boundary in range", strings.Repeat("x", 50), 10, strings.Repeat("x", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputTail(tt.output, tt.maxBytes); got != tt.want {
				t.Errorf("outputTail(%q, %d) = %q, want %q", tt.output, tt.maxBytes, got, tt.want)
			}
		})
	}
}
