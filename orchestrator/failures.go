// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/warden-project/warden/supervisor"
)

// failureContext accumulates summaries of failed attempts so a retry
// can be told what already went wrong. Total size is capped; when the
// cap is hit the oldest summaries are dropped first, since the most
// recent failure is the most relevant to the next attempt.
type failureContext struct {
	maxBytes  int
	summaries []string
	size      int
	dropped   int
}

func newFailureContext(maxBytes int) *failureContext {
	return &failureContext{maxBytes: maxBytes}
}

// Add records one failed attempt. The summary quotes the outcome
// message and, when there is room, the tail of the captured output.
func (f *failureContext) Add(attempt int, outcome supervisor.Outcome) {
	summary := fmt.Sprintf("attempt %d: %s", attempt, outcome.Message)
	if tail := outputTail(outcome.Output, 512); tail != "" {
		summary += "\noutput tail:\n" + tail
	}
	f.summaries = append(f.summaries, summary)
	f.size += len(summary)
	for f.size > f.maxBytes && len(f.summaries) > 1 {
		f.size -= len(f.summaries[0])
		f.summaries = f.summaries[1:]
		f.dropped++
	}
}

// Summaries returns the retained failure summaries, oldest first. A
// leading marker notes how many earlier summaries were dropped.
func (f *failureContext) Summaries() []string {
	if f.dropped == 0 {
		return f.summaries
	}
	out := make([]string, 0, len(f.summaries)+1)
	out = append(out, fmt.Sprintf("(%d earlier failure summaries dropped)", f.dropped))
	return append(out, f.summaries...)
}

// Last returns the most recent failure summary, or "".
func (f *failureContext) Last() string {
	if len(f.summaries) == 0 {
		return ""
	}
	return f.summaries[len(f.summaries)-1]
}

// outputTail returns up to maxBytes from the end of output, starting
// at a line boundary when one is near.
func outputTail(output string, maxBytes int) string {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return ""
	}
	if len(output) <= maxBytes {
		return output
	}
	tail := output[len(output)-maxBytes:]
	if index := strings.IndexByte(tail, '\n'); index >= 0 && index < len(tail)-1 {
		tail = tail[index+1:]
	}
	return tail
}
