// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/jsonc"
)

// DefaultBotPatterns cover the common naming conventions of tracker
// automation accounts. Operators extend or replace them via a
// pattern file.
var DefaultBotPatterns = MustCompilePatterns([]string{
	`(?i)\[bot\]$`,
	`(?i)^bot-`,
	`(?i)-bot$`,
	`(?i)automation`,
})

// patternFile is the on-disk shape of a bot-pattern file. The file
// is JSONC — JSON with comments — so operators can annotate why each
// pattern exists.
type patternFile struct {
	Patterns []string `json:"patterns"`
}

// LoadPatternFile reads and compiles a bot-pattern file. Every entry
// must compile; a file with one bad pattern fails entirely rather
// than silently weakening the self-trigger defense.
func LoadPatternFile(path string) ([]*regexp.Regexp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guard: reading pattern file: %w", err)
	}

	var file patternFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("guard: parsing pattern file %s: %w", path, err)
	}
	if len(file.Patterns) == 0 {
		return nil, fmt.Errorf("guard: pattern file %s declares no patterns", path)
	}

	return CompilePatterns(file.Patterns)
}

// CompilePatterns compiles pattern strings, case-insensitively
// unless the pattern sets its own flags.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("guard: compiling bot pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// MustCompilePatterns is CompilePatterns for static pattern sets.
func MustCompilePatterns(patterns []string) []*regexp.Regexp {
	compiled, err := CompilePatterns(patterns)
	if err != nil {
		panic(err)
	}
	return compiled
}
