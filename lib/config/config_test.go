// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
paths:
  root: /var/lib/warden
server:
  address: 127.0.0.1:9000
  webhook_secret: sekrit
store:
  backend: sqlite
guard:
  agent_identity: warden-agent
  causation_window: 90s
execution:
  command: ["agent-cli", "--headless"]
  max_execution_time: 15m
  max_memory_mb: 2048
orchestration:
  max_attempts: 2
  max_concurrent: 8
`

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Guard.CausationWindow.Std() != 90*time.Second {
		t.Errorf("causation window = %s, want 90s", cfg.Guard.CausationWindow)
	}
	if cfg.Execution.MaxExecutionTime.Std() != 15*time.Minute {
		t.Errorf("max execution time = %s, want 15m", cfg.Execution.MaxExecutionTime)
	}
	if len(cfg.Execution.Command) != 2 || cfg.Execution.Command[0] != "agent-cli" {
		t.Errorf("command = %v", cfg.Execution.Command)
	}

	// Unset values keep their defaults; derived paths follow root.
	if cfg.Orchestration.Retention.Std() != 24*time.Hour {
		t.Errorf("retention = %s, want default 24h", cfg.Orchestration.Retention)
	}
	if cfg.Paths.Workspaces != "/var/lib/warden/workspaces" {
		t.Errorf("workspaces = %q", cfg.Paths.Workspaces)
	}
	if cfg.Store.Database != "/var/lib/warden/state/sessions.db" {
		t.Errorf("database = %q", cfg.Store.Database)
	}
	if !cfg.IsolatedEnvironment() {
		t.Error("isolation should default to true")
	}
}

func TestLoadFileExpandsVariables(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	cfg, err := LoadFile(writeConfig(t, `
paths:
  root: ${HOME}/.warden
  workspaces: ${WARDEN_ROOT}/ws
server:
  address: ":0"
  webhook_secret: s
guard:
  agent_identity: a
execution:
  command: ["x"]
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/home/tester/.warden" {
		t.Errorf("root = %q", cfg.Paths.Root)
	}
	if cfg.Paths.Workspaces != "/home/tester/.warden/ws" {
		t.Errorf("workspaces = %q", cfg.Paths.Workspaces)
	}
	// The explicit workspaces override survives while the unset paths
	// still derive from the file's root.
	if cfg.Store.Database != "/home/tester/.warden/state/sessions.db" {
		t.Errorf("database = %q", cfg.Store.Database)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
store:
  backend: postgres
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.webhook_secret",
		"guard.agent_identity",
		"execution.command",
		"store.backend",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%s", want, err)
		}
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when WARDEN_CONFIG is unset")
	}
}

func TestInvalidDurationRejected(t *testing.T) {
	_, err := LoadFile(writeConfig(t, `
guard:
  causation_window: soon
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "warden")
	cfg := Default()
	cfg.Paths.Root = root
	cfg.Paths.Workspaces = filepath.Join(root, "workspaces")
	cfg.Paths.State = filepath.Join(root, "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, path := range []string{root, cfg.Paths.Workspaces, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", path, err)
		}
	}
}
