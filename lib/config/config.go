// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration.
//
// Configuration comes from a single YAML file named by:
//   - the WARDEN_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment
// variables never override file values; the only expansion performed
// is ${HOME}-style path variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the daemon.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Server configures the HTTP ingestion surface.
	Server ServerConfig `yaml:"server"`

	// Store configures session persistence.
	Store StoreConfig `yaml:"store"`

	// Guard configures admission control.
	Guard GuardConfig `yaml:"guard"`

	// Execution configures the execution backend.
	Execution ExecutionConfig `yaml:"execution"`

	// Orchestration configures retry, concurrency, and reaping.
	Orchestration OrchestrationConfig `yaml:"orchestration"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for daemon data.
	Root string `yaml:"root"`

	// Workspaces is where per-session working directories are
	// created. Default: ${root}/workspaces.
	Workspaces string `yaml:"workspaces"`

	// State is where runtime state (the SQLite database) lives.
	// Default: ${root}/state.
	State string `yaml:"state"`
}

// ServerConfig configures the HTTP ingestion surface.
type ServerConfig struct {
	// Address is the TCP listen address. Default: 127.0.0.1:8441.
	Address string `yaml:"address"`

	// WebhookSecret is the HMAC-SHA256 secret shared with the
	// tracker. Required.
	WebhookSecret string `yaml:"webhook_secret"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// Backend selects the store: "memory" or "sqlite".
	// Default: memory.
	Backend string `yaml:"backend"`

	// Database is the SQLite file path for the sqlite backend.
	// Default: ${state}/sessions.db.
	Database string `yaml:"database"`

	// PoolSize is the SQLite connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size"`
}

// GuardConfig configures admission control.
type GuardConfig struct {
	// AgentIdentity is the tracker account the daemon acts as.
	// Required; without it self-trigger prevention cannot work.
	AgentIdentity string `yaml:"agent_identity"`

	// BotPatternsFile points at a JSONC file of additional bot
	// identity patterns. Empty means the built-in set.
	BotPatternsFile string `yaml:"bot_patterns_file"`

	// CausationWindow is how far back the recent-self-causation
	// check looks. Default: 60s.
	CausationWindow Duration `yaml:"causation_window"`

	// OrgRateLimit and ActorRateLimit cap admitted events per
	// window. Defaults: 30 per org, 10 per actor.
	OrgRateLimit   int      `yaml:"org_rate_limit"`
	ActorRateLimit int      `yaml:"actor_rate_limit"`
	RateWindow     Duration `yaml:"rate_window"`
}

// ExecutionConfig configures the execution backend subprocess.
type ExecutionConfig struct {
	// Command is the backend program and its fixed arguments.
	// Required.
	Command []string `yaml:"command"`

	// EnvAllowList names the ambient environment variables an
	// isolated execution may see.
	EnvAllowList []string `yaml:"env_allow_list"`

	// MaxExecutionTime bounds one attempt. Default: 10m.
	MaxExecutionTime Duration `yaml:"max_execution_time"`

	// MaxMemoryMB caps the backend's resident memory. Zero means
	// no ceiling.
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// MaxOutputKB caps in-memory output capture. Default: 256.
	MaxOutputKB int `yaml:"max_output_kb"`

	// ArchiveOutput writes the full output stream to a compressed
	// file beside each attempt workspace.
	ArchiveOutput bool `yaml:"archive_output"`

	// Isolated clears the backend environment down to the
	// allow-list. Default: true.
	Isolated *bool `yaml:"isolated"`
}

// OrchestrationConfig configures retry, concurrency, and reaping.
type OrchestrationConfig struct {
	// MaxAttempts bounds execution attempts per session.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxConcurrent is the global concurrency ceiling. Default: 4.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxConcurrentPerOrg is the per-organization ceiling. Zero
	// disables it.
	MaxConcurrentPerOrg int `yaml:"max_concurrent_per_org"`

	// QueueCapacity is how many admitted sessions may wait for a
	// slot. Zero rejects ceiling overflow outright.
	QueueCapacity int `yaml:"queue_capacity"`

	// InactivityTimeout is the stale-session deadline. Default: 30m.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// Retention is how long terminal sessions are kept. Default: 24h.
	Retention Duration `yaml:"retention"`

	// ReapInterval is the sweep period. Default: 1m.
	ReapInterval Duration `yaml:"reap_interval"`
}

// Default returns the default configuration. Defaults exist so every
// field has a sensible zero-value base; the config file remains the
// source of truth and is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "warden")
	isolated := true

	return &Config{
		// Workspaces, State, and the database path stay empty here:
		// they derive from whatever root the file settles on, so they
		// are computed after the merge in applyDerivedDefaults.
		Paths: PathsConfig{
			Root: defaultRoot,
		},
		Server: ServerConfig{
			Address:         "127.0.0.1:8441",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Backend:  "memory",
			PoolSize: 4,
		},
		Guard: GuardConfig{
			CausationWindow: Duration(60 * time.Second),
			OrgRateLimit:    30,
			ActorRateLimit:  10,
			RateWindow:      Duration(time.Minute),
		},
		Execution: ExecutionConfig{
			MaxExecutionTime: Duration(10 * time.Minute),
			MaxOutputKB:      256,
			Isolated:         &isolated,
		},
		Orchestration: OrchestrationConfig{
			MaxAttempts:       3,
			MaxConcurrent:     4,
			InactivityTimeout: Duration(30 * time.Minute),
			Retention:         Duration(24 * time.Hour),
			ReapInterval:      Duration(time.Minute),
		},
	}
}

// Load loads configuration from the WARDEN_CONFIG environment
// variable. Fails if it is not set — there is no discovery fallback.
func Load() (*Config, error) {
	configPath := os.Getenv("WARDEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("WARDEN_CONFIG environment variable not set; " +
			"set it to the path of your warden.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults and expanding ${HOME}-style path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	cfg.applyDerivedDefaults()
	return cfg, nil
}

// applyDerivedDefaults fills paths that default relative to other
// configured paths.
func (c *Config) applyDerivedDefaults() {
	if c.Paths.Workspaces == "" {
		c.Paths.Workspaces = filepath.Join(c.Paths.Root, "workspaces")
	}
	if c.Paths.State == "" {
		c.Paths.State = filepath.Join(c.Paths.Root, "state")
	}
	if c.Store.Database == "" {
		c.Store.Database = filepath.Join(c.Paths.State, "sessions.db")
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"WARDEN_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WARDEN_ROOT"] = c.Paths.Root

	c.Paths.Workspaces = expandVars(c.Paths.Workspaces, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Store.Database = expandVars(c.Store.Database, vars)
	c.Guard.BotPatternsFile = expandVars(c.Guard.BotPatternsFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting every
// problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if !filepath.IsAbs(c.Paths.Workspaces) {
		errs = append(errs, fmt.Errorf("paths.workspaces must be absolute, got %q", c.Paths.Workspaces))
	}

	if c.Server.Address == "" {
		errs = append(errs, fmt.Errorf("server.address is required"))
	}
	if c.Server.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("server.webhook_secret is required"))
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend))
	}

	if c.Guard.AgentIdentity == "" {
		errs = append(errs, fmt.Errorf("guard.agent_identity is required"))
	}
	if c.Guard.OrgRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("guard.org_rate_limit must be positive"))
	}
	if c.Guard.ActorRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("guard.actor_rate_limit must be positive"))
	}
	if c.Guard.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("guard.rate_window must be positive"))
	}

	if len(c.Execution.Command) == 0 {
		errs = append(errs, fmt.Errorf("execution.command is required"))
	}
	if c.Execution.MaxExecutionTime <= 0 {
		errs = append(errs, fmt.Errorf("execution.max_execution_time must be positive"))
	}

	if c.Orchestration.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("orchestration.max_attempts must be positive"))
	}
	if c.Orchestration.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("orchestration.max_concurrent must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IsolatedEnvironment reports whether backend executions run with a
// cleared environment. Defaults to true when unset.
func (c *Config) IsolatedEnvironment() bool {
	if c.Execution.Isolated == nil {
		return true
	}
	return *c.Execution.Isolated
}

// EnsurePaths creates all configured directories if they don't
// exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Workspaces,
		c.Paths.State,
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
