// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warden-project/warden/session"
)

// SubprocessConfig describes how to launch the backend CLI.
type SubprocessConfig struct {
	// Command is the backend program and its fixed arguments. The
	// task is delivered as JSON on stdin.
	Command []string

	// EnvAllowList names the ambient environment variables an
	// isolated execution may see. Everything else is withheld.
	EnvAllowList []string

	// GracePeriod is how long a SIGTERM'd process group gets before
	// SIGKILL. Default 5 seconds.
	GracePeriod time.Duration

	// MemoryPollInterval is how often the resident-set ceiling is
	// checked. Default 2 seconds.
	MemoryPollInterval time.Duration
}

// SubprocessExecutor runs the backend as a child process inside the
// session's workspace. The process gets its own process group so
// that termination reaches every descendant, a filtered environment,
// and a resident-memory watchdog when the session carries a ceiling.
type SubprocessExecutor struct {
	config SubprocessConfig
	logger *slog.Logger
}

// NewSubprocessExecutor creates a SubprocessExecutor. Panics on an
// empty command or nil logger.
func NewSubprocessExecutor(config SubprocessConfig, logger *slog.Logger) *SubprocessExecutor {
	if len(config.Command) == 0 {
		panic("supervisor: subprocess command is required")
	}
	if logger == nil {
		panic("supervisor: logger is required")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}
	if config.MemoryPollInterval <= 0 {
		config.MemoryPollInterval = 2 * time.Second
	}
	return &SubprocessExecutor{config: config, logger: logger}
}

// taskPayload is the JSON handed to the backend on stdin.
type taskPayload struct {
	SessionID     string   `json:"session_id"`
	Attempt       int      `json:"attempt"`
	Description   string   `json:"description"`
	PriorFailures []string `json:"prior_failures,omitempty"`
}

// Run implements Executor.
func (e *SubprocessExecutor) Run(ctx context.Context, sess *session.Session, task Task, output io.Writer) error {
	cmd := exec.CommandContext(ctx, e.config.Command[0], e.config.Command[1:]...)
	cmd.Dir = sess.WorkingDirectory
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = e.buildEnv(sess)

	payload, err := json.Marshal(taskPayload{
		SessionID:     sess.ID,
		Attempt:       sess.Attempt,
		Description:   task.Description,
		PriorFailures: task.PriorFailures,
	})
	if err != nil {
		return fmt.Errorf("encoding task payload: %w", err)
	}
	cmd.Stdin = strings.NewReader(string(payload))

	// Own process group so termination reaches the backend and every
	// child it spawns. Without this, children survive cancellation
	// and hold the inherited output descriptors open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	grace := e.config.GracePeriod
	cmd.Cancel = func() error {
		processGroupID := -cmd.Process.Pid
		if err := unix.Kill(processGroupID, unix.SIGTERM); err != nil {
			// Process group already gone, escalate anyway.
			return unix.Kill(processGroupID, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH from a dead process group is harmless.
			_ = unix.Kill(processGroupID, unix.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = grace + time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting execution backend: %w", err)
	}

	var exceeded *memoryViolation
	watchDone := make(chan struct{})
	if sess.Security.MaxMemoryMB > 0 {
		go func() {
			defer close(watchDone)
			exceeded = e.watchMemory(ctx, cmd.Process.Pid, int64(sess.Security.MaxMemoryMB))
		}()
	} else {
		close(watchDone)
	}

	waitErr := cmd.Wait()
	<-watchDone

	if exceeded != nil {
		return &BackendError{
			Kind: FailureResourceExceeded,
			Message: fmt.Sprintf("execution exceeded the %d MB memory ceiling (observed %d MB) and was terminated",
				sess.Security.MaxMemoryMB, exceeded.observedMB),
		}
	}
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &BackendError{
			Kind:    FailureCrashed,
			Message: fmt.Sprintf("execution backend exited with status %d", exitErr.ExitCode()),
		}
	}
	return waitErr
}

// buildEnv assembles the child environment. An isolated session sees
// only the allow-listed ambient variables plus the session
// identifiers; a non-isolated one inherits everything.
func (e *SubprocessExecutor) buildEnv(sess *session.Session) []string {
	var env []string
	if sess.Security.IsolatedEnvironment {
		for _, name := range e.config.EnvAllowList {
			if value, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+value)
			}
		}
	} else {
		env = os.Environ()
	}
	env = append(env,
		"WARDEN_SESSION_ID="+sess.ID,
		"WARDEN_ATTEMPT="+strconv.Itoa(sess.Attempt),
		"WARDEN_WORKSPACE="+sess.WorkingDirectory,
	)
	return env
}

type memoryViolation struct {
	observedMB int64
}

// watchMemory polls the backend's resident set until the process
// exits or the ceiling is breached. On breach it kills the process
// group and reports what it saw. Returns nil when the ceiling held.
func (e *SubprocessExecutor) watchMemory(ctx context.Context, pid int, ceilingMB int64) *memoryViolation {
	ticker := time.NewTicker(e.config.MemoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		residentMB, err := residentMemoryMB(pid)
		if err != nil {
			// The process has likely exited; the watch is over.
			return nil
		}
		if residentMB > ceilingMB {
			e.logger.Warn("memory ceiling breached, terminating process group",
				"pid", pid,
				"resident_mb", residentMB,
				"ceiling_mb", ceilingMB,
			)
			_ = unix.Kill(-pid, unix.SIGKILL)
			return &memoryViolation{observedMB: residentMB}
		}
	}
}

// residentMemoryMB reads a process's resident set from /proc.
func residentMemoryMB(pid int) (int64, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing VmRSS: %w", err)
		}
		return kb / 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no VmRSS entry for pid %d", pid)
}
