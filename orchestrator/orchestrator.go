// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator ties admission, session state, workspace
// isolation, and supervised execution into the session lifecycle:
// admit an event, create the session, run it with bounded retry,
// reconcile the terminal status, and notify.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-project/warden/event"
	"github.com/warden-project/warden/guard"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/session"
	"github.com/warden-project/warden/supervisor"
	"github.com/warden-project/warden/workspace"
)

// ErrAtCapacity is returned by Handle when both concurrency ceilings
// and the overflow queue are exhausted.
var ErrAtCapacity = errors.New("orchestrator: at capacity")

// Runner is the supervised-execution capability. Satisfied by
// *supervisor.Supervisor; tests substitute a scripted one.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, task supervisor.Task) (supervisor.Outcome, error)
}

// WorkItem is what a session should accomplish, derived from the
// triggering issue.
type WorkItem struct {
	// Title is the issue title; it feeds the branch name.
	Title string

	// Description is the full work statement handed to the
	// execution backend.
	Description string
}

// HandleResult reports what Handle did with an event.
type HandleResult struct {
	// Decision is the guard's verdict. When not admitted, nothing
	// else is populated.
	Decision guard.Decision

	// SessionID identifies the created session when one was.
	SessionID string

	// Queued reports that the session was created but is waiting
	// for a concurrency slot.
	Queued bool
}

// Config holds the orchestrator's tunables.
type Config struct {
	// AgentIdentity is recorded as CompletedBy when a session the
	// agent ran reaches a terminal status. Required.
	AgentIdentity string

	// MaxAttempts bounds execution attempts per session. Default 3.
	MaxAttempts int

	// MaxConcurrent is the global ceiling on concurrently executing
	// sessions. Default 4.
	MaxConcurrent int

	// MaxConcurrentPerOrg is the per-organization ceiling. Zero
	// disables the per-organization check.
	MaxConcurrentPerOrg int

	// QueueCapacity is how many admitted sessions may wait for a
	// slot. Zero means ceiling overflow is rejected outright.
	QueueCapacity int

	// MaxFailureContextBytes caps the accumulated failure context
	// carried into retries. Default 16 KiB.
	MaxFailureContextBytes int

	// InactivityTimeout is how long a non-terminal session may go
	// without activity before the reaper reclaims it. Default 30m.
	InactivityTimeout time.Duration

	// Retention is how long terminal sessions are kept before their
	// records and workspaces are removed. Default 24h.
	Retention time.Duration

	// ReapInterval is how often the reaper sweeps. Default 1m.
	ReapInterval time.Duration

	// Security is the resource envelope stamped onto new sessions.
	Security session.SecurityContext
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxFailureContextBytes <= 0 {
		c.MaxFailureContextBytes = 16 * 1024
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

// queuedLaunch is a session waiting for a concurrency slot.
type queuedLaunch struct {
	sessionID string
	orgID     string
	entityID  string
	work      WorkItem
}

// Orchestrator owns the session lifecycle. Create one, then call Run
// to start the queue consumer and the reaper; Handle may be called
// concurrently from the ingestion surface.
type Orchestrator struct {
	config   Config
	guard    *guard.Guard
	store    session.Store
	isolator *workspace.Isolator
	runner   Runner
	reporter Reporter
	clock    clock.Clock
	logger   *slog.Logger

	capacity *capacity
	queue    chan queuedLaunch

	mu      sync.Mutex
	baseCtx context.Context
	cancels map[string]context.CancelFunc

	inFlight sync.WaitGroup
}

// New creates an Orchestrator. Panics on missing collaborators.
func New(config Config, admission *guard.Guard, store session.Store, isolator *workspace.Isolator, runner Runner, reporter Reporter, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if config.AgentIdentity == "" {
		panic("orchestrator: AgentIdentity is required")
	}
	if admission == nil {
		panic("orchestrator: guard is required")
	}
	if store == nil {
		panic("orchestrator: session store is required")
	}
	if isolator == nil {
		panic("orchestrator: workspace isolator is required")
	}
	if runner == nil {
		panic("orchestrator: runner is required")
	}
	if reporter == nil {
		panic("orchestrator: reporter is required")
	}
	if clk == nil {
		panic("orchestrator: clock is required")
	}
	if logger == nil {
		panic("orchestrator: logger is required")
	}
	config.applyDefaults()
	return &Orchestrator{
		config:   config,
		guard:    admission,
		store:    store,
		isolator: isolator,
		runner:   runner,
		reporter: reporter,
		clock:    clk,
		logger:   logger,
		capacity: newCapacity(config.MaxConcurrent, config.MaxConcurrentPerOrg),
		queue:    make(chan queuedLaunch, config.QueueCapacity),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run starts the queue consumer and the stale-session reaper and
// blocks until ctx is cancelled, then waits for in-flight sessions
// to wind down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		o.consumeQueue(ctx)
	}()
	go func() {
		defer loops.Done()
		o.reap(ctx)
	}()

	<-ctx.Done()
	loops.Wait()
	o.inFlight.Wait()
	return nil
}

// Handle runs the admission chain for an event and, when admitted,
// creates and launches a session for it. Returns ErrAtCapacity when
// ceilings and queue are both full, and session.ErrActiveExists when
// the entity already has a live session.
func (o *Orchestrator) Handle(ctx context.Context, evt event.Inbound, work WorkItem) (HandleResult, error) {
	decision := o.guard.ShouldProcess(ctx, evt)
	if !decision.Admitted {
		return HandleResult{Decision: decision}, nil
	}

	now := o.clock.Now()
	sess := &session.Session{
		ID:             session.NewID(),
		SourceEntityID: evt.EntityID,
		Status:         session.StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		Security:       o.config.Security,
		Metadata: session.Metadata{
			CreatedBy:      evt.ActorID,
			OrganizationID: evt.OrganizationID,
			TriggerKind:    string(evt.SourceType),
		},
	}
	if err := o.store.Create(ctx, sess); err != nil {
		return HandleResult{Decision: decision}, err
	}

	launch := queuedLaunch{
		sessionID: sess.ID,
		orgID:     evt.OrganizationID,
		entityID:  evt.EntityID,
		work:      work,
	}

	if o.capacity.TryAcquire(evt.OrganizationID) {
		o.spawn(launch)
		return HandleResult{Decision: decision, SessionID: sess.ID}, nil
	}

	select {
	case o.queue <- launch:
		o.logger.Info("session queued for capacity",
			"session_id", sess.ID,
			"organization_id", evt.OrganizationID,
			"queue_depth", len(o.queue),
		)
		return HandleResult{Decision: decision, SessionID: sess.ID, Queued: true}, nil
	default:
	}

	// No slot and no queue room: the session is cancelled rather
	// than left to go stale in Created.
	if err := o.store.Transition(ctx, sess.ID, session.StatusCreated, session.StatusCancelled, o.config.AgentIdentity, o.clock.Now()); err != nil {
		o.logger.Error("cancelling over-capacity session", "session_id", sess.ID, "error", err)
	}
	o.notify(Notification{
		SessionID:      sess.ID,
		SourceEntityID: sess.SourceEntityID,
		Status:         session.StatusCancelled,
		Message:        "session rejected: concurrency ceiling reached and queue full",
	})
	return HandleResult{Decision: decision, SessionID: sess.ID}, ErrAtCapacity
}

// Cancel moves a session to Cancelled. A queued session is cancelled
// in place; a running one has its execution terminated and the run
// loop reconciles the status. Terminal sessions cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, requestedBy string) error {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case session.StatusCreated:
		return o.store.Transition(ctx, sessionID, session.StatusCreated, session.StatusCancelled, requestedBy, o.clock.Now())
	case session.StatusRunning:
		o.mu.Lock()
		cancel, running := o.cancels[sessionID]
		o.mu.Unlock()
		if running {
			cancel()
			return nil
		}
		// No live run loop (orphaned after a restart): reconcile the
		// record directly.
		return o.store.Transition(ctx, sessionID, session.StatusRunning, session.StatusCancelled, requestedBy, o.clock.Now())
	default:
		return fmt.Errorf("session %s: status is %q: %w", sessionID, sess.Status, session.ErrInvalidTransition)
	}
}

// consumeQueue launches queued sessions as slots free up.
func (o *Orchestrator) consumeQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case launch := <-o.queue:
			if err := o.capacity.Acquire(ctx, launch.orgID); err != nil {
				return
			}
			o.spawn(launch)
		}
	}
}

// spawn runs the session's attempt loop on its own goroutine. The
// caller must already hold a capacity slot; spawn owns releasing it.
func (o *Orchestrator) spawn(launch queuedLaunch) {
	o.mu.Lock()
	base := o.baseCtx
	o.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := context.WithCancel(base)

	o.mu.Lock()
	o.cancels[launch.sessionID] = cancel
	o.mu.Unlock()

	o.inFlight.Add(1)
	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.cancels, launch.sessionID)
			o.mu.Unlock()
			cancel()
			o.capacity.Release(launch.orgID)
			o.inFlight.Done()
		}()
		o.runSession(runCtx, launch)
	}()
}

// runSession drives one session from Created to a terminal status:
// bounded attempts, each in a fresh workspace, with accumulated
// failure context carried forward.
func (o *Orchestrator) runSession(ctx context.Context, launch queuedLaunch) {
	// Store mutations survive ctx cancellation: a cancelled session
	// still has its record reconciled.
	storeCtx := context.WithoutCancel(ctx)

	err := o.store.Transition(storeCtx, launch.sessionID, session.StatusCreated, session.StatusRunning, "", o.clock.Now())
	if err != nil {
		// Cancelled while queued, typically. Nothing to run.
		o.logger.Info("session not started", "session_id", launch.sessionID, "error", err)
		return
	}

	failures := newFailureContext(o.config.MaxFailureContextBytes)
	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		allocation, err := o.isolator.Allocate(launch.sessionID, attempt, launch.entityID, launch.work.Title)
		if err != nil {
			o.finish(storeCtx, launch, attempt, session.StatusFailed,
				fmt.Sprintf("workspace allocation failed: %v", err), nil)
			return
		}
		if err := o.store.StartAttempt(storeCtx, launch.sessionID, attempt, allocation.WorkingDirectory, allocation.BranchName, o.clock.Now()); err != nil {
			o.finish(storeCtx, launch, attempt, session.StatusFailed,
				fmt.Sprintf("arming attempt %d failed: %v", attempt, err), nil)
			return
		}
		current, err := o.store.Get(storeCtx, launch.sessionID)
		if err != nil {
			o.logger.Error("session record vanished mid-run", "session_id", launch.sessionID, "error", err)
			return
		}

		outcome, runErr := o.runner.Run(ctx, current, supervisor.Task{
			Description:   launch.work.Description,
			PriorFailures: failures.Summaries(),
		})
		if touchErr := o.store.Touch(storeCtx, launch.sessionID, o.clock.Now()); touchErr != nil {
			o.logger.Warn("touching session", "session_id", launch.sessionID, "error", touchErr)
		}

		if ctx.Err() != nil {
			o.finish(storeCtx, launch, attempt, session.StatusCancelled,
				"session cancelled during execution", outcome.ChangedFiles)
			return
		}
		if runErr != nil {
			o.finish(storeCtx, launch, attempt, session.StatusFailed,
				fmt.Sprintf("supervision failed: %v", runErr), nil)
			return
		}
		if outcome.Status == supervisor.OutcomeSucceeded {
			o.finish(storeCtx, launch, attempt, session.StatusCompleted, outcome.Message, outcome.ChangedFiles)
			return
		}

		failures.Add(attempt, outcome)
		o.logger.Warn("execution attempt failed",
			"session_id", launch.sessionID,
			"attempt", attempt,
			"failure_kind", outcome.FailureKind,
			"message", outcome.Message,
		)
	}

	o.finish(storeCtx, launch, o.config.MaxAttempts, session.StatusFailed,
		fmt.Sprintf("failed after %d attempts; last failure: %s", o.config.MaxAttempts, failures.Last()), nil)
}

// finish reconciles a running session to its terminal status and
// sends the notification.
func (o *Orchestrator) finish(ctx context.Context, launch queuedLaunch, attempt int, terminal session.Status, message string, changedFiles []string) {
	if err := o.store.Transition(ctx, launch.sessionID, session.StatusRunning, terminal, o.config.AgentIdentity, o.clock.Now()); err != nil {
		o.logger.Error("reconciling terminal status",
			"session_id", launch.sessionID,
			"status", terminal,
			"error", err,
		)
		return
	}
	o.notify(Notification{
		SessionID:      launch.sessionID,
		SourceEntityID: launch.entityID,
		Status:         terminal,
		Attempt:        attempt,
		Message:        message,
		ChangedFiles:   changedFiles,
	})
}

// notify delivers best-effort. Reporting failures are logged and
// swallowed; they never affect session state.
func (o *Orchestrator) notify(notification Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.reporter.Notify(ctx, notification); err != nil {
		o.logger.Error("delivering notification",
			"session_id", notification.SessionID,
			"error", err,
		)
	}
}
