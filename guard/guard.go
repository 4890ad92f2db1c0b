// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard decides whether an inbound tracker event should
// start work at all. The checks run as an ordered short-circuit
// chain, first matching reason wins:
//
//  1. transport signature verdict (assumed verified upstream;
//     rejected here anyway if the verdict is missing — fail closed)
//  2. self-trigger detection: agent identity plus bot-pattern
//     matching on the actor's id and label
//  3. recent-self-causation: a session for the same entity completed
//     moments ago and its completing actor correlates with this
//     event's actor
//  4. per-organization and per-actor rate limits
//  5. duplicate suppression by event fingerprint
//
// Check 2 is the primary loop-prevention defense and is treated as
// security-critical: anything ambiguous rejects. Check 3 is an
// approximate heuristic with a tunable window, a second net for bots
// that do not self-identify cleanly.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/warden-project/warden/event"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/ratelimit"
	"github.com/warden-project/warden/session"
)

// Reason codes a rejection. Rejections are traffic shaping, not
// errors; they log at debug severity and produce no notification.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonMalformed           Reason = "malformed"
	ReasonSelfTrigger         Reason = "self_trigger"
	ReasonRecentSelfCausation Reason = "recent_self_causation"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonDuplicate           Reason = "duplicate"
)

// Decision is the guard's verdict on one event.
type Decision struct {
	Admitted bool
	Reason   Reason

	// RetryAfter is populated for rate-limit rejections: how long
	// until the exhausted window rolls over.
	RetryAfter time.Duration
}

func admit() Decision               { return Decision{Admitted: true} }
func reject(reason Reason) Decision { return Decision{Reason: reason} }

// Config holds the guard's tunables.
type Config struct {
	// AgentIdentity is the tracker account Warden itself acts as.
	// Events from it are always self-triggers. Required.
	AgentIdentity string

	// BotPatterns are case-insensitive regular expressions matched
	// against both the actor id and the actor label. They catch
	// identity laundering: the agent account renamed, or a secondary
	// account posting on its behalf.
	BotPatterns []*regexp.Regexp

	// CausationWindow is how far back the recent-self-causation
	// check looks for completed sessions on the event's entity.
	// Zero disables the check. Default 60s.
	CausationWindow time.Duration

	// DedupWindow is how long admitted event fingerprints are
	// remembered for redelivery suppression. Default 1h.
	DedupWindow time.Duration
}

// Guard is the admission-control stage. Safe for concurrent use.
type Guard struct {
	config       Config
	store        session.Store
	orgLimiter   *ratelimit.Limiter
	actorLimiter *ratelimit.Limiter
	clock        clock.Clock
	logger       *slog.Logger

	// admitted remembers fingerprints of admitted events for the
	// dedup window. Pruned on every check; one entry per admitted
	// event over the window, so the scan stays small.
	mu       sync.Mutex
	admitted map[string]time.Time
}

// New creates a Guard. Panics on missing required collaborators —
// a guard without an agent identity cannot fail closed, it can only
// fail open, so construction refuses.
func New(config Config, store session.Store, orgLimiter, actorLimiter *ratelimit.Limiter, clk clock.Clock, logger *slog.Logger) *Guard {
	if config.AgentIdentity == "" {
		panic("guard: AgentIdentity is required")
	}
	if store == nil {
		panic("guard: session store is required")
	}
	if orgLimiter == nil || actorLimiter == nil {
		panic("guard: both rate limiters are required")
	}
	if clk == nil {
		panic("guard: clock is required")
	}
	if logger == nil {
		panic("guard: logger is required")
	}
	if config.CausationWindow == 0 {
		config.CausationWindow = 60 * time.Second
	}
	if config.DedupWindow == 0 {
		config.DedupWindow = time.Hour
	}
	return &Guard{
		config:       config,
		store:        store,
		orgLimiter:   orgLimiter,
		actorLimiter: actorLimiter,
		clock:        clk,
		logger:       logger,
		admitted:     make(map[string]time.Time),
	}
}

// ShouldProcess runs the admission chain. A successful admission
// consumes rate-limit budget and records the event fingerprint;
// rejections by checks 1-3 consume nothing.
func (g *Guard) ShouldProcess(ctx context.Context, evt event.Inbound) Decision {
	if !evt.SignatureValid {
		g.logger.Warn("event with unverified signature reached the guard",
			"event_id", evt.ID,
		)
		return reject(ReasonInvalidSignature)
	}

	if err := evt.Validate(); err != nil {
		// A malformed event cannot be safely classified. Fail closed.
		g.logger.Debug("rejecting malformed event", "event_id", evt.ID, "error", err)
		return reject(ReasonMalformed)
	}

	if g.isSelfTrigger(evt) {
		g.logger.Debug("rejecting self-trigger",
			"event_id", evt.ID,
			"actor_id", evt.ActorID,
		)
		return reject(ReasonSelfTrigger)
	}

	if g.isRecentSelfCausation(ctx, evt) {
		g.logger.Debug("rejecting by recent-self-causation correlation",
			"event_id", evt.ID,
			"entity_id", evt.EntityID,
			"actor_id", evt.ActorID,
		)
		return reject(ReasonRecentSelfCausation)
	}

	if result := g.orgLimiter.Consume(evt.OrganizationID, 1); !result.Allowed {
		g.logger.Debug("rejecting rate-limited event",
			"event_id", evt.ID,
			"limiter", g.orgLimiter.Name(),
			"key", evt.OrganizationID,
			"retry_after", result.RetryAfter,
		)
		return Decision{Reason: ReasonRateLimited, RetryAfter: result.RetryAfter}
	}
	if result := g.actorLimiter.Consume(evt.ActorID, 1); !result.Allowed {
		g.logger.Debug("rejecting rate-limited event",
			"event_id", evt.ID,
			"limiter", g.actorLimiter.Name(),
			"key", evt.ActorID,
			"retry_after", result.RetryAfter,
		)
		return Decision{Reason: ReasonRateLimited, RetryAfter: result.RetryAfter}
	}

	if g.isDuplicate(evt) {
		g.logger.Debug("rejecting redelivered event",
			"event_id", evt.ID,
			"entity_id", evt.EntityID,
		)
		return reject(ReasonDuplicate)
	}

	return admit()
}

// isSelfTrigger applies check 2. Exact agent-identity match is
// necessary but not sufficient: the pattern set catches the bot
// posting under a renamed or secondary account.
func (g *Guard) isSelfTrigger(evt event.Inbound) bool {
	if evt.ActorID == g.config.AgentIdentity {
		return true
	}
	return g.matchesBotPattern(evt.ActorID) || g.matchesBotPattern(evt.ActorLabel)
}

func (g *Guard) matchesBotPattern(identity string) bool {
	if identity == "" {
		return false
	}
	for _, pattern := range g.config.BotPatterns {
		if pattern.MatchString(identity) {
			return true
		}
	}
	return false
}

// isRecentSelfCausation applies check 3: did a session on this
// entity complete within the trailing window, finished by an actor
// that correlates with this event's actor? Correlation means the
// completing identity equals the event actor, or the event actor is
// the one whose event created that session — the comment a bot posts
// "as" its triggering user lands here. A store error counts as
// correlation: fail closed.
func (g *Guard) isRecentSelfCausation(ctx context.Context, evt event.Inbound) bool {
	if g.config.CausationWindow <= 0 {
		return false
	}

	since := g.clock.Now().Add(-g.config.CausationWindow)
	completed, err := g.store.CompletedSince(ctx, evt.EntityID, since)
	if err != nil {
		g.logger.Error("causation lookup failed, rejecting",
			"event_id", evt.ID,
			"entity_id", evt.EntityID,
			"error", err,
		)
		return true
	}

	for _, sess := range completed {
		if sess.CompletedBy != "" && sess.CompletedBy == evt.ActorID {
			return true
		}
		if sess.Metadata.CreatedBy == evt.ActorID {
			return true
		}
	}
	return false
}

// isDuplicate checks and records the event fingerprint.
func (g *Guard) isDuplicate(evt event.Inbound) bool {
	fingerprint := evt.Fingerprint()
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for fp, seenAt := range g.admitted {
		if now.Sub(seenAt) > g.config.DedupWindow {
			delete(g.admitted, fp)
		}
	}

	if _, seen := g.admitted[fingerprint]; seen {
		return true
	}
	g.admitted[fingerprint] = now
	return false
}

// String implements fmt.Stringer for log readability.
func (d Decision) String() string {
	if d.Admitted {
		return "admit"
	}
	return fmt.Sprintf("reject(%s)", d.Reason)
}
