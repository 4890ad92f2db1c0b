// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/warden-project/warden/event"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/ratelimit"
	"github.com/warden-project/warden/session"
)

const agentIdentity = "agent-bot"

type guardFixture struct {
	guard *Guard
	store *session.MemoryStore
	clock *clock.FakeClock
}

// limits configure the fixture's per-org and per-actor windows.
type limits struct {
	org   int
	actor int
}

func newFixture(t *testing.T, config Config, lim limits) *guardFixture {
	t.Helper()
	if config.AgentIdentity == "" {
		config.AgentIdentity = agentIdentity
	}
	if lim.org == 0 {
		lim.org = 100
	}
	if lim.actor == 0 {
		lim.actor = 100
	}

	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := New(config, store,
		ratelimit.New("per-organization", lim.org, time.Minute, fake),
		ratelimit.New("per-actor", lim.actor, time.Minute, fake),
		fake, logger,
	)
	return &guardFixture{guard: guard, store: store, clock: fake}
}

func (f *guardFixture) event(mutate ...func(*event.Inbound)) event.Inbound {
	evt := event.Inbound{
		ID:             session.NewID(),
		SourceType:     event.SourceComment,
		OrganizationID: "org-1",
		ActorID:        "human-1",
		ActorLabel:     "Pat Devlin",
		EntityID:       "ISSUE-1",
		OccurredAt:     f.clock.Now(),
		SignatureValid: true,
	}
	for _, m := range mutate {
		m(&evt)
	}
	return evt
}

func TestAgentIdentityAlwaysRejected(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{})

	// The loop-prevention invariant: whatever else the event looks
	// like, the configured agent identity never triggers work.
	variants := []func(*event.Inbound){
		func(e *event.Inbound) { e.ActorID = agentIdentity },
		func(e *event.Inbound) { e.ActorID = agentIdentity; e.SourceType = event.SourceIssue },
		func(e *event.Inbound) { e.ActorID = agentIdentity; e.ActorLabel = "Friendly Human" },
		func(e *event.Inbound) { e.ActorID = agentIdentity; e.EntityID = "ISSUE-99" },
	}
	for i, variant := range variants {
		decision := fixture.guard.ShouldProcess(context.Background(), fixture.event(variant))
		if decision.Admitted || decision.Reason != ReasonSelfTrigger {
			t.Errorf("variant %d: decision = %v, want reject(self_trigger)", i, decision)
		}
	}
}

func TestBotPatternCatchesLaunderedIdentity(t *testing.T) {
	fixture := newFixture(t, Config{BotPatterns: DefaultBotPatterns}, limits{})

	tests := []struct {
		name       string
		actorID    string
		actorLabel string
		wantReject bool
	}{
		{"bracket_bot_suffix_in_id", "warden[bot]", "Warden", true},
		{"bot_suffix_in_label", "user-4821", "renamed-bot", true},
		{"automation_in_label", "svc-account", "CI Automation Pipeline", true},
		{"plain_human", "human-1", "Pat Devlin", false},
		{"robotics_engineer_not_matched", "human-2", "Robotics Team", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// Distinct entities per case so the dedup layer never
			// shadows the pattern verdict under test.
			evt := fixture.event(func(e *event.Inbound) {
				e.ActorID = test.actorID
				e.ActorLabel = test.actorLabel
				e.EntityID = "ISSUE-" + test.name
			})
			decision := fixture.guard.ShouldProcess(context.Background(), evt)
			if test.wantReject && (decision.Admitted || decision.Reason != ReasonSelfTrigger) {
				t.Errorf("decision = %v, want reject(self_trigger)", decision)
			}
			if !test.wantReject && !decision.Admitted {
				t.Errorf("decision = %v, want admit", decision)
			}
		})
	}
}

func TestUnverifiedSignatureFailsClosed(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{})
	evt := fixture.event(func(e *event.Inbound) { e.SignatureValid = false })

	decision := fixture.guard.ShouldProcess(context.Background(), evt)
	if decision.Admitted || decision.Reason != ReasonInvalidSignature {
		t.Errorf("decision = %v, want reject(invalid_signature)", decision)
	}
}

func TestMalformedEventFailsClosed(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{})
	evt := fixture.event(func(e *event.Inbound) { e.ActorID = "" })

	decision := fixture.guard.ShouldProcess(context.Background(), evt)
	if decision.Admitted || decision.Reason != ReasonMalformed {
		t.Errorf("decision = %v, want reject(malformed)", decision)
	}
}

func TestRecentSelfCausation(t *testing.T) {
	fixture := newFixture(t, Config{CausationWindow: time.Minute}, limits{})
	ctx := context.Background()

	// A session on ISSUE-1, created by human-1, completed by the
	// agent 30 seconds ago.
	sess := &session.Session{
		ID:             session.NewID(),
		SourceEntityID: "ISSUE-1",
		Status:         session.StatusCreated,
		CreatedAt:      fixture.clock.Now(),
		LastActivityAt: fixture.clock.Now(),
		Metadata:       session.Metadata{CreatedBy: "human-1"},
	}
	if err := fixture.store.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := fixture.store.Transition(ctx, sess.ID, session.StatusCreated, session.StatusRunning, "", fixture.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if err := fixture.store.Transition(ctx, sess.ID, session.StatusRunning, session.StatusCompleted, agentIdentity, fixture.clock.Now()); err != nil {
		t.Fatal(err)
	}
	fixture.clock.Advance(30 * time.Second)

	// Same entity, same triggering actor, inside the window:
	// correlated, rejected.
	decision := fixture.guard.ShouldProcess(ctx, fixture.event())
	if decision.Admitted || decision.Reason != ReasonRecentSelfCausation {
		t.Errorf("correlated event inside window: decision = %v, want reject(recent_self_causation)", decision)
	}

	// A different human on the same entity is not correlated.
	other := fixture.event(func(e *event.Inbound) { e.ActorID = "human-2"; e.OccurredAt = fixture.clock.Now() })
	if decision := fixture.guard.ShouldProcess(ctx, other); !decision.Admitted {
		t.Errorf("uncorrelated event: decision = %v, want admit", decision)
	}

	// Past the window the correlation expires.
	fixture.clock.Advance(2 * time.Minute)
	late := fixture.event(func(e *event.Inbound) { e.OccurredAt = fixture.clock.Now() })
	if decision := fixture.guard.ShouldProcess(ctx, late); !decision.Admitted {
		t.Errorf("event after window: decision = %v, want admit", decision)
	}
}

func TestRateLimitBoundary(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{org: 3, actor: 100})
	ctx := context.Background()

	// K admissions succeed; the K+1-th within the window is
	// rejected with a retry hint; rollover resumes admission.
	for i := 0; i < 3; i++ {
		evt := fixture.event(func(e *event.Inbound) {
			e.EntityID = "ISSUE-" + string(rune('A'+i))
			e.OccurredAt = fixture.clock.Now().Add(time.Duration(i) * time.Millisecond)
		})
		if decision := fixture.guard.ShouldProcess(ctx, evt); !decision.Admitted {
			t.Fatalf("admission %d: decision = %v, want admit", i+1, decision)
		}
	}

	overflow := fixture.event(func(e *event.Inbound) { e.EntityID = "ISSUE-D" })
	decision := fixture.guard.ShouldProcess(ctx, overflow)
	if decision.Admitted || decision.Reason != ReasonRateLimited {
		t.Fatalf("overflow: decision = %v, want reject(rate_limited)", decision)
	}
	if decision.RetryAfter <= 0 {
		t.Errorf("overflow RetryAfter = %v, want > 0", decision.RetryAfter)
	}

	fixture.clock.Advance(time.Minute)
	resumed := fixture.event(func(e *event.Inbound) {
		e.EntityID = "ISSUE-E"
		e.OccurredAt = fixture.clock.Now()
	})
	if decision := fixture.guard.ShouldProcess(ctx, resumed); !decision.Admitted {
		t.Errorf("after rollover: decision = %v, want admit", decision)
	}
}

func TestPerActorLimitIndependentOfOrg(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{org: 100, actor: 1})
	ctx := context.Background()

	first := fixture.event()
	if decision := fixture.guard.ShouldProcess(ctx, first); !decision.Admitted {
		t.Fatalf("first event: %v", decision)
	}

	// Same actor exhausted; another actor in the same org admits.
	second := fixture.event(func(e *event.Inbound) {
		e.EntityID = "ISSUE-2"
		e.OccurredAt = fixture.clock.Now().Add(time.Millisecond)
	})
	if decision := fixture.guard.ShouldProcess(ctx, second); decision.Reason != ReasonRateLimited {
		t.Errorf("same actor: decision = %v, want reject(rate_limited)", decision)
	}

	third := fixture.event(func(e *event.Inbound) {
		e.ActorID = "human-2"
		e.EntityID = "ISSUE-3"
		e.OccurredAt = fixture.clock.Now().Add(2 * time.Millisecond)
	})
	if decision := fixture.guard.ShouldProcess(ctx, third); !decision.Admitted {
		t.Errorf("other actor: decision = %v, want admit", decision)
	}
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{})
	ctx := context.Background()

	evt := fixture.event()
	if decision := fixture.guard.ShouldProcess(ctx, evt); !decision.Admitted {
		t.Fatalf("first delivery: %v", decision)
	}

	// Redelivery: new delivery id, same logical event.
	redelivery := evt
	redelivery.ID = session.NewID()
	decision := fixture.guard.ShouldProcess(ctx, redelivery)
	if decision.Admitted || decision.Reason != ReasonDuplicate {
		t.Errorf("redelivery: decision = %v, want reject(duplicate)", decision)
	}

	// A genuinely new occurrence of the same entity admits.
	fresh := fixture.event(func(e *event.Inbound) { e.OccurredAt = fixture.clock.Now().Add(time.Second) })
	if decision := fixture.guard.ShouldProcess(ctx, fresh); !decision.Admitted {
		t.Errorf("fresh event: decision = %v, want admit", decision)
	}
}

func TestSelfTriggerRejectionConsumesNoBudget(t *testing.T) {
	fixture := newFixture(t, Config{}, limits{org: 1, actor: 1})
	ctx := context.Background()

	// Burn rejections through checks 1-3; none may debit the window.
	for i := 0; i < 5; i++ {
		evt := fixture.event(func(e *event.Inbound) { e.ActorID = agentIdentity })
		fixture.guard.ShouldProcess(ctx, evt)
	}

	if decision := fixture.guard.ShouldProcess(ctx, fixture.event()); !decision.Admitted {
		t.Errorf("budget was consumed by self-trigger rejections: %v", decision)
	}
}
