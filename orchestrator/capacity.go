// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"sync"
)

// capacity tracks concurrent executions against a global ceiling and
// a per-organization ceiling. TryAcquire is the fast path used at
// admission; Acquire blocks and is used by the queue consumer.
type capacity struct {
	mu   sync.Mutex
	cond *sync.Cond

	running   int
	maxGlobal int

	perOrg    map[string]int
	maxPerOrg int
}

func newCapacity(maxGlobal, maxPerOrg int) *capacity {
	c := &capacity{
		maxGlobal: maxGlobal,
		maxPerOrg: maxPerOrg,
		perOrg:    make(map[string]int),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *capacity) hasRoomLocked(org string) bool {
	if c.running >= c.maxGlobal {
		return false
	}
	if org != "" && c.maxPerOrg > 0 && c.perOrg[org] >= c.maxPerOrg {
		return false
	}
	return true
}

func (c *capacity) acquireLocked(org string) {
	c.running++
	if org != "" {
		c.perOrg[org]++
	}
}

// TryAcquire claims a slot if one is free.
func (c *capacity) TryAcquire(org string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasRoomLocked(org) {
		return false
	}
	c.acquireLocked(org)
	return true
}

// Acquire blocks until a slot for the organization is free or the
// context is cancelled.
func (c *capacity) Acquire(ctx context.Context, org string) error {
	// Wake the cond wait when the context dies; cond has no native
	// cancellation.
	stop := context.AfterFunc(ctx, func() { c.cond.Broadcast() })
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.hasRoomLocked(org) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cond.Wait()
	}
	c.acquireLocked(org)
	return nil
}

// Release returns a slot and wakes blocked acquirers.
func (c *capacity) Release(org string) {
	c.mu.Lock()
	c.running--
	if org != "" {
		if c.perOrg[org] <= 1 {
			delete(c.perOrg, org)
		} else {
			c.perOrg[org]--
		}
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Running reports the number of claimed slots.
func (c *capacity) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
