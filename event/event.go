// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the inbound event shape consumed by the
// admission guard. Events are produced by the webhook boundary after
// transport-level authentication and are immutable once constructed.
package event

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// SourceType classifies what kind of tracker activity produced an
// event.
type SourceType string

const (
	// SourceIssue is an issue-level action (opened, assigned).
	SourceIssue SourceType = "issue"
	// SourceComment is a comment posted on an issue.
	SourceComment SourceType = "comment"
	// SourceOther is any tracker activity Warden does not act on but
	// still records for rate accounting.
	SourceOther SourceType = "other"
)

// Inbound is one tracker event as delivered by the webhook boundary.
//
// The boundary has already verified transport authenticity (HMAC
// signature); SignatureValid records that verdict so the guard can
// fail closed if an unverified event ever reaches it.
type Inbound struct {
	// ID is the delivery identifier assigned by the tracker. Unique
	// per delivery, not per logical event: redeliveries of the same
	// logical event carry fresh IDs, which is why deduplication keys
	// on Fingerprint rather than ID.
	ID string

	SourceType     SourceType
	OrganizationID string

	// ActorID is the tracker account that caused the event. ActorLabel
	// is the display/service name; the guard's bot patterns match
	// against both, since a bot identity can be laundered through a
	// renamed account.
	ActorID    string
	ActorLabel string

	// EntityID identifies the issue the event concerns.
	EntityID string

	OccurredAt     time.Time
	SignatureValid bool
}

// Fingerprint returns a stable identity for the logical event:
// a BLAKE3 hash over (source type, entity, occurrence time). Two
// webhook deliveries of the same tracker action produce the same
// fingerprint, which is the property the duplicate check needs.
func (e Inbound) Fingerprint() string {
	hasher := blake3.New()
	hasher.Write([]byte(string(e.SourceType)))
	hasher.Write([]byte{0})
	hasher.Write([]byte(e.EntityID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(e.OccurredAt.UnixNano(), 10)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Validate checks that the fields the guard depends on are present.
func (e Inbound) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event: delivery id is required")
	}
	if e.ActorID == "" {
		return fmt.Errorf("event %s: actor id is required", e.ID)
	}
	if e.EntityID == "" {
		return fmt.Errorf("event %s: entity id is required", e.ID)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event %s: occurrence time is required", e.ID)
	}
	switch e.SourceType {
	case SourceIssue, SourceComment, SourceOther:
	default:
		return fmt.Errorf("event %s: unknown source type %q", e.ID, e.SourceType)
	}
	return nil
}
