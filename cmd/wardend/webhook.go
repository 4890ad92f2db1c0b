// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/warden-project/warden/event"
	"github.com/warden-project/warden/lib/clock"
	"github.com/warden-project/warden/lib/httpserver"
	"github.com/warden-project/warden/orchestrator"
	"github.com/warden-project/warden/session"
)

// maxWebhookBodySize caps webhook payloads. Issue and comment events
// are small; 1 MB gives comfortable headroom.
const maxWebhookBodySize = 1 * 1024 * 1024

// deliveryWindow is how long processed delivery IDs are remembered
// for replay protection. Trackers retry within minutes; an hour is
// conservative.
const deliveryWindow = 1 * time.Hour

// SessionHandler is the orchestration surface the webhook handler
// drives. Satisfied by *orchestrator.Orchestrator.
type SessionHandler interface {
	Handle(ctx context.Context, evt event.Inbound, work orchestrator.WorkItem) (orchestrator.HandleResult, error)
	Cancel(ctx context.Context, sessionID, requestedBy string) error
}

// WebhookHandler ingests tracker webhooks: verifies the HMAC-SHA256
// signature, suppresses replayed deliveries, translates payloads
// into inbound events, and hands them to the orchestrator.
type WebhookHandler struct {
	secret  []byte
	handler SessionHandler
	clock   clock.Clock
	logger  *slog.Logger

	// deliveries maps recently seen delivery IDs to first-seen time.
	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewWebhookHandler creates a handler verifying webhooks with the
// given HMAC secret. Panics on missing collaborators.
func NewWebhookHandler(secret []byte, handler SessionHandler, clk clock.Clock, logger *slog.Logger) *WebhookHandler {
	if len(secret) == 0 {
		panic("WebhookHandler: secret is required")
	}
	if handler == nil {
		panic("WebhookHandler: session handler is required")
	}
	if clk == nil {
		panic("WebhookHandler: clock is required")
	}
	if logger == nil {
		panic("WebhookHandler: logger is required")
	}
	return &WebhookHandler{
		secret:     secret,
		handler:    handler,
		clock:      clk,
		logger:     logger,
		deliveries: make(map[string]time.Time),
	}
}

// ServeHTTP handles one webhook delivery.
func (h *WebhookHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "", http.StatusMethodNotAllowed)
		return
	}

	// Read the body first; HMAC verification needs the raw bytes.
	body, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Error("webhook: reading body", "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}
	if len(body) == 0 {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}

	signature := request.Header.Get("X-Hub-Signature-256")
	if err := httpserver.VerifyHMAC(h.secret, body, signature); err != nil {
		h.logger.Warn("webhook: HMAC verification failed",
			"error", err,
			"remote_addr", request.RemoteAddr,
		)
		// 401 with no information disclosure.
		http.Error(writer, "", http.StatusUnauthorized)
		return
	}

	eventType := request.Header.Get("X-Tracker-Event")
	deliveryID := request.Header.Get("X-Tracker-Delivery")
	if eventType == "" {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}
	if deliveryID == "" {
		http.Error(writer, "", http.StatusBadRequest)
		return
	}

	if h.isReplay(deliveryID) {
		h.logger.Debug("webhook: replayed delivery, ignoring",
			"delivery_id", deliveryID,
			"event_type", eventType,
		)
		// 200 so the tracker does not retry.
		respondJSON(writer, http.StatusOK, map[string]string{"ignored": "duplicate delivery"})
		return
	}

	inbound, work, err := translatePayload(eventType, deliveryID, body)
	if err != nil {
		h.logger.Error("webhook: translation failed",
			"event_type", eventType,
			"delivery_id", deliveryID,
			"error", err,
		)
		// 200: retrying will not fix a translation error.
		respondJSON(writer, http.StatusOK, map[string]string{"ignored": err.Error()})
		return
	}
	if inbound == nil {
		h.logger.Debug("webhook: unhandled event type, ignoring",
			"event_type", eventType,
			"delivery_id", deliveryID,
		)
		respondJSON(writer, http.StatusOK, map[string]string{"ignored": "unhandled event type"})
		return
	}
	// The signature check above is the only path that sets this.
	inbound.SignatureValid = true

	result, err := h.handler.Handle(request.Context(), *inbound, work)
	switch {
	case errors.Is(err, session.ErrActiveExists):
		respondJSON(writer, http.StatusConflict, map[string]string{
			"error": "an active session already exists for this issue",
		})
		return
	case errors.Is(err, orchestrator.ErrAtCapacity):
		respondJSON(writer, http.StatusServiceUnavailable, map[string]string{
			"error": "concurrency ceiling reached",
		})
		return
	case err != nil:
		h.logger.Error("webhook: handling event",
			"delivery_id", deliveryID,
			"error", err,
		)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}

	if !result.Decision.Admitted {
		if result.Decision.RetryAfter > 0 {
			writer.Header().Set("Retry-After", strconv.Itoa(int(result.Decision.RetryAfter.Seconds())+1))
			respondJSON(writer, http.StatusTooManyRequests, map[string]string{
				"ignored": string(result.Decision.Reason),
			})
			return
		}
		// 200 for everything else: self-triggers and duplicates are
		// expected traffic, not client errors worth a retry.
		respondJSON(writer, http.StatusOK, map[string]string{
			"ignored": string(result.Decision.Reason),
		})
		return
	}

	status := http.StatusAccepted
	response := map[string]any{"session_id": result.SessionID}
	if result.Queued {
		response["queued"] = true
	}
	respondJSON(writer, status, response)
}

// isReplay records the delivery ID and reports whether it was
// already seen inside the window. Pruning happens inline; the map
// holds one entry per delivery over the window.
func (h *WebhookHandler) isReplay(deliveryID string) bool {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, seen := range h.deliveries {
		if now.Sub(seen) > deliveryWindow {
			delete(h.deliveries, id)
		}
	}
	if _, seen := h.deliveries[deliveryID]; seen {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}

// Payload shapes follow the common tracker webhook conventions:
// an issue object, an optional comment object, the repository, and
// the sender account.

type webhookIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

type webhookComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type webhookRepository struct {
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type webhookSender struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

type webhookPayload struct {
	Action     string            `json:"action"`
	Issue      *webhookIssue     `json:"issue"`
	Comment    *webhookComment   `json:"comment"`
	Repository webhookRepository `json:"repository"`
	Sender     webhookSender     `json:"sender"`
}

// translatePayload maps a verified webhook body to an inbound event
// and its work item. Returns a nil event for event/action kinds the
// daemon does not act on.
func translatePayload(eventType, deliveryID string, body []byte) (*event.Inbound, orchestrator.WorkItem, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, orchestrator.WorkItem{}, fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Issue == nil {
		return nil, orchestrator.WorkItem{}, fmt.Errorf("payload has no issue")
	}
	if payload.Repository.FullName == "" {
		return nil, orchestrator.WorkItem{}, fmt.Errorf("payload has no repository")
	}

	var sourceType event.SourceType
	var occurredAt time.Time
	var description string

	switch eventType {
	case "issues":
		if payload.Action != "opened" && payload.Action != "reopened" {
			return nil, orchestrator.WorkItem{}, nil
		}
		sourceType = event.SourceIssue
		occurredAt = payload.Issue.UpdatedAt
		description = payload.Issue.Title + "\n\n" + payload.Issue.Body
	case "issue_comment":
		if payload.Action != "created" || payload.Comment == nil {
			return nil, orchestrator.WorkItem{}, nil
		}
		sourceType = event.SourceComment
		occurredAt = payload.Comment.CreatedAt
		description = payload.Issue.Title + "\n\n" + payload.Issue.Body + "\n\nComment:\n" + payload.Comment.Body
	default:
		return nil, orchestrator.WorkItem{}, nil
	}

	if occurredAt.IsZero() {
		return nil, orchestrator.WorkItem{}, fmt.Errorf("payload has no event timestamp")
	}

	actorLabel := payload.Sender.Name
	if actorLabel == "" {
		actorLabel = payload.Sender.Login
	}

	inbound := &event.Inbound{
		ID:             deliveryID,
		SourceType:     sourceType,
		OrganizationID: payload.Repository.Owner.Login,
		ActorID:        payload.Sender.Login,
		ActorLabel:     actorLabel,
		EntityID:       fmt.Sprintf("%s/issues/%d", payload.Repository.FullName, payload.Issue.Number),
		OccurredAt:     occurredAt,
	}
	work := orchestrator.WorkItem{
		Title:       payload.Issue.Title,
		Description: description,
	}
	return inbound, work, nil
}

func respondJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
