// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/warden-project/warden/session"
)

// sessionView is the JSON shape the query endpoints return. Security
// internals stay private; the view covers status, timing, and
// provenance.
type sessionView struct {
	ID             string     `json:"id"`
	SourceEntityID string     `json:"source_entity_id"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	BranchName     string     `json:"branch_name,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`
	CompletedBy    string     `json:"completed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	OrganizationID string     `json:"organization_id,omitempty"`
	TriggerKind    string     `json:"trigger_kind,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		ID:             sess.ID,
		SourceEntityID: sess.SourceEntityID,
		Status:         string(sess.Status),
		Attempt:        sess.Attempt,
		BranchName:     sess.BranchName,
		CreatedBy:      sess.Metadata.CreatedBy,
		CompletedBy:    sess.CompletedBy,
		CreatedAt:      sess.CreatedAt,
		StartedAt:      sess.StartedAt,
		CompletedAt:    sess.CompletedAt,
		LastActivityAt: sess.LastActivityAt,
		OrganizationID: sess.Metadata.OrganizationID,
		TriggerKind:    sess.Metadata.TriggerKind,
	}
}

// apiHandler serves the session query and cancel endpoints.
type apiHandler struct {
	store   session.Store
	handler SessionHandler
	logger  *slog.Logger
}

func newAPIHandler(store session.Store, handler SessionHandler, logger *slog.Logger) *apiHandler {
	if store == nil {
		panic("apiHandler: session store is required")
	}
	if handler == nil {
		panic("apiHandler: session handler is required")
	}
	if logger == nil {
		panic("apiHandler: logger is required")
	}
	return &apiHandler{store: store, handler: handler, logger: logger}
}

// register wires the endpoints onto the mux.
func (a *apiHandler) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("POST /sessions/{id}/cancel", a.cancelSession)
}

func (a *apiHandler) getSession(writer http.ResponseWriter, request *http.Request) {
	sess, err := a.store.Get(request.Context(), request.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		http.Error(writer, "", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("api: loading session", "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}
	respondJSON(writer, http.StatusOK, viewOf(sess))
}

// listSessions returns active sessions, optionally narrowed to one
// source entity with ?entity=.
func (a *apiHandler) listSessions(writer http.ResponseWriter, request *http.Request) {
	if entityID := request.URL.Query().Get("entity"); entityID != "" {
		sess, err := a.store.ActiveBySourceEntity(request.Context(), entityID)
		if errors.Is(err, session.ErrNotFound) {
			respondJSON(writer, http.StatusOK, []sessionView{})
			return
		}
		if err != nil {
			a.logger.Error("api: loading active session", "error", err)
			http.Error(writer, "", http.StatusInternalServerError)
			return
		}
		respondJSON(writer, http.StatusOK, []sessionView{viewOf(sess)})
		return
	}

	active, err := a.store.ListActive(request.Context())
	if err != nil {
		a.logger.Error("api: listing sessions", "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
		return
	}
	views := make([]sessionView, 0, len(active))
	for _, sess := range active {
		views = append(views, viewOf(sess))
	}
	respondJSON(writer, http.StatusOK, views)
}

func (a *apiHandler) cancelSession(writer http.ResponseWriter, request *http.Request) {
	sessionID := request.PathValue("id")
	requestedBy := request.Header.Get("X-Requested-By")
	if requestedBy == "" {
		requestedBy = "api"
	}

	err := a.handler.Cancel(request.Context(), sessionID, requestedBy)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(writer, "", http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidTransition):
		respondJSON(writer, http.StatusConflict, map[string]string{
			"error": "session is already terminal",
		})
	case err != nil:
		a.logger.Error("api: cancelling session", "session_id", sessionID, "error", err)
		http.Error(writer, "", http.StatusInternalServerError)
	default:
		respondJSON(writer, http.StatusAccepted, map[string]string{"session_id": sessionID})
	}
}
