// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warden-project/warden/session"
)

func newTestAPI(t *testing.T) (*http.ServeMux, *session.MemoryStore, *fakeSessionHandler) {
	t.Helper()
	store := session.NewMemoryStore()
	fake := &fakeSessionHandler{}
	mux := http.NewServeMux()
	newAPIHandler(store, fake, slog.New(slog.NewTextHandler(io.Discard, nil))).register(mux)
	return mux, store, fake
}

func storeSession(t *testing.T, store *session.MemoryStore, entityID string) *session.Session {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sess := &session.Session{
		ID:             session.NewID(),
		SourceEntityID: entityID,
		Status:         session.StatusCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		Metadata:       session.Metadata{CreatedBy: "alice", OrganizationID: "acme"},
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestGetSession(t *testing.T) {
	mux, store, _ := newTestAPI(t)
	sess := storeSession(t, store, "acme/widgets/issues/3")

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID, nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", recorder.Code, recorder.Body)
	}

	var view sessionView
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if view.ID != sess.ID || view.SourceEntityID != "acme/widgets/issues/3" || view.Status != "created" {
		t.Errorf("view = %+v", view)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	mux, _, _ := newTestAPI(t)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestListSessionsByEntity(t *testing.T) {
	mux, store, _ := newTestAPI(t)
	storeSession(t, store, "acme/widgets/issues/1")
	target := storeSession(t, store, "acme/widgets/issues/2")

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions?entity=acme/widgets/issues/2", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var views []sessionView
	if err := json.Unmarshal(recorder.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != target.ID {
		t.Errorf("views = %+v", views)
	}

	// Unknown entity yields an empty list, not an error.
	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions?entity=acme/widgets/issues/99", nil))
	if recorder.Code != http.StatusOK || recorder.Body.String() == "" {
		t.Errorf("status = %d body = %q", recorder.Code, recorder.Body)
	}
}

func TestListAllActiveSessions(t *testing.T) {
	mux, store, _ := newTestAPI(t)
	storeSession(t, store, "acme/widgets/issues/1")
	storeSession(t, store, "acme/widgets/issues/2")

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	var views []sessionView
	if err := json.Unmarshal(recorder.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Errorf("got %d sessions, want 2", len(views))
	}
}

func TestCancelEndpoint(t *testing.T) {
	mux, store, fake := newTestAPI(t)
	sess := storeSession(t, store, "acme/widgets/issues/5")

	request := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/cancel", nil)
	request.Header.Set("X-Requested-By", "alice")
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d", recorder.Code)
	}
	if len(fake.cancelled) != 1 || fake.cancelled[0] != sess.ID {
		t.Errorf("cancelled = %v", fake.cancelled)
	}
}
