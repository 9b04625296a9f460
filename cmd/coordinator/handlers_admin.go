package main

import (
	"fmt"
	"net/http"
	"time"

	"dealcoord/internal/domain"
)

// handleRoles serves /roles/{case}: GET lists assignments, POST assigns and
// DELETE unassigns.
func (a *app) handleRoles(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/roles/")
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("case id is required"))
		return
	}
	caseID := parts[0]

	switch r.Method {
	case http.MethodGet:
		assignments, err := a.roles.Assignments(r.Context(), caseID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"case_id":     caseID,
			"assignments": assignments,
			"defaults":    a.roles.Defaults(),
		})
	case http.MethodPost, http.MethodDelete:
		var req struct {
			Role     domain.Role `json:"role"`
			Identity string      `json:"identity"`
		}
		if err := decodeBody(r, &req); err != nil {
			fail(w, err)
			return
		}
		req.Role = domain.Role(firstNonEmpty(string(req.Role), r.URL.Query().Get("role")))
		req.Identity = firstNonEmpty(req.Identity, r.URL.Query().Get("identity"))

		var err error
		if r.Method == http.MethodPost {
			err = a.roles.Assign(r.Context(), caseID, req.Role, req.Identity)
		} else {
			err = a.roles.Unassign(r.Context(), caseID, req.Role, req.Identity)
		}
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "role": req.Role, "identity": req.Identity})
	default:
		allow(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *app) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	notes, err := a.store.ListNotifications(r.Context(), r.URL.Query().Get("recipient"), queryBool(r, "undispatched"), queryInt(r, "limit", 100))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// handleNotificationByID acknowledges outbox delivery:
// POST /notifications/{id}/dispatched.
func (a *app) handleNotificationByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/notifications/")
	if len(parts) != 2 || parts[1] != "dispatched" {
		writeError(w, http.StatusNotFound, fmt.Errorf("expected /notifications/{id}/dispatched"))
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := a.store.MarkNotificationDispatched(r.Context(), parts[0], time.Now().UTC()); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": parts[0], "dispatched": true})
}

func (a *app) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	entries, err := a.store.ListAudit(r.Context(), r.URL.Query().Get("case"), queryInt(r, "limit", 200))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *app) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

// handleSweepByName runs one sweep synchronously: POST /sweeps/{name}.
func (a *app) handleSweepByName(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	parts := pathParts(r, "/sweeps/")
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sweep name is required"))
		return
	}
	processed, err := a.scheduler.RunOnce(r.Context(), parts[0])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": parts[0], "processed": processed})
}
