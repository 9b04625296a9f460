package main

import (
	"fmt"
	"net/http"

	"dealcoord/internal/approval"
	"dealcoord/internal/domain"
)

func (a *app) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := a.approvals.ListDefinitions(r.Context(), r.URL.Query().Get("entity_type"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, defs)
	case http.MethodPost:
		var def domain.WorkflowDefinition
		if err := decodeBody(r, &def); err != nil {
			fail(w, err)
			return
		}
		saved, err := a.approvals.SaveDefinition(r.Context(), def)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleDefinitionByID serves /definitions/{id} and
// /definitions/default?entity_type=&case=.
func (a *app) handleDefinitionByID(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	parts := pathParts(r, "/definitions/")
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("definition id is required"))
		return
	}

	var (
		def domain.WorkflowDefinition
		err error
	)
	if parts[0] == "default" {
		q := r.URL.Query()
		def, err = a.approvals.DefaultDefinition(r.Context(), q.Get("entity_type"), q.Get("case"))
	} else {
		def, err = a.approvals.GetDefinition(r.Context(), parts[0])
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *app) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		instances, err := a.approvals.ListInstances(r.Context(), q.Get("case"), domain.WorkflowStatus(q.Get("status")))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, instances)
	case http.MethodPost:
		var in approval.InitiateInput
		if err := decodeBody(r, &in); err != nil {
			fail(w, err)
			return
		}
		inst, err := a.approvals.Initiate(r.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *app) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/workflows/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow instance id is required"))
		return
	}
	instanceID := parts[0]

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		inst, err := a.approvals.GetInstance(r.Context(), instanceID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
		return
	}

	switch parts[1] {
	case "requests":
		if !allow(w, r, http.MethodGet) {
			return
		}
		reqs, err := a.approvals.Requests(r.Context(), instanceID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reqs)
		return
	case "history":
		if !allow(w, r, http.MethodGet) {
			return
		}
		actions, err := a.approvals.History(r.Context(), instanceID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, actions)
		return
	}

	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Approver   string `json:"approver"`
		Actor      string `json:"actor"`
		Comment    string `json:"comment"`
		Reason     string `json:"reason"`
		Changes    string `json:"changes"`
		DelegateTo string `json:"delegate_to"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	var (
		inst domain.WorkflowInstance
		err  error
	)
	switch parts[1] {
	case "approve":
		inst, err = a.approvals.Approve(r.Context(), instanceID, req.Approver, req.Comment)
	case "reject":
		inst, err = a.approvals.Reject(r.Context(), instanceID, req.Approver, firstNonEmpty(req.Reason, req.Comment))
	case "cancel":
		inst, err = a.approvals.Cancel(r.Context(), instanceID, firstNonEmpty(req.Actor, req.Approver), req.Reason)
	case "delegate":
		delegated, delegateErr := a.approvals.Delegate(r.Context(), instanceID, req.Approver, req.DelegateTo, req.Reason)
		if delegateErr != nil {
			fail(w, delegateErr)
			return
		}
		writeJSON(w, http.StatusOK, delegated)
		return
	case "request-changes":
		if err := a.approvals.RequestChanges(r.Context(), instanceID, req.Approver, firstNonEmpty(req.Changes, req.Comment)); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "changes_requested", "instance_id": instanceID})
		return
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown workflow action %q", parts[1]))
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleApprovals lists the pending requests of one approver.
func (a *app) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	approver := q.Get("approver")
	if approver == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("approver is required"))
		return
	}
	reqs, err := a.approvals.PendingFor(r.Context(), approver, q.Get("case"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}
