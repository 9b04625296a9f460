package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dealcoord/internal/dependency"
	"dealcoord/internal/domain"
	"dealcoord/internal/messagebus"
	"dealcoord/internal/orchestrator"
)

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"observers": a.observers.Observers(),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := domain.MessageFilter{
			CaseID:        q.Get("case"),
			FromAgent:     q.Get("from"),
			ToAgent:       q.Get("to"),
			Type:          domain.MessageType(q.Get("type")),
			Status:        domain.MessageStatus(q.Get("status")),
			Priority:      domain.Priority(q.Get("priority")),
			CorrelationID: q.Get("correlation_id"),
		}
		if raw := q.Get("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("since must be RFC3339: %w", err))
				return
			}
			filter.CreatedAfter = &since
		}
		msgs, err := a.bus.Search(r.Context(), filter, queryInt(r, "limit", 100))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		var in messagebus.SendInput
		if err := decodeBody(r, &in); err != nil {
			fail(w, err)
			return
		}
		id, err := a.bus.Send(r.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *app) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/messages/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message id is required"))
		return
	}
	messageID := parts[0]

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		msg, err := a.bus.Get(r.Context(), messageID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Response json.RawMessage    `json:"response"`
		Reason   string             `json:"reason"`
		From     string             `json:"from_agent"`
		Type     domain.MessageType `json:"type"`
		Subject  string             `json:"subject"`
		Payload  json.RawMessage    `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	var err error
	switch parts[1] {
	case "deliver":
		err = a.bus.MarkDelivered(r.Context(), messageID)
	case "ack":
		err = a.bus.Acknowledge(r.Context(), messageID, req.Response)
	case "complete":
		err = a.bus.Complete(r.Context(), messageID, req.Response)
	case "abandon":
		err = a.bus.Abandon(r.Context(), messageID, req.Reason)
	case "reply":
		replyID, replyErr := a.bus.Reply(r.Context(), messageID, req.From, req.Type, req.Subject, req.Payload)
		if replyErr != nil {
			fail(w, replyErr)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": replyID, "in_reply_to": messageID})
		return
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown message action %q", parts[1]))
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	msg, err := a.bus.Get(r.Context(), messageID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *app) handleConversation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	parts := pathParts(r, "/conversations/")
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("correlation id is required"))
		return
	}
	msgs, err := a.bus.Conversation(r.Context(), parts[0], queryInt(r, "limit", 200))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleAgent serves an agent's view: /agents/{agent}/inbox and
// /agents/{agent}/dependencies.
func (a *app) handleAgent(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	parts := pathParts(r, "/agents/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expected /agents/{agent}/inbox or /agents/{agent}/dependencies"))
		return
	}
	agentID, caseID := parts[0], r.URL.Query().Get("case")
	switch parts[1] {
	case "inbox":
		msgs, err := a.bus.Pending(r.Context(), agentID, caseID, queryInt(r, "limit", 50))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case "dependencies":
		deps, err := a.deps.PendingFor(r.Context(), agentID, caseID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deps)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown agent view %q", parts[1]))
	}
}

func (a *app) handleDependencies(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var in dependency.CreateInput
	if err := decodeBody(r, &in); err != nil {
		fail(w, err)
		return
	}
	dep, err := a.deps.Create(r.Context(), in)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (a *app) handleDependencyByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/dependencies/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("dependency id is required"))
		return
	}
	depID := parts[0]

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		dep, err := a.deps.Get(r.Context(), depID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dep)
		return
	}

	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Target     domain.EntityRef `json:"target"`
		Resolution json.RawMessage  `json:"resolution"`
		Reason     string           `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	var (
		dep domain.Dependency
		err error
	)
	switch parts[1] {
	case "resolve":
		dep, err = a.deps.Resolve(r.Context(), depID, req.Target, req.Resolution)
	case "block":
		dep, err = a.deps.Block(r.Context(), depID, req.Reason)
	case "cancel":
		dep, err = a.deps.Cancel(r.Context(), depID, req.Reason)
	case "announce":
		dep, err = a.deps.Announce(r.Context(), depID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown dependency action %q", parts[1]))
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleGate reports whether an entity still has unsatisfied dependencies.
func (a *app) handleGate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")
	if entityType == "" || entityID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("entity_type and entity_id are required"))
		return
	}
	blocked, err := a.deps.HasUnsatisfied(r.Context(), entityType, entityID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"blocked":     blocked,
	})
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := a.tasks.ListTasks(r.Context(), r.URL.Query().Get("case"), domain.TaskStatus(r.URL.Query().Get("status")))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var in orchestrator.CreateTaskInput
		if err := decodeBody(r, &in); err != nil {
			fail(w, err)
			return
		}
		task, err := a.tasks.CreateTask(r.Context(), in)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/tasks/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}
	taskID := parts[0]

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		task, err := a.tasks.GetTask(r.Context(), taskID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if parts[1] != "progress" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task action %q", parts[1]))
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Agent  string                `json:"agent"`
		Status domain.ProgressStatus `json:"status"`
		Result json.RawMessage       `json:"result"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}
	task, err := a.tasks.UpdateProgress(r.Context(), taskID, req.Agent, req.Status, req.Result)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
