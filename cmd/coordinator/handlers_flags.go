package main

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
)

// handleFindings records a finding and scans it against the active patterns.
// With scan=false the finding is left for the periodic finding-scan sweep.
func (a *app) handleFindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		findings, err := a.store.ListFindings(r.Context(), r.URL.Query().Get("case"), queryInt(r, "limit", 100))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, findings)
	case http.MethodPost:
		var f domain.Finding
		if err := decodeBody(r, &f); err != nil {
			fail(w, err)
			return
		}
		if f.CaseID == "" || f.Title == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("case_id and title are required"))
			return
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if err := a.store.CreateFinding(r.Context(), f); err != nil {
			fail(w, err)
			return
		}
		stored, err := a.store.GetFinding(r.Context(), f.ID)
		if err != nil {
			fail(w, err)
			return
		}
		resp := map[string]any{"finding": stored}
		flags := []domain.RedFlagInstance{}
		if r.URL.Query().Get("scan") != "false" {
			raised, err := a.flags.ScanNew(r.Context(), stored.ID)
			if err != nil {
				a.logger.Printf("finding scan incomplete finding=%s: %v", stored.ID, err)
				resp["scan_error"] = err.Error()
			}
			flags = append(flags, raised...)
			if scanned, err := a.store.GetFinding(r.Context(), stored.ID); err == nil {
				resp["finding"] = scanned
			}
		}
		resp["flags"] = flags
		writeJSON(w, http.StatusCreated, resp)
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *app) handleFindingByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/findings/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("finding id is required"))
		return
	}
	finding, err := a.store.GetFinding(r.Context(), parts[0])
	if err != nil {
		fail(w, err)
		return
	}

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, finding)
		return
	}
	if parts[1] != "scan" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown finding action %q", parts[1]))
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	raised, err := a.flags.Scan(r.Context(), finding.ID, finding.CaseID)
	if err != nil && len(raised) == 0 {
		fail(w, err)
		return
	}
	if err != nil {
		a.logger.Printf("finding rescan incomplete finding=%s: %v", finding.ID, err)
	}
	writeJSON(w, http.StatusOK, raised)
}

func (a *app) handlePatterns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		patterns, err := a.flags.ListPatterns(r.Context(), queryBool(r, "active"))
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, patterns)
	case http.MethodPost:
		var p domain.RedFlagPattern
		if err := decodeBody(r, &p); err != nil {
			fail(w, err)
			return
		}
		saved, err := a.flags.SavePattern(r.Context(), p)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *app) handlePatternByID(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	parts := pathParts(r, "/patterns/")
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("pattern id is required"))
		return
	}
	p, err := a.flags.GetPattern(r.Context(), parts[0])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *app) handleFlags(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	flags, err := a.flags.List(r.Context(), domain.FlagFilter{
		CaseID:      q.Get("case"),
		Status:      domain.FlagStatus(q.Get("status")),
		Severity:    domain.Severity(q.Get("severity")),
		OverdueOnly: queryBool(r, "overdue"),
		OpenOnly:    queryBool(r, "open"),
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (a *app) handleFlagByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/flags/")
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("flag id is required"))
		return
	}
	flagID := parts[0]

	if len(parts) == 1 {
		if !allow(w, r, http.MethodGet) {
			return
		}
		flag, err := a.flags.Get(r.Context(), flagID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, flag)
		return
	}

	if parts[1] == "history" {
		if !allow(w, r, http.MethodGet) {
			return
		}
		history, err := a.flags.History(r.Context(), flagID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
		return
	}

	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Status   domain.FlagStatus `json:"status"`
		Actor    string            `json:"actor"`
		Notes    string            `json:"notes"`
		Assignee string            `json:"assignee"`
	}
	if err := decodeBody(r, &req); err != nil {
		fail(w, err)
		return
	}

	var (
		flag domain.RedFlagInstance
		err  error
	)
	switch parts[1] {
	case "status":
		flag, err = a.flags.UpdateStatus(r.Context(), flagID, req.Status, req.Actor, req.Notes)
	case "assign":
		flag, err = a.flags.Assign(r.Context(), flagID, req.Assignee, req.Actor)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown flag action %q", parts[1]))
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}
