package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealcoord/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type sweepStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	LastRun    time.Time     `json:"last_run"`
	LastResult int           `json:"last_result"`
	LastError  string        `json:"last_error"`
	Runs       int64         `json:"runs"`
	Failures   int64         `json:"failures"`
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) listFlags(caseID string) ([]domain.RedFlagInstance, error) {
	var out []domain.RedFlagInstance
	q := url.Values{"open": {"true"}}
	if caseID != "" {
		q.Set("case", caseID)
	}
	if err := c.getJSON("/flags?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) flagHistory(flagID string) ([]domain.EscalationHistory, error) {
	var out []domain.EscalationHistory
	if err := c.getJSON("/flags/"+url.PathEscape(flagID)+"/history", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listWorkflows(caseID string) ([]domain.WorkflowInstance, error) {
	var out []domain.WorkflowInstance
	q := url.Values{"status": {string(domain.WorkflowInProgress)}}
	if caseID != "" {
		q.Set("case", caseID)
	}
	if err := c.getJSON("/workflows?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) inbox(agent, caseID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if caseID != "" {
		q.Set("case", caseID)
	}
	if err := c.getJSON("/agents/"+url.PathEscape(agent)+"/inbox?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) sweeps() ([]sweepStatus, error) {
	var out []sweepStatus
	if err := c.getJSON("/sweeps", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) runSweep(name string) (int, error) {
	var out struct {
		Processed int `json:"processed"`
	}
	if err := c.postJSON("/sweeps/"+url.PathEscape(name), nil, &out); err != nil {
		return 0, err
	}
	return out.Processed, nil
}

func (c *client) setFlagStatus(flagID string, status domain.FlagStatus, actor, notes string) error {
	return c.postJSON("/flags/"+url.PathEscape(flagID)+"/status", map[string]any{
		"status": status,
		"actor":  actor,
		"notes":  notes,
	}, nil)
}

func (c *client) decide(instanceID, action, approver, comment string) error {
	return c.postJSON("/workflows/"+url.PathEscape(instanceID)+"/"+action, map[string]any{
		"approver": approver,
		"comment":  comment,
		"reason":   comment,
	}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}
