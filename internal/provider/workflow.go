package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// WorkflowRecord is one workflow known to the workflow server.
type WorkflowRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkflowRun is the outcome of one triggered execution.
type WorkflowRun struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
}

// WorkflowServer talks to an n8n-style workflow automation server over its
// REST API.
type WorkflowServer struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func NewWorkflowServer(baseURL, apiKey string, timeout time.Duration) *WorkflowServer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkflowServer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (w *WorkflowServer) Name() string { return "workflow" }

// Reachable probes the healthz endpoint.
func (w *WorkflowServer) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/healthz", nil)
	if err != nil {
		return errs.E("workflow.Reachable", errs.KindBadRequest, err)
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return errs.E("workflow.Reachable", errs.KindProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Ef("workflow.Reachable", errs.KindProviderUnavailable, "healthz returned %d", resp.StatusCode)
	}
	return nil
}

// List fetches all workflows.
func (w *WorkflowServer) List(ctx context.Context) ([]WorkflowRecord, error) {
	body, err := w.do(ctx, "workflow.List", http.MethodGet, "/api/v1/workflows", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data []struct {
			ID        string    `json:"id"`
			Name      string    `json:"name"`
			Active    bool      `json:"active"`
			UpdatedAt time.Time `json:"updatedAt"`
			Tags      []struct {
				Name string `json:"name"`
			} `json:"tags"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errs.E("workflow.List", errs.KindProviderUnavailable, err)
	}
	records := make([]WorkflowRecord, 0, len(payload.Data))
	for _, wf := range payload.Data {
		rec := WorkflowRecord{ID: wf.ID, Name: wf.Name, Active: wf.Active, UpdatedAt: wf.UpdatedAt}
		for _, t := range wf.Tags {
			rec.Tags = append(rec.Tags, t.Name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Execute triggers a workflow by id with an optional JSON input payload.
func (w *WorkflowServer) Execute(ctx context.Context, id string, input map[string]any) (WorkflowRun, error) {
	var reqBody io.Reader
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return WorkflowRun{}, errs.E("workflow.Execute", errs.KindBadRequest, err)
		}
		reqBody = bytes.NewReader(data)
	}
	body, err := w.do(ctx, "workflow.Execute", http.MethodPost, "/api/v1/workflows/"+id+"/run", reqBody)
	if err != nil {
		return WorkflowRun{}, err
	}
	var run WorkflowRun
	if err := json.Unmarshal(body, &run); err != nil {
		return WorkflowRun{}, errs.E("workflow.Execute", errs.KindProviderUnavailable, err)
	}
	return run, nil
}

func (w *WorkflowServer) do(ctx context.Context, op, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, body)
	if err != nil {
		return nil, errs.E(op, errs.KindBadRequest, err)
	}
	if w.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", w.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.E(op, errs.KindCancelled, err)
		}
		return nil, errs.E(op, errs.KindProviderUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errs.E(op, errs.KindTransientIO, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusErr(op, resp, data)
}

// statusErr maps an HTTP failure status to a structured error kind. A 429
// carries the Retry-After hint forward so retry loops can honor it.
func statusErr(op string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	base := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.E(op, errs.KindAuthFailed, base)
	case resp.StatusCode == http.StatusNotFound:
		return errs.E(op, errs.KindNotFound, base)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := &errs.Error{Op: op, Kind: errs.KindRateLimited, Err: base}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case resp.StatusCode >= 500:
		return errs.E(op, errs.KindProviderUnavailable, base)
	default:
		return errs.E(op, errs.KindBadRequest, base)
	}
}
