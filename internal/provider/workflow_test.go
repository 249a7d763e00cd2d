package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

func TestWorkflowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-N8N-API-KEY") != "key-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"wf-1","name":"backup","active":true,"tags":[{"name":"nightly"}]}]}`))
	}))
	defer srv.Close()

	ws := NewWorkflowServer(srv.URL, "key-123", 5*time.Second)
	records, err := ws.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(records))
	}
	if records[0].ID != "wf-1" || !records[0].Active {
		t.Errorf("record = %+v", records[0])
	}
	if len(records[0].Tags) != 1 || records[0].Tags[0] != "nightly" {
		t.Errorf("tags = %v", records[0].Tags)
	}
}

func TestWorkflowStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		kind   errs.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, errs.KindAuthFailed},
		{"forbidden", http.StatusForbidden, nil, errs.KindAuthFailed},
		{"not found", http.StatusNotFound, nil, errs.KindNotFound},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, errs.KindRateLimited},
		{"server error", http.StatusBadGateway, nil, errs.KindProviderUnavailable},
		{"bad request", http.StatusBadRequest, nil, errs.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ws := NewWorkflowServer(srv.URL, "", time.Second)
			_, err := ws.List(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errs.KindOf(err); got != tt.kind {
				t.Errorf("kind = %v, want %v", got, tt.kind)
			}
			if tt.status == http.StatusTooManyRequests {
				if after := errs.RetryAfterOf(err); after != 7*time.Second {
					t.Errorf("retry after = %v, want 7s", after)
				}
			}
		})
	}
}

func TestWorkflowExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/workflows/wf-1/run" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"execution_id":"ex-9","status":"success"}`))
	}))
	defer srv.Close()

	ws := NewWorkflowServer(srv.URL, "", time.Second)
	run, err := ws.Execute(context.Background(), "wf-1", map[string]any{"target": "all"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.ExecutionID != "ex-9" || run.Status != "success" {
		t.Errorf("run = %+v", run)
	}
}

func TestWorkflowReachableDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srvURL := srv.URL
	srv.Close()

	ws := NewWorkflowServer(srvURL, "", time.Second)
	err := ws.Reachable(context.Background())
	if errs.KindOf(err) != errs.KindProviderUnavailable {
		t.Errorf("kind = %v, want provider_unavailable", errs.KindOf(err))
	}
}
