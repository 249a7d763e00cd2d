package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
	"github.com/halyard/stackgraph/internal/graph"
	"github.com/halyard/stackgraph/internal/persistence"
	"github.com/halyard/stackgraph/internal/provider"
)

type fakeProvider struct {
	name string
	down bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Reachable(ctx context.Context) error {
	if f.down {
		return errs.Ef("fake.Reachable", errs.KindProviderUnavailable, "%s is down", f.name)
	}
	return nil
}

type fakeBatcher struct {
	mu  sync.Mutex
	ops []graph.WriteOp
}

func (f *fakeBatcher) Batch(ctx context.Context, ops []graph.WriteOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, ops...)
	return nil
}

func (f *fakeBatcher) upserts() []graph.WriteOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]graph.WriteOp(nil), f.ops...)
}

func newTestDispatcher(t *testing.T, reg *Registry, providers map[string]provider.Provider) (*Dispatcher, *persistence.Store, *fakeBatcher) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	batcher := &fakeBatcher{}
	d := NewDispatcher(DispatcherConfig{
		Registry:   reg,
		Store:      store,
		Providers:  providers,
		Graph:      batcher,
		FlushEvery: 1,
	})
	return d, store, batcher
}

func TestDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	reg := New()
	schema, err := NewValidator([]byte(workflowSchema))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	invoked := false
	err = reg.Register(Descriptor{
		Kind:         "workflow",
		Handler:      func(ctx context.Context, params map[string]any) (any, error) {
			invoked = true
			return map[string]any{"execution": "ex-1", "workflow": params["workflow_id"]}, nil
		},
		Schema:       schema,
		Capabilities: []string{"workflow"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	d, store, batcher := newTestDispatcher(t, reg, map[string]provider.Provider{
		"workflow": &fakeProvider{name: "workflow"},
	})

	task, err := d.CreateTask(ctx, "workflow", "run backups", map[string]any{"workflow_id": "wf-1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.State != persistence.TaskPending {
		t.Fatalf("state = %s, want pending", task.State)
	}

	result := d.Dispatch(ctx, task.ID)
	if !result.Success {
		t.Fatalf("Dispatch failed: %s (%s)", result.Error, result.ErrorKind)
	}
	if !invoked {
		t.Fatal("handler was not invoked")
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != persistence.TaskCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}

	m, err := store.MetricsFor(ctx, "workflow")
	if err != nil {
		t.Fatalf("MetricsFor: %v", err)
	}
	if m.Invocations != 1 || m.Successes != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	// FlushEvery is 1, so the run flushed performance onto the Agent node.
	ops := batcher.upserts()
	if len(ops) == 0 {
		t.Fatal("no performance flush reached the graph")
	}
	flush := ops[len(ops)-1]
	if flush.Label != graph.LabelAgent || flush.ID != "workflow" {
		t.Fatalf("flush target = %s/%s", flush.Label, flush.ID)
	}
	if flush.Props["performance_success_rate"] != 1.0 {
		t.Fatalf("success rate prop = %v, want 1.0", flush.Props["performance_success_rate"])
	}
}

func TestDispatchPreconditionFailed(t *testing.T) {
	ctx := context.Background()
	reg := New()
	invoked := false
	reg.Register(Descriptor{
		Kind: "container",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
		Capabilities: []string{"docker"},
	})

	d, store, _ := newTestDispatcher(t, reg, map[string]provider.Provider{
		"docker": &fakeProvider{name: "docker", down: true},
	})

	task, err := d.CreateTask(ctx, "container", "restart neo4j", map[string]any{"name": "neo4j"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	result := d.Dispatch(ctx, task.ID)
	if result.Success {
		t.Fatal("dispatch succeeded against an unreachable provider")
	}
	if result.ErrorKind != errs.KindPreconditionFailed {
		t.Fatalf("error kind = %s, want precondition_failed", result.ErrorKind)
	}
	if invoked {
		t.Fatal("handler ran despite failed precondition")
	}

	got, _ := store.GetTask(ctx, task.ID)
	if got.State != persistence.TaskFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestDispatchSchemaRejection(t *testing.T) {
	ctx := context.Background()
	reg := New()
	schema, _ := NewValidator([]byte(workflowSchema))
	invoked := false
	reg.Register(Descriptor{
		Kind:   "workflow",
		Schema: schema,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	})

	d, _, _ := newTestDispatcher(t, reg, nil)

	task, err := d.CreateTask(ctx, "workflow", "bad args", map[string]any{"wait": true})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	result := d.Dispatch(ctx, task.ID)
	if result.Success || result.ErrorKind != errs.KindBadRequest {
		t.Fatalf("result = %+v, want bad_request failure", result)
	}
	if invoked {
		t.Fatal("handler ran despite schema rejection")
	}
}

func TestCreateTaskUnknownKind(t *testing.T) {
	d, _, _ := newTestDispatcher(t, New(), nil)
	_, err := d.CreateTask(context.Background(), "nope", "x", nil)
	if errs.KindOf(err) != errs.KindBadRequest {
		t.Fatalf("kind = %v, want bad_request", errs.KindOf(err))
	}
}

func TestDispatchDecayedRegistration(t *testing.T) {
	ctx := context.Background()
	reg := New()
	reg.Register(Descriptor{
		Kind:       "monitor",
		Handler:    noopHandler,
		DecayAfter: time.Now().Add(-time.Minute),
	})

	d, _, _ := newTestDispatcher(t, reg, nil)
	task, err := d.CreateTask(ctx, "monitor", "stale", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	result := d.Dispatch(ctx, task.ID)
	if result.Success || result.ErrorKind != errs.KindPreconditionFailed {
		t.Fatalf("result = %+v, want precondition_failed", result)
	}
}

func TestDispatchRateLimitDelaysNextRun(t *testing.T) {
	ctx := context.Background()
	reg := New()
	first := true
	reg.Register(Descriptor{
		Kind:         "mcp",
		Capabilities: []string{"mcp"},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			if first {
				first = false
				return nil, &errs.Error{
					Op:         "mcp.call",
					Kind:       errs.KindRateLimited,
					Err:        errors.New("too many requests"),
					RetryAfter: 60 * time.Millisecond,
				}
			}
			return "ok", nil
		},
	})

	d, _, _ := newTestDispatcher(t, reg, map[string]provider.Provider{
		"mcp": &fakeProvider{name: "mcp"},
	})

	t1, _ := d.CreateTask(ctx, "mcp", "first", nil)
	t2, _ := d.CreateTask(ctx, "mcp", "second", nil)

	r1 := d.Dispatch(ctx, t1.ID)
	if r1.Success || r1.ErrorKind != errs.KindRateLimited {
		t.Fatalf("first result = %+v, want rate_limited failure", r1)
	}

	started := time.Now()
	r2 := d.Dispatch(ctx, t2.ID)
	if !r2.Success {
		t.Fatalf("second dispatch failed: %s", r2.Error)
	}
	if elapsed := time.Since(started); elapsed < 40*time.Millisecond {
		t.Fatalf("second dispatch ran after %v, expected it to honor the retry-after", elapsed)
	}
}

func TestCancelPendingTask(t *testing.T) {
	ctx := context.Background()
	reg := New()
	reg.Register(Descriptor{Kind: "notes", Handler: noopHandler})

	d, store, _ := newTestDispatcher(t, reg, nil)
	task, err := d.CreateTask(ctx, "notes", "reindex", nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := d.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != persistence.TaskCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}

	// A cancelled task cannot be started again.
	result := d.Dispatch(ctx, task.ID)
	if result.Success {
		t.Fatal("dispatched a cancelled task")
	}
	if result.ErrorKind != errs.KindPreconditionFailed {
		t.Fatalf("error kind = %s, want precondition_failed", result.ErrorKind)
	}
}

func TestDispatchCancelledWhileWaitingForSlot(t *testing.T) {
	ctx := context.Background()
	reg := New()
	entered := make(chan struct{})
	release := make(chan struct{})
	reg.Register(Descriptor{
		Kind: "slow",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			close(entered)
			<-release
			return map[string]any{}, nil
		},
	})

	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("persistence.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	d := NewDispatcher(DispatcherConfig{
		Registry:    reg,
		Store:       store,
		Graph:       &fakeBatcher{},
		MaxInflight: 1,
	})

	first, err := d.CreateTask(ctx, "slow", "hold the slot", map[string]any{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	second, err := d.CreateTask(ctx, "slow", "wait behind it", map[string]any{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		d.Dispatch(ctx, first.ID)
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	cctx, cancel := context.WithCancel(ctx)
	resc := make(chan TaskResult, 1)
	go func() { resc <- d.Dispatch(cctx, second.ID) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	var result TaskResult
	select {
	case result = <-resc:
	case <-time.After(2 * time.Second):
		t.Fatal("second dispatch never returned")
	}
	if result.ErrorKind != errs.KindCancelled {
		t.Fatalf("error kind = %s, want cancelled", result.ErrorKind)
	}
	got, _ := store.GetTask(ctx, second.ID)
	if got.State != persistence.TaskCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}

	close(release)
	<-firstDone
}

func TestDispatchAsync(t *testing.T) {
	ctx := context.Background()
	reg := New()
	reg.Register(Descriptor{Kind: "graph", Handler: func(ctx context.Context, params map[string]any) (any, error) {
		return 42, nil
	}})

	d, _, _ := newTestDispatcher(t, reg, nil)
	task, _ := d.CreateTask(ctx, "graph", "count", nil)

	done := make(chan TaskResult, 1)
	d.DispatchAsync(ctx, task.ID, func(r TaskResult) { done <- r })

	select {
	case r := <-done:
		if !r.Success {
			t.Fatalf("async dispatch failed: %s", r.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async dispatch never finished")
	}
}
