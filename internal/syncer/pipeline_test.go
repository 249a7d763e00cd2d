package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/halyard/stackgraph/internal/errs"
)

// blockingPipeline runs until released, counting its runs.
type blockingPipeline struct {
	name    string
	release chan struct{}
	mu      sync.Mutex
	runs    int
}

func (p *blockingPipeline) Name() string { return p.name }

func (p *blockingPipeline) Run(ctx context.Context) (PipelineResult, error) {
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return PipelineResult{}, ctx.Err()
		}
	}
	return PipelineResult{Observed: 1}, nil
}

func (p *blockingPipeline) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func TestRunnerCoalescesConcurrentTriggers(t *testing.T) {
	p := &blockingPipeline{name: "services", release: make(chan struct{})}
	r := NewRunner(nil, nil, p)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.RunOne(ctx, "services"); err != nil {
			t.Errorf("first run: %v", err)
		}
	}()

	// Wait until the first run is in flight.
	deadline := time.After(2 * time.Second)
	for p.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A second trigger while in flight is queued, not run concurrently.
	_, err := r.RunOne(ctx, "services")
	if errs.KindOf(err) != errs.KindPreconditionFailed {
		t.Fatalf("kind = %v, want precondition_failed", errs.KindOf(err))
	}
	if p.runCount() != 1 {
		t.Fatalf("concurrent run started: %d", p.runCount())
	}

	// Releasing lets the first run finish and the queued follow-up fire
	// exactly once.
	close(p.release)
	p.release = nil
	<-done

	deadline = time.After(2 * time.Second)
	for p.runCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("queued follow-up never ran")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if p.runCount() != 2 {
		t.Errorf("runs = %d, want exactly 2", p.runCount())
	}
}

// gatedPipeline blocks each run until released and records how many runs
// were in flight at once.
type gatedPipeline struct {
	name     string
	entered  chan struct{}
	release  chan struct{}
	mu       sync.Mutex
	inflight int
	maxSeen  int
	runs     int
}

func (p *gatedPipeline) Name() string { return p.name }

func (p *gatedPipeline) Run(ctx context.Context) (PipelineResult, error) {
	p.mu.Lock()
	p.runs++
	p.inflight++
	if p.inflight > p.maxSeen {
		p.maxSeen = p.inflight
	}
	p.mu.Unlock()
	p.entered <- struct{}{}
	<-p.release
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
	return PipelineResult{Observed: 1}, nil
}

func (p *gatedPipeline) awaitEntry(t *testing.T) {
	t.Helper()
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("no run entered")
	}
}

func (p *gatedPipeline) releaseOne(t *testing.T) {
	t.Helper()
	select {
	case p.release <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("no run waiting for release")
	}
}

// A trigger that lands while the coalesced follow-up is executing must
// queue behind it, never run alongside it.
func TestRunnerSerializesFollowUpRuns(t *testing.T) {
	p := &gatedPipeline{
		name:    "notes",
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	r := NewRunner(nil, nil, p)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.RunOne(ctx, "notes"); err != nil {
			t.Errorf("first run: %v", err)
		}
	}()
	p.awaitEntry(t)

	// Queue a follow-up behind the in-flight run.
	if _, err := r.RunOne(ctx, "notes"); errs.KindOf(err) != errs.KindPreconditionFailed {
		t.Fatalf("kind = %v, want precondition_failed", errs.KindOf(err))
	}

	// Finish the first run; the follow-up starts.
	p.releaseOne(t)
	p.awaitEntry(t)

	// A trigger landing mid-follow-up queues behind it instead of
	// entering execute alongside it.
	if _, err := r.RunOne(ctx, "notes"); errs.KindOf(err) != errs.KindPreconditionFailed {
		t.Fatalf("mid-follow-up trigger kind = %v, want precondition_failed", errs.KindOf(err))
	}

	p.releaseOne(t)
	p.awaitEntry(t)
	p.releaseOne(t)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never returned")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxSeen != 1 {
		t.Errorf("max concurrent runs = %d, want 1", p.maxSeen)
	}
	if p.runs != 3 {
		t.Errorf("runs = %d, want 3", p.runs)
	}
}

func TestRunnerUnknownPipeline(t *testing.T) {
	r := NewRunner(nil, nil)
	_, err := r.RunOne(context.Background(), "nope")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want not_found", errs.KindOf(err))
	}
}

func TestRunAllAggregates(t *testing.T) {
	a := &blockingPipeline{name: "services"}
	b := &blockingPipeline{name: "mcps"}
	r := NewRunner(nil, nil, a, b)

	report := r.RunAll(context.Background())
	if len(report.Pipelines) != 2 {
		t.Fatalf("pipelines = %d", len(report.Pipelines))
	}
	if report.CorrelationRule != CorrelationRule {
		t.Errorf("correlation rule = %q", report.CorrelationRule)
	}
	if report.Pipelines[0].Pipeline != "services" || report.Pipelines[1].Pipeline != "mcps" {
		t.Errorf("order = %s, %s", report.Pipelines[0].Pipeline, report.Pipelines[1].Pipeline)
	}
}

type failingPipeline struct{ name string }

func (p *failingPipeline) Name() string { return p.name }
func (p *failingPipeline) Run(ctx context.Context) (PipelineResult, error) {
	return PipelineResult{}, errs.Ef("test", errs.KindProviderUnavailable, "daemon down")
}

func TestRunAllMarksUnreachable(t *testing.T) {
	r := NewRunner(nil, nil, &failingPipeline{name: "services"}, &blockingPipeline{name: "mcps"})

	report := r.RunAll(context.Background())
	if len(report.Unreachable) != 1 || report.Unreachable[0] != "services" {
		t.Errorf("unreachable = %v", report.Unreachable)
	}
	result, ok := report.Result("services")
	if !ok || result.Error == "" {
		t.Errorf("services result = %+v", result)
	}
}

func TestSchedulerCron(t *testing.T) {
	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateCron("not a cron"); errs.KindOf(err) != errs.KindBadRequest {
		t.Errorf("kind = %v, want bad_request", errs.KindOf(err))
	}
	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := NextRun("*/5 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestSchedulerTrigger(t *testing.T) {
	p := &blockingPipeline{name: "notes"}
	r := NewRunner(nil, nil, p)
	s := NewScheduler(r, nil, []Schedule{{Pipeline: "notes", Interval: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if err := s.Trigger("notes"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for p.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("trigger never fired")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := s.Trigger("unknown"); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("kind = %v, want not_found", errs.KindOf(err))
	}
}
