package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/halyard/stackgraph/internal/errs"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRun computes the next firing time of a cron expression after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errs.E("syncer.NextRun", errs.KindBadRequest, err)
	}
	return sched.Next(from), nil
}

// ValidateCron rejects malformed cron expressions.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return errs.E("syncer.ValidateCron", errs.KindBadRequest, err)
	}
	return nil
}

// Schedule is the cadence for one pipeline: a fixed interval, or a cron
// expression when one is configured.
type Schedule struct {
	Pipeline string
	Interval time.Duration
	CronExpr string
}

// Scheduler drives the runner on per-pipeline cadences and accepts
// on-demand triggers. Trigger and tick share the runner's coalescing, so
// a burst of triggers costs at most one extra run.
type Scheduler struct {
	runner    *Runner
	logger    *slog.Logger
	schedules []Schedule

	triggers map[string]chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(runner *Runner, logger *slog.Logger, schedules []Schedule) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:    runner,
		logger:    logger,
		schedules: schedules,
		triggers:  make(map[string]chan struct{}),
	}
	for _, sched := range schedules {
		s.triggers[sched.Pipeline] = make(chan struct{}, 1)
	}
	return s
}

// Trigger requests an on-demand run of one pipeline. Unknown names are
// rejected; a trigger while one is already queued is dropped.
func (s *Scheduler) Trigger(pipeline string) error {
	ch, ok := s.triggers[pipeline]
	if !ok {
		return errs.Ef("syncer.Trigger", errs.KindNotFound, "no schedule for pipeline %q", pipeline)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Start launches one loop per schedule. Each loop respects ctx for
// shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, sched := range s.schedules {
		s.wg.Add(1)
		go s.loop(ctx, sched)
	}
	s.logger.Info("sync scheduler started", "pipelines", len(s.schedules))
}

// Stop cancels all loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, sched Schedule) {
	defer s.wg.Done()

	next := func(now time.Time) time.Time {
		if sched.CronExpr != "" {
			if t, err := NextRun(sched.CronExpr, now); err == nil {
				return t
			}
			s.logger.Error("invalid cron expression, falling back to interval",
				"pipeline", sched.Pipeline, "expr", sched.CronExpr)
		}
		interval := sched.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		return now.Add(interval)
	}

	timer := time.NewTimer(time.Until(next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fire(ctx, sched.Pipeline, "tick")
			timer.Reset(time.Until(next(time.Now())))
		case <-s.triggers[sched.Pipeline]:
			s.fire(ctx, sched.Pipeline, "trigger")
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, pipeline, cause string) {
	result, err := s.runner.RunOne(ctx, pipeline)
	if err != nil {
		if errs.KindOf(err) == errs.KindPreconditionFailed {
			s.logger.Debug("pipeline busy, run coalesced", "pipeline", pipeline, "cause", cause)
			return
		}
		s.logger.Error("scheduled pipeline run failed", "pipeline", pipeline, "cause", cause, "error", err)
		return
	}
	s.logger.Debug("scheduled pipeline run complete",
		"pipeline", pipeline, "cause", cause, "changes", result.Changes())
}
