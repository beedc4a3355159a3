package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/the-spy-project/spy/internal/config"
	"github.com/the-spy-project/spy/internal/pipeline"
)

// Runner runs one pipeline stage. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, stage pipeline.Stage) (*pipeline.Result, error)
}

// Scheduler triggers pipeline stages on cron schedules. A tick that fires
// while the previous run of the same stage is still going is skipped.
type Scheduler struct {
	ctx    context.Context
	cron   *cron.Cron
	runner Runner

	mu   sync.Mutex
	busy map[pipeline.Stage]*atomic.Bool
}

// New returns a Scheduler whose jobs run under ctx.
func New(ctx context.Context, r Runner) *Scheduler {
	return &Scheduler{
		ctx:    ctx,
		cron:   cron.New(),
		runner: r,
		busy:   make(map[pipeline.Stage]*atomic.Bool),
	}
}

// NewForConfig schedules every stage whose <STAGE>_SCHEDULE is set.
func NewForConfig(ctx context.Context, cfg *config.Config, r Runner) (*Scheduler, error) {
	s := New(ctx, r)
	for _, stage := range pipeline.Stages {
		spec := cfg.GetSchedule(string(stage))
		if spec == "" {
			continue
		}
		if err := s.Add(stage, spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add schedules stage on spec, in standard five-field cron syntax.
func (s *Scheduler) Add(stage pipeline.Stage, spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.trigger(stage) }); err != nil {
		return fmt.Errorf("failed to add cron job for %s: %w", stage, err)
	}
	slog.Info("Scheduled stage", "stage", stage, "schedule", spec)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) flag(stage pipeline.Stage) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.busy[stage]
	if !ok {
		b = &atomic.Bool{}
		s.busy[stage] = b
	}
	return b
}

// trigger runs stage unless it is already running and reports whether it ran.
func (s *Scheduler) trigger(stage pipeline.Stage) bool {
	busy := s.flag(stage)
	if !busy.CompareAndSwap(false, true) {
		slog.Warn("Cron skipped: stage still running", "stage", stage)
		return false
	}
	defer busy.Store(false)

	slog.Info("Cron triggered", "stage", stage)
	res, err := s.runner.Run(s.ctx, stage)
	if err != nil {
		slog.Error("Cron run failed", "stage", stage, "error", err)
		return true
	}
	if !res.Success {
		slog.Error("Cron run failed", "stage", stage, "error", res.Error)
	}
	return true
}
