package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/the-spy-project/spy/internal/agent"
	"github.com/the-spy-project/spy/internal/events"
	"github.com/the-spy-project/spy/internal/github"
)

// MaxErrorDetails caps Result.ErrorDetails.
const MaxErrorDetails = 10

type Stage string

const (
	StageDiscover Stage = "discover"
	StageIngest   Stage = "ingest"
	StageEnrich   Stage = "enrich"
	StageRefresh  Stage = "refresh"
)

// Stages lists every runnable stage in pipeline order.
var Stages = []Stage{StageDiscover, StageIngest, StageEnrich, StageRefresh}

// Result summarizes one stage invocation. Success is false only when the
// batch itself failed; per-record failures are counted in Errors.
type Result struct {
	Success      bool      `json:"success"`
	Stage        Stage     `json:"stage"`
	TotalFound   int       `json:"totalFound"`
	Processed    int       `json:"processed"`
	Errors       int       `json:"errors"`
	ErrorDetails []string  `json:"errorDetails"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
}

func (p *Pipeline) newResult(stage Stage) *Result {
	return &Result{
		Success:      true,
		Stage:        stage,
		ErrorDetails: []string{},
		Timestamp:    p.now().UTC(),
	}
}

func (r *Result) addError(key string, err error) {
	r.Errors++
	if len(r.ErrorDetails) < MaxErrorDetails {
		r.ErrorDetails = append(r.ErrorDetails, fmt.Sprintf("%s: %v", key, err))
	}
}

// IsRateLimited reports whether err came from an upstream rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, github.ErrRateLimited) || errors.Is(err, agent.ErrRateLimited)
}

// Run invokes stage by name.
func (p *Pipeline) Run(ctx context.Context, stage Stage) (*Result, error) {
	switch stage {
	case StageDiscover:
		return p.Discover(ctx), nil
	case StageIngest:
		return p.Ingest(ctx), nil
	case StageEnrich:
		return p.Enrich(ctx), nil
	case StageRefresh:
		return p.Refresh(ctx), nil
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

// each runs fn for every item in order, isolating failures and pausing delay
// between items. Cancellation stops the batch and fails the result.
func each[T any](
	ctx context.Context,
	p *Pipeline,
	res *Result,
	delay time.Duration,
	items []T,
	key func(T) string,
	fn func(context.Context, T) error,
) {
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			fail(ctx, res, fmt.Errorf("batch interrupted: %w", err))
			return
		}
		id := key(it)
		if err := p.isolate(ctx, id, func(ctx context.Context) error { return fn(ctx, it) }); err != nil {
			slog.WarnContext(ctx, "Record failed", "stage", res.Stage, "identifier", id, "error", err)
			res.addError(id, err)
		} else {
			res.Processed++
		}
		if i < len(items)-1 {
			if err := p.sleep(ctx, delay); err != nil {
				fail(ctx, res, fmt.Errorf("batch interrupted: %w", err))
				return
			}
		}
	}
}

// isolate runs fn with a per-record timeout and panic recovery, cooling
// down and retrying when fn hits a rate limit.
func (p *Pipeline) isolate(ctx context.Context, id string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx, id, fn)
		if err == nil || !IsRateLimited(err) || attempt >= p.retries {
			return err
		}
		slog.WarnContext(ctx, "Rate limited, cooling down",
			"identifier", id, "cooldown", p.cooldown, "attempt", attempt+1)
		if serr := p.sleep(ctx, p.cooldown); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, id string, fn func(context.Context) error) (err error) {
	if p.recordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.recordTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Recovered from panic", "identifier", id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func fail(ctx context.Context, res *Result, err error) *Result {
	res.Success = false
	res.Error = err.Error()
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.ErrorContext(ctx, "Stage failed", "stage", res.Stage, "error", err)
	return res
}

// complete logs res and emits a stage.completed event.
func (p *Pipeline) complete(ctx context.Context, res *Result) *Result {
	slog.InfoContext(ctx, "Stage completed",
		"stage", res.Stage,
		"success", res.Success,
		"total_found", res.TotalFound,
		"processed", res.Processed,
		"errors", res.Errors)
	p.emit(context.WithoutCancel(ctx), events.Event{
		Type:  events.StageCompleted,
		Stage: string(res.Stage),
		Data: map[string]any{
			"success":    res.Success,
			"totalFound": res.TotalFound,
			"processed":  res.Processed,
			"errors":     res.Errors,
		},
		Timestamp: p.now().UTC(),
	})
	return res
}

func (p *Pipeline) emit(ctx context.Context, e events.Event) {
	if err := p.publisher.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "Failed to publish event", "type", e.Type, "identifier", e.Identifier, "error", err)
	}
}
