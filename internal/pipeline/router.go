package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blaauwpipe/internal/config"
	"blaauwpipe/internal/pending"
)

// nightRunner is the part of Runner the router needs.
type nightRunner interface {
	RunNight(ctx context.Context, night time.Time) (Summary, error)
	RunSteps(ctx context.Context, night time.Time, names []string) (Summary, error)
	RunPending(ctx context.Context, today time.Time) (pending.Report, error)
}

// router implements Processor and routes jobs to the runner.
type router struct {
	log    *slog.Logger
	runner nightRunner
	now    func() time.Time
}

// NewRouter returns the Processor that executes jobs with runner.
func NewRouter(runner nightRunner, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, runner: runner, now: time.Now}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobNight:
		return r.handleNight(ctx, job)
	case JobMasters:
		return r.handleMasters(ctx, job)
	case JobPending:
		return r.handlePending(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleNight(ctx context.Context, job Job) Result {
	if job.Night.IsZero() {
		return Result{Job: job, Error: fmt.Errorf("night job %s without a night", job.ID)}
	}
	sum, err := r.runner.RunNight(ctx, job.Night)
	return Result{Job: job, Error: err, Summary: &sum, Meta: summaryMeta(sum)}
}

func (r *router) handleMasters(ctx context.Context, job Job) Result {
	if job.Night.IsZero() {
		return Result{Job: job, Error: fmt.Errorf("masters job %s without a night", job.ID)}
	}
	sum, err := r.runner.RunSteps(ctx, job.Night, []string{config.StepMasters})
	return Result{Job: job, Error: err, Summary: &sum, Meta: summaryMeta(sum)}
}

func (r *router) handlePending(ctx context.Context, job Job) Result {
	today := job.Today
	if today.IsZero() {
		today = r.now()
	}
	rep, err := r.runner.RunPending(ctx, today)
	meta := map[string]any{
		"today":    today.Format(pending.DateLayout),
		"resolved": len(rep.Resolved),
		"expired":  len(rep.Expired),
		"logged":   len(rep.Logged),
		"kept":     rep.Kept,
		"errors":   rep.ErrorCount(),
	}
	return Result{Job: job, Error: err, Report: &rep, Meta: meta}
}

func summaryMeta(s Summary) map[string]any {
	return map[string]any{
		"copied":  s.Copied,
		"masters": s.Masters,
		"reduced": s.Reduced,
		"logged":  s.Logged,
		"errors":  s.ErrorCount(),
		"byKind":  s.ByKind(),
	}
}
