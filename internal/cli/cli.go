package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"blaauwpipe/internal/config"
	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/pipeline"
	"blaauwpipe/internal/server"
	"blaauwpipe/internal/storage"
	"blaauwpipe/internal/watch"
)

// Version is the version reported by the version command.
var Version = "0.1.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, ledger server.LedgerReader, layout fsutil.Layout, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, ledger server.LedgerReader, layout fsutil.Layout, log *slog.Logger) error {
	return server.Serve(ctx, addr, store, pipe, ledger, layout, log)
}

type watchFunc func(ctx context.Context, layout fsutil.Layout, debounce time.Duration, trigger watch.Trigger, log *slog.Logger) error

func defaultWatch(ctx context.Context, layout fsutil.Layout, debounce time.Duration, trigger watch.Trigger, log *slog.Logger) error {
	return watch.New(layout, debounce, trigger, log).Run(ctx)
}

// Root holds what the commands share.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	store    *storage.Store
	ledger   server.LedgerReader
	layout   fsutil.Layout
	out      io.Writer
	serve    serverFunc
	watch    watchFunc
	now      func() time.Time
}

// NewRoot creates the command root. cfgPath is the file the configuration
// was loaded from and is only used for display.
func NewRoot(pl pipelineClient, cfg *config.Config, cfgPath string, logger *slog.Logger, store *storage.Store, ledger server.LedgerReader) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      logger,
		store:    store,
		ledger:   ledger,
		layout:   fsutil.NewLayout(cfg.Paths.Root, cfg.Paths.DateLayout),
		out:      os.Stdout,
		serve:    defaultServe,
		watch:    defaultWatch,
		now:      time.Now,
	}
}

func (r *Root) parseNight(arg string) (time.Time, error) {
	night, err := r.layout.ParseNight(arg)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid night (expected layout %s): %w", r.layout.DateLayout, err)
	}
	return night, nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "night", job.Night.Format("2006-01-02"))
	return nil
}

func (r *Root) printSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}
	fmt.Fprintf(r.out, "night %s: %d copied, %d masters, %d reduced, %d logged, %d errors\n",
		r.layout.NightName(s.Night), s.Copied, s.Masters, s.Reduced, s.Logged, s.ErrorCount())
	for _, f := range s.Failures {
		fmt.Fprintf(r.out, "  %s %s: %v\n", f.Kind, f.Subject, f.Err)
	}
}

func (r *Root) printReport(rep *pending.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintf(r.out, "pending: %d resolved, %d expired, %d logged, %d kept, %d errors\n",
		len(rep.Resolved), len(rep.Expired), len(rep.Logged), rep.Kept, rep.ErrorCount())
	for _, err := range rep.Corrupt {
		fmt.Fprintf(r.out, "  %s: %v\n", pipeline.KindLedgerCorruption, err)
	}
	for _, err := range rep.Errors {
		fmt.Fprintf(r.out, "  %s: %v\n", pipeline.Kind(err), err)
	}
}
