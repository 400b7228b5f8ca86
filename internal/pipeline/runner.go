package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blaauwpipe/internal/backup"
	"blaauwpipe/internal/cluster"
	"blaauwpipe/internal/config"
	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/index"
	"blaauwpipe/internal/logging"
	"blaauwpipe/internal/master"
	"blaauwpipe/internal/match"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/reduce"
	"blaauwpipe/internal/storage"
)

// Failure kinds reported in run summaries.
const (
	KindMissingCalibration = "MissingMandatoryCalibration"
	KindInsufficientFrames = "InsufficientFrames"
	KindIO                 = "IOError"
	KindLedgerCorruption   = "LedgerCorruption"
	KindCombinationTimeout = "CombinationTimeout"
	KindLockUnavailable    = "LockUnavailable"
	KindOther              = "Other"
)

// Kind classifies an error for summaries and the run history.
func Kind(err error) string {
	switch {
	case errors.Is(err, frame.ErrMissingMandatoryCalibration):
		return KindMissingCalibration
	case errors.Is(err, frame.ErrInsufficientFrames):
		return KindInsufficientFrames
	case errors.Is(err, frame.ErrCombinationTimeout):
		return KindCombinationTimeout
	case errors.Is(err, pending.ErrLedgerCorruption):
		return KindLedgerCorruption
	case errors.Is(err, pending.ErrLockUnavailable):
		return KindLockUnavailable
	case errors.Is(err, frame.ErrIO):
		return KindIO
	default:
		return KindOther
	}
}

// Failure is one isolated error of a run.
type Failure struct {
	Kind    string
	Subject string
	Err     error
}

// Summary is the outcome of a night run.
type Summary struct {
	Night    time.Time
	Copied   int
	Masters  int
	Reduced  int
	Logged   int
	Failures []Failure
}

// ErrorCount is the number of isolated failures.
func (s Summary) ErrorCount() int { return len(s.Failures) }

// ByKind counts failures per kind.
func (s Summary) ByKind() map[string]int {
	out := make(map[string]int)
	for _, f := range s.Failures {
		out[f.Kind]++
	}
	return out
}

func (s *Summary) fail(err error) {
	f := Failure{Kind: Kind(err), Err: err}
	var fe *frame.FrameError
	if errors.As(err, &fe) {
		f.Subject = fe.Path
	}
	s.Failures = append(s.Failures, f)
}

// Options configure a Runner.
type Options struct {
	Steps  []string
	Gap    time.Duration
	Radius int
	Types  []frame.Type
}

// Runner executes night runs and pending passes against one data root.
type Runner struct {
	layout  fsutil.Layout
	index   *index.Index
	backup  *backup.Copier
	builder *master.Builder
	engine  *reduce.Engine
	ledger  *pending.Ledger
	store   *storage.Store
	opts    Options
	log     *slog.Logger
}

// NewRunner wires the components of a pipeline from the configuration. store
// may be nil.
func NewRunner(cfg *config.Config, codec frame.Codec, store *storage.Store, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	combiner, err := master.NewCombiner(cfg.Masters.Combine)
	if err != nil {
		return nil, err
	}
	types := make([]frame.Type, 0, len(cfg.Matching.Types))
	for _, name := range cfg.Matching.Types {
		types = append(types, frame.Type(name))
	}

	layout := fsutil.NewLayout(cfg.Paths.Root, cfg.Paths.DateLayout)
	idx := index.New(layout, codec, logger.With("component", "index"))
	r := &Runner{
		layout: layout,
		index:  idx,
		backup: backup.New(cfg.Paths.Telescope, layout, logger.With("component", "backup")),
		builder: master.NewBuilder(layout, codec, idx, master.Options{
			Combiner: combiner,
			Timeout:  cfg.Masters.Timeout,
			Parallel: cfg.Masters.Parallel,
			Radius:   cfg.Matching.SearchRadiusDays,
		}, logger.With("component", "masters")),
		engine: reduce.New(layout, codec, reduce.Options{
			RequireDark: cfg.Matching.RequireDark,
			RequireFlat: cfg.Matching.RequireFlat,
			Telescope:   cfg.Paths.Telescope,
		}, logger.With("component", "reduce")),
		ledger: pending.Open(cfg.Ledger.Path, pending.LockOptions{
			Retries: cfg.Ledger.LockRetries,
			Backoff: cfg.Ledger.LockBackoff,
		}),
		store: store,
		opts: Options{
			Steps:  cfg.Pipeline.Steps,
			Gap:    cfg.Clustering.Gap,
			Radius: cfg.Matching.SearchRadiusDays,
			Types:  types,
		},
		log: logger,
	}
	if _, err := r.Steps(r.opts.Steps); err != nil {
		return nil, err
	}
	return r, nil
}

// Layout returns the directory layout of the data root.
func (r *Runner) Layout() fsutil.Layout { return r.layout }

// Ledger returns the pending ledger.
func (r *Runner) Ledger() *pending.Ledger { return r.ledger }

// RunNight executes the configured steps for a night.
func (r *Runner) RunNight(ctx context.Context, night time.Time) (Summary, error) {
	return r.RunSteps(ctx, night, r.opts.Steps)
}

// RunSteps executes the named steps in order. Per-frame and per-cluster
// failures are collected in the summary; the returned error is reserved for
// invalid step lists, unreadable night directories and cancellation.
func (r *Runner) RunSteps(ctx context.Context, night time.Time, names []string) (Summary, error) {
	night = frame.Date(night)
	sum := Summary{Night: night}
	steps, err := r.Steps(names)
	if err != nil {
		return sum, err
	}
	st := &RunState{Night: night, Summary: &sum, runner: r}
	for _, s := range steps {
		start := time.Now()
		logging.LogProcessingStep(r.log, r.layout.NightName(night), s.Name(), "started", nil)
		if err := s.Run(ctx, st); err != nil {
			logging.LogProcessingStep(r.log, r.layout.NightName(night), s.Name(), "failed", map[string]any{"error": err.Error()})
			return sum, fmt.Errorf("step %s: %w", s.Name(), err)
		}
		logging.LogProcessingStep(r.log, r.layout.NightName(night), s.Name(), "completed", map[string]any{
			"duration": time.Since(start).String(),
			"errors":   sum.ErrorCount(),
		})
	}
	r.log.Info("night run complete",
		"night", r.layout.NightName(night),
		"masters", sum.Masters,
		"reduced", sum.Reduced,
		"logged", sum.Logged,
		"errors", sum.ErrorCount())
	return sum, nil
}

// RunPending runs one pass over the pending ledger.
func (r *Runner) RunPending(ctx context.Context, today time.Time) (pending.Report, error) {
	return pending.NewPass(r.ledger, r, r.log.With("component", "pending")).Run(ctx, today)
}

// Reprocess re-matches and re-reduces the frame behind a ledger entry, or
// rebuilds the master behind a dark or flat entry. It implements
// pending.Reprocessor.
func (r *Runner) Reprocess(ctx context.Context, e pending.Entry) (pending.Outcome, error) {
	if e.IsMaster() {
		return r.rebuildMaster(ctx, e)
	}
	light, err := r.index.Light(e.Raw)
	if err != nil {
		return pending.Outcome{}, err
	}
	matcher := match.New(r.index, r.opts.Radius)
	res, err := matcher.Match(ctx, match.ForLight(e.Night, light, r.opts.Types))
	if err != nil {
		return pending.Outcome{}, err
	}
	out, err := r.engine.Reduce(ctx, e.Night, light, res)
	if err != nil {
		return pending.Outcome{}, err
	}
	r.recordReduction(e.Night, out)
	return pending.Outcome{
		Ages:    out.Ages,
		Expires: pending.Expiration(e.Night, res.MaxOffset(), res.Unresolved(), r.opts.Radius),
	}, nil
}

// rebuildMaster rebuilds the master of a logged dark or flat entry from its
// night's raw frames with the calibration available now.
func (r *Runner) rebuildMaster(ctx context.Context, e pending.Entry) (pending.Outcome, error) {
	n, err := r.index.Night(e.Night)
	if err != nil {
		return pending.Outcome{}, err
	}
	for _, c := range cluster.BuildAll(n.Raw, r.opts.Gap) {
		if c.Key.Type != e.Kind || r.builder.Path(e.Night, c) != e.Frame {
			continue
		}
		m, err := r.builder.BuildCluster(ctx, e.Night, c)
		if err != nil {
			return pending.Outcome{}, err
		}
		r.recordMaster(m)
		return pending.Outcome{
			Ages:    m.Ages,
			Expires: pending.Expiration(e.Night, m.Ages.Max(), m.Ages.Unresolved(), r.opts.Radius),
		}, nil
	}
	return pending.Outcome{}, &frame.FrameError{Path: e.Frame, Err: fmt.Errorf("%w: source cluster no longer present", frame.ErrIO)}
}

// logMaster appends a ledger entry for a dark or flat master whose bias or
// dark came from another night or was missing.
func (r *Runner) logMaster(ctx context.Context, st *RunState, c frame.FrameCluster, path string, ages frame.Ages) {
	expires := pending.Expiration(st.Night, ages.Max(), ages.Unresolved(), r.opts.Radius)
	r.appendPending(ctx, st, pending.NewMasterEntry(st.Night, c, path, ages, expires))
}

// reduceLight matches and reduces one light frame and logs it in the ledger
// when any master is not from the frame's own night.
func (r *Runner) reduceLight(ctx context.Context, matcher *match.Matcher, st *RunState, l frame.LightFrame) {
	res, err := matcher.Match(ctx, match.ForLight(st.Night, l, r.opts.Types))
	if err != nil {
		st.Summary.fail(&frame.FrameError{Path: l.Path, Err: err})
		return
	}
	out, err := r.engine.Reduce(ctx, st.Night, l, res)
	if err != nil {
		st.Summary.fail(err)
		if errors.Is(err, frame.ErrMissingMandatoryCalibration) {
			e := pending.Entry{
				Night:   st.Night,
				Kind:    frame.Light,
				Frame:   r.engine.OutputPath(st.Night, l),
				Raw:     l.Path,
				Created: l.Created,
				Binning: l.Binning,
				Filter:  l.Filter,
				Ages:    res.Ages(),
				Expires: pending.Expiration(st.Night, res.MaxOffset(), true, r.opts.Radius),
			}
			r.log.Warn("light frame not reduced, logged for a later pass", "raw", l.Path, "error", err)
			r.appendPending(ctx, st, e)
		}
		return
	}
	st.Summary.Reduced++
	r.recordReduction(st.Night, out)
	if out.Ages.Zero() {
		return
	}
	expires := pending.Expiration(st.Night, res.MaxOffset(), res.Unresolved(), r.opts.Radius)
	r.appendPending(ctx, st, pending.NewEntry(st.Night, out, expires))
}

func (r *Runner) appendPending(ctx context.Context, st *RunState, e pending.Entry) {
	corrupt, err := r.ledger.Append(ctx, e)
	for _, c := range corrupt {
		st.Summary.fail(c)
	}
	if err != nil {
		st.Summary.fail(&frame.FrameError{Path: e.Frame, Err: err})
		return
	}
	st.Summary.Logged++
}

func (r *Runner) recordMaster(m frame.MasterFrame) {
	err := r.store.RecordMaster(storage.MasterRecord{
		Path:    m.Path,
		Type:    string(m.Key.Type),
		Binning: m.Key.Binning,
		Filter:  m.Key.Filter,
		Cluster: m.Cluster,
		Night:   r.layout.NightName(m.Night),
		Sources: m.SourceCount,
		Created: m.Created,
	})
	if err != nil {
		r.log.Warn("failed to record master", "path", m.Path, "error", err)
	}
}

func (r *Runner) recordReduction(night time.Time, out frame.ReducedFrame) {
	rec := storage.ReductionRecord{
		ReducedPath: out.Output,
		RawPath:     out.Path,
		Night:       r.layout.NightName(night),
		BiasAge:     out.Ages.Bias,
		DarkAge:     out.Ages.Dark,
		FlatAge:     out.Ages.Flat,
	}
	if m, ok := out.Masters[frame.Bias]; ok {
		rec.BiasMaster = m.Path
	}
	if m, ok := out.Masters[frame.Dark]; ok {
		rec.DarkMaster = m.Path
	}
	if m, ok := out.Masters[frame.Flat]; ok {
		rec.FlatMaster = m.Path
	}
	if err := r.store.RecordReduction(rec); err != nil {
		r.log.Warn("failed to record reduction", "output", out.Output, "error", err)
	}
}
