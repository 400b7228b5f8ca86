package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blaauwpipe/internal/cluster"
	"blaauwpipe/internal/config"
	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/index"
	"blaauwpipe/internal/match"
)

// Resources passed between steps.
const (
	ResourceRaw     = "raw"
	ResourceMasters = "masters"
	ResourceReduced = "reduced"
)

// Step is one stage of a night run. Steps declare the resources they need
// from earlier steps and the ones they make available to later steps.
type Step interface {
	Name() string
	Requires() []string
	Provides() []string
	Run(ctx context.Context, st *RunState) error
}

// RunState is shared by the steps of one night run.
type RunState struct {
	Night   time.Time
	Summary *Summary

	runner *Runner
	scan   *index.Night
}

// Scan returns the classified content of the night, scanning it on first use.
// Call Rescan after a step changed the Raw directory.
func (st *RunState) Scan() (index.Night, error) {
	if st.scan != nil {
		return *st.scan, nil
	}
	n, err := st.runner.index.Night(st.Night)
	if err != nil {
		return n, err
	}
	for _, e := range n.Errors {
		st.Summary.fail(e)
	}
	st.scan = &n
	return n, nil
}

// Rescan drops the cached scan.
func (st *RunState) Rescan() { st.scan = nil }

type backupStep struct{ r *Runner }

func (backupStep) Name() string       { return config.StepBackup }
func (backupStep) Requires() []string { return nil }
func (backupStep) Provides() []string { return []string{ResourceRaw} }

func (s backupStep) Run(ctx context.Context, st *RunState) error {
	if s.r.backup == nil {
		return nil
	}
	res, err := s.r.backup.Copy(ctx, st.Night)
	if err != nil {
		return err
	}
	st.Summary.Copied = len(res.Copied)
	if len(res.Copied) > 0 {
		st.Rescan()
	}
	return nil
}

type mastersStep struct{ r *Runner }

func (mastersStep) Name() string       { return config.StepMasters }
func (mastersStep) Requires() []string { return nil }
func (mastersStep) Provides() []string { return []string{ResourceMasters} }

func (s mastersStep) Run(ctx context.Context, st *RunState) error {
	n, err := st.Scan()
	if err != nil {
		return err
	}
	clusters := cluster.BuildAll(n.Raw, s.r.opts.Gap)
	byPath := make(map[string]frame.FrameCluster, len(clusters))
	for _, c := range clusters {
		byPath[s.r.builder.Path(st.Night, c)] = c
	}
	built, failures := s.r.builder.BuildNight(ctx, st.Night, clusters)
	for _, err := range failures {
		st.Summary.fail(err)
		var fe *frame.FrameError
		if !errors.Is(err, frame.ErrMissingMandatoryCalibration) || !errors.As(err, &fe) {
			continue
		}
		if c, ok := byPath[fe.Path]; ok {
			s.r.logMaster(ctx, st, c, fe.Path, frame.Ages{Bias: frame.AgeUnresolved})
		}
	}
	for _, m := range built {
		s.r.recordMaster(m)
		if !m.Ages.Zero() {
			s.r.logMaster(ctx, st, byPath[m.Path], m.Path, m.Ages)
		}
	}
	st.Summary.Masters += len(built)
	return ctx.Err()
}

type reduceStep struct{ r *Runner }

func (reduceStep) Name() string       { return config.StepReduce }
func (reduceStep) Requires() []string { return []string{ResourceMasters} }
func (reduceStep) Provides() []string { return []string{ResourceReduced} }

func (s reduceStep) Run(ctx context.Context, st *RunState) error {
	n, err := st.Scan()
	if err != nil {
		return err
	}
	// A fresh matcher sees the masters written by the masters step.
	matcher := match.New(s.r.index, s.r.opts.Radius)
	for _, l := range n.Lights {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.r.reduceLight(ctx, matcher, st, l)
	}
	return nil
}

// stepsByName returns the step implementations by name.
func (r *Runner) stepsByName() map[string]Step {
	return map[string]Step{
		config.StepBackup:  backupStep{r},
		config.StepMasters: mastersStep{r},
		config.StepReduce:  reduceStep{r},
	}
}

// ValidateSteps checks that every step is known, appears once and has its
// requirements provided by an earlier step.
func ValidateSteps(steps []Step) error {
	provided := make(map[string]bool)
	seen := make(map[string]bool)
	for _, s := range steps {
		if seen[s.Name()] {
			return fmt.Errorf("step %q listed twice", s.Name())
		}
		seen[s.Name()] = true
		for _, req := range s.Requires() {
			if !provided[req] {
				return fmt.Errorf("step %q requires %q from an earlier step", s.Name(), req)
			}
		}
		for _, p := range s.Provides() {
			provided[p] = true
		}
	}
	return nil
}

// Steps resolves and validates an ordered list of step names.
func (r *Runner) Steps(names []string) ([]Step, error) {
	known := r.stepsByName()
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		s, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown step %q", name)
		}
		steps = append(steps, s)
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}
