// Package master turns frame clusters into master calibration frames.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/match"
)

// Options tune a Builder.
type Options struct {
	Combiner Combiner
	// Timeout bounds a single cluster build. Zero disables it.
	Timeout time.Duration
	// Parallel limits concurrent builds of different keys.
	Parallel int
	// Radius is the search radius for the masters used to pre-correct
	// darks and flats.
	Radius int
}

// Builder writes one master per cluster into <night>/Correction. Builds of
// the same output path are deduplicated; different keys may run in parallel.
type Builder struct {
	layout   fsutil.Layout
	codec    frame.Codec
	src      match.MasterSource
	combiner Combiner
	timeout  time.Duration
	parallel int
	radius   int
	log      *slog.Logger
	flight   singleflight.Group
}

// NewBuilder creates a Builder. src lists existing masters and is used to find
// the bias and dark applied to dark and flat clusters.
func NewBuilder(layout fsutil.Layout, codec frame.Codec, src match.MasterSource, opts Options, logger *slog.Logger) *Builder {
	if opts.Combiner == nil {
		opts.Combiner = Median{}
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		layout:   layout,
		codec:    codec,
		src:      src,
		combiner: opts.Combiner,
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		radius:   opts.Radius,
		log:      logger,
	}
}

// Path returns where the master for c in night is written.
func (b *Builder) Path(night time.Time, c frame.FrameCluster) string {
	return filepath.Join(b.layout.Correction(night), frame.MasterName(c.Key, c.Index))
}

// requires lists the masters applied to a cluster before combining.
func requires(t frame.Type) []frame.Type {
	switch t {
	case frame.Dark:
		return []frame.Type{frame.Bias}
	case frame.Flat:
		return []frame.Type{frame.Bias, frame.Dark}
	}
	return nil
}

// Build combines one cluster. calib holds the matched masters for the types
// returned by requires and may be nil for bias clusters.
func (b *Builder) Build(ctx context.Context, night time.Time, c frame.FrameCluster, calib match.Result) (frame.MasterFrame, error) {
	path := b.Path(night, c)
	v, err, _ := b.flight.Do(path, func() (any, error) {
		return b.build(ctx, night, c, calib, path)
	})
	if err != nil {
		return frame.MasterFrame{}, err
	}
	return v.(frame.MasterFrame), nil
}

func (b *Builder) build(ctx context.Context, night time.Time, c frame.FrameCluster, calib match.Result, path string) (frame.MasterFrame, error) {
	if len(c.Frames) == 0 {
		return frame.MasterFrame{}, &frame.FrameError{Path: path, Err: frame.ErrInsufficientFrames}
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var bias, dark *frame.Image
	if c.Key.Type == frame.Dark || c.Key.Type == frame.Flat {
		m, ok := calib.Master(frame.Bias)
		if !ok {
			return frame.MasterFrame{}, &frame.FrameError{Path: path, Err: frame.ErrMissingMandatoryCalibration}
		}
		img, err := b.codec.Read(m.Path)
		if err != nil {
			return frame.MasterFrame{}, &frame.FrameError{Path: m.Path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
		}
		bias = img
	}
	if c.Key.Type == frame.Flat {
		if m, ok := calib.Master(frame.Dark); ok {
			img, err := b.codec.Read(m.Path)
			if err != nil {
				return frame.MasterFrame{}, &frame.FrameError{Path: m.Path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
			}
			dark = img
		}
	}

	var first *frame.Image
	planes := make([][]float64, 0, len(c.Frames))
	for _, f := range c.Frames {
		img, err := b.codec.Read(f.Path)
		if err != nil {
			return frame.MasterFrame{}, &frame.FrameError{Path: f.Path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
		}
		if first == nil {
			first = img
		} else if !first.SameShape(img) {
			return frame.MasterFrame{}, &frame.FrameError{Path: f.Path, Err: fmt.Errorf("%w: shape differs from %s", frame.ErrIO, c.Frames[0].Path)}
		}
		for _, cal := range []*frame.Image{bias, dark} {
			if cal != nil && !cal.SameShape(img) {
				return frame.MasterFrame{}, &frame.FrameError{Path: f.Path, Err: fmt.Errorf("%w: shape differs from master", frame.ErrIO)}
			}
		}
		planes = append(planes, prepare(c.Key.Type, img.Data, f.Exposure, bias, dark))
	}

	data, err := b.combiner.Combine(ctx, planes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return frame.MasterFrame{}, &frame.FrameError{Path: path, Err: fmt.Errorf("%w after %s", frame.ErrCombinationTimeout, b.timeout)}
		}
		return frame.MasterFrame{}, &frame.FrameError{Path: path, Err: err}
	}

	h := b.header(c, calib)
	if err := b.codec.Write(path, &frame.Image{Width: first.Width, Height: first.Height, Data: data, Header: h}); err != nil {
		return frame.MasterFrame{}, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
	}
	return frame.MasterFrame{
		Path:        path,
		Key:         c.Key,
		Cluster:     c.Index,
		Night:       frame.Date(night),
		Created:     c.Created,
		SourceCount: len(c.Frames),
		Sources:     c.Paths(),
		Ages:        CalibrationAges(c.Key.Type, calib),
	}, nil
}

// CalibrationAges returns the ages of the masters applied to a cluster of
// type t. A flat built without a dark counts the dark as 0, since the dark is
// optional for flats.
func CalibrationAges(t frame.Type, calib match.Result) frame.Ages {
	a := calib.Ages()
	if t == frame.Flat && a.Dark == frame.AgeUnresolved {
		a.Dark = 0
	}
	return a
}

// BuildCluster matches the masters c needs against what is on disk now and
// builds it. It is used to refresh a master once closer calibration exists.
func (b *Builder) BuildCluster(ctx context.Context, night time.Time, c frame.FrameCluster) (frame.MasterFrame, error) {
	return b.buildCluster(ctx, match.New(b.src, b.radius), night, c)
}

func (b *Builder) buildCluster(ctx context.Context, matcher *match.Matcher, night time.Time, c frame.FrameCluster) (frame.MasterFrame, error) {
	var calib match.Result
	if req := requires(c.Key.Type); len(req) > 0 {
		res, err := matcher.Match(ctx, match.Request{
			Night:   night,
			Binning: c.Key.Binning,
			Filter:  c.Key.Filter,
			Created: c.Created,
			Types:   req,
		})
		if err != nil {
			return frame.MasterFrame{}, &frame.FrameError{Path: b.Path(night, c), Err: err}
		}
		calib = res
	}
	return b.Build(ctx, night, c, calib)
}

// prepare returns the plane that enters the combination. Darks become a
// bias-subtracted rate per second. Flats are bias and dark corrected and
// normalised to their median.
func prepare(t frame.Type, data []float64, exposure float64, bias, dark *frame.Image) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	switch t {
	case frame.Dark:
		for i := range out {
			out[i] -= bias.Data[i]
			if exposure > 0 {
				out[i] /= exposure
			}
		}
	case frame.Flat:
		for i := range out {
			out[i] -= bias.Data[i]
			if dark != nil {
				out[i] -= dark.Data[i] * exposure
			}
		}
		if m := median(out); m != 0 {
			for i := range out {
				out[i] /= m
			}
		}
	}
	return out
}

func imageType(t frame.Type) string {
	switch t {
	case frame.Bias:
		return "Master Bias"
	case frame.Dark:
		return "Master Dark"
	default:
		return "Master Flat"
	}
}

func (b *Builder) header(c frame.FrameCluster, calib match.Result) frame.Header {
	var h frame.Header
	h.Set(frame.KeyImageType, imageType(c.Key.Type))
	var bx, by int
	if _, err := fmt.Sscanf(c.Key.Binning, "%dx%d", &bx, &by); err == nil {
		h.Set(frame.KeyXBinning, bx)
		h.Set(frame.KeyYBinning, by)
	}
	if c.Key.Filter != "" {
		h.Set(frame.KeyFilter, c.Key.Filter)
	}
	h.Set(frame.KeyDateObs, c.Created)
	if c.Key.Type == frame.Dark {
		h.Set(frame.KeyExposure, 1.0)
	}
	h.Set(frame.KeyCluster, c.Index)
	h.Set(frame.KeySourceCount, len(c.Frames))
	for i, f := range c.Frames {
		if i >= frame.MaxSourceCards {
			break
		}
		h.Set(frame.KeySource+strconv.Itoa(i+1), b.layout.Rel(f.Path))
	}
	for _, t := range requires(c.Key.Type) {
		m, ok := calib[t]
		if !ok || !m.Resolved() {
			continue
		}
		pathKey, ageKey, srcKey := frame.MasterKeys(t)
		h.Set(pathKey, b.layout.Rel(m.Master.Path))
		h.Set(ageKey, m.Age)
		h.Set(srcKey, m.Master.SourceCount)
	}
	return h
}

// BuildNight builds every cluster of a night in phases: biases, then darks,
// then flats, so that each phase sees the masters written by the previous
// one. A failing cluster is reported and does not stop the others.
func (b *Builder) BuildNight(ctx context.Context, night time.Time, clusters []frame.FrameCluster) ([]frame.MasterFrame, []error) {
	var (
		mu      sync.Mutex
		built   []frame.MasterFrame
		failure []error
	)
	for _, t := range frame.CalibrationTypes {
		var phase []frame.FrameCluster
		for _, c := range clusters {
			if c.Key.Type == t {
				phase = append(phase, c)
			}
		}
		if len(phase) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			failure = append(failure, err)
			break
		}
		matcher := match.New(b.src, b.radius)
		var g errgroup.Group
		g.SetLimit(b.parallel)
		for _, c := range phase {
			g.Go(func() error {
				m, err := b.buildCluster(ctx, matcher, night, c)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					b.log.Warn("master build failed", "key", c.Key.String(), "cluster", c.Index, "error", err)
					failure = append(failure, err)
					return nil
				}
				b.log.Info("master built", "path", m.Path, "sources", m.SourceCount)
				built = append(built, m)
				return nil
			})
		}
		_ = g.Wait()
	}
	sort.Slice(built, func(i, j int) bool { return built[i].Path < built[j].Path })
	return built, failure
}
