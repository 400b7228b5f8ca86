// Package reduce applies matched master frames to light frames.
package reduce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/match"
)

// Options select which calibrations are mandatory besides bias.
type Options struct {
	RequireDark bool
	RequireFlat bool
	// Telescope is the telescope-side root the raw frames were copied from.
	// When set, reduced headers record the original location as KW-TRAW.
	Telescope string
}

type cachedImage struct {
	modTime time.Time
	size    int64
	img     *frame.Image
}

// Engine reduces light frames into <night>/Reduced. It never touches the
// pending ledger; callers decide what to do with the resulting ages.
type Engine struct {
	layout fsutil.Layout
	codec  frame.Codec
	opts   Options
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedImage
}

// New creates an Engine.
func New(layout fsutil.Layout, codec frame.Codec, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{layout: layout, codec: codec, opts: opts, log: logger, cache: make(map[string]cachedImage)}
}

// OutputPath returns the stable reduced path of a raw light frame.
func (e *Engine) OutputPath(night time.Time, light frame.LightFrame) string {
	return e.layout.ReducedPath(night, light.Path)
}

func (e *Engine) required(t frame.Type) bool {
	switch t {
	case frame.Bias:
		return true
	case frame.Dark:
		return e.opts.RequireDark
	case frame.Flat:
		return e.opts.RequireFlat
	}
	return false
}

// master loads a master image, reusing the cached copy while the file on disk
// is unchanged.
func (e *Engine) master(path string) (*frame.Image, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	c, ok := e.cache[path]
	e.mu.Unlock()
	if ok && c.modTime.Equal(st.ModTime()) && c.size == st.Size() {
		return c.img, nil
	}
	img, err := e.codec.Read(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[path] = cachedImage{modTime: st.ModTime(), size: st.Size(), img: img}
	e.mu.Unlock()
	return img, nil
}

// Reduce calibrates light with the masters in res and writes the result,
// replacing any earlier reduction of the same frame.
func (e *Engine) Reduce(ctx context.Context, night time.Time, light frame.LightFrame, res match.Result) (frame.ReducedFrame, error) {
	out := e.OutputPath(night, light)
	for _, t := range frame.CalibrationTypes {
		m, requested := res[t]
		if requested && !m.Resolved() && e.required(t) {
			return frame.ReducedFrame{}, &frame.FrameError{Path: light.Path, Err: fmt.Errorf("%w: no %s master", frame.ErrMissingMandatoryCalibration, t)}
		}
		if t == frame.Bias && !requested {
			return frame.ReducedFrame{}, &frame.FrameError{Path: light.Path, Err: fmt.Errorf("%w: bias not requested", frame.ErrMissingMandatoryCalibration)}
		}
	}
	if err := ctx.Err(); err != nil {
		return frame.ReducedFrame{}, err
	}

	img, err := e.codec.Read(light.Path)
	if err != nil {
		return frame.ReducedFrame{}, &frame.FrameError{Path: light.Path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
	}

	masters := make(map[frame.Type]frame.MasterFrame)
	images := make(map[frame.Type]*frame.Image)
	for _, t := range frame.CalibrationTypes {
		m, ok := res.Master(t)
		if !ok {
			continue
		}
		mi, err := e.master(m.Path)
		if err != nil {
			return frame.ReducedFrame{}, &frame.FrameError{Path: m.Path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
		}
		if !img.SameShape(mi) {
			return frame.ReducedFrame{}, &frame.FrameError{Path: light.Path, Err: fmt.Errorf("%w: shape %dx%d does not match %s", frame.ErrIO, img.Width, img.Height, m.Path)}
		}
		masters[t] = *m
		images[t] = mi
	}

	data := Apply(img.Data, light.Exposure, images[frame.Bias], images[frame.Dark], images[frame.Flat])

	ages := res.Ages()
	h := img.Header.Clone()
	if e.opts.Telescope != "" {
		h.Set(frame.KeyTelescopeRaw, filepath.Join(e.opts.Telescope, e.layout.NightName(night), filepath.Base(light.Path)))
	}
	h.Set(frame.KeyPipelineRaw, e.layout.Rel(light.Path))
	h.Set(frame.KeyReduced, e.layout.Rel(out))
	for _, t := range frame.CalibrationTypes {
		pathKey, ageKey, srcKey := frame.MasterKeys(t)
		m, ok := masters[t]
		if !ok {
			h.Delete(pathKey)
			h.Delete(ageKey)
			h.Delete(srcKey)
			continue
		}
		h.Set(pathKey, e.layout.Rel(m.Path))
		h.Set(ageKey, ages.Get(t))
		h.Set(srcKey, m.SourceCount)
	}

	if err := e.codec.Write(out, &frame.Image{Width: img.Width, Height: img.Height, Data: data, Header: h}); err != nil {
		return frame.ReducedFrame{}, &frame.FrameError{Path: out, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
	}
	e.log.Debug("frame reduced", "raw", light.Path, "output", out, "bias_age", ages.Bias, "dark_age", ages.Dark, "flat_age", ages.Flat)

	reduced := light
	reduced.Status = frame.StatusReduced
	return frame.ReducedFrame{LightFrame: reduced, Output: out, Masters: masters, Ages: ages}, nil
}

// Apply computes (light - bias - darkRate*exposure) / flat per pixel. Any of
// the masters may be nil. Non-positive flat pixels are treated as 1.
func Apply(light []float64, exposure float64, bias, dark, flat *frame.Image) []float64 {
	out := make([]float64, len(light))
	for i, v := range light {
		if bias != nil {
			v -= bias.Data[i]
		}
		if dark != nil {
			v -= dark.Data[i] * exposure
		}
		if flat != nil && flat.Data[i] > 0 {
			v /= flat.Data[i]
		}
		out[i] = v
	}
	return out
}
