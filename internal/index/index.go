// Package index scans night directories and classifies the frames it finds.
package index

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
)

// Night is the classified content of one night directory.
type Night struct {
	Date   time.Time
	Dir    string
	Raw    []frame.RawFrame
	Lights []frame.LightFrame
	// Skipped lists files with an unknown IMAGETYP.
	Skipped []string
	// Errors holds one *frame.FrameError per unreadable raw frame or
	// master.
	Errors []error
}

// Empty reports whether the night holds no usable frames.
func (n Night) Empty() bool {
	return len(n.Raw) == 0 && len(n.Lights) == 0
}

// Index reads night directories through a codec. It never writes.
type Index struct {
	layout fsutil.Layout
	codec  frame.Codec
	log    *slog.Logger
}

// New creates an Index.
func New(layout fsutil.Layout, codec frame.Codec, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{layout: layout, codec: codec, log: logger}
}

// Layout returns the directory layout the index reads from.
func (x *Index) Layout() fsutil.Layout { return x.layout }

// Night scans <root>/<night>/Raw. A missing directory yields an empty Night.
func (x *Index) Night(night time.Time) (Night, error) {
	night = frame.Date(night)
	n := Night{Date: night, Dir: x.layout.NightDir(night)}
	files, err := fsutil.ListFITS(x.layout.Raw(night))
	if err != nil {
		return n, fmt.Errorf("scan %s: %w", n.Dir, err)
	}
	for _, path := range files {
		h, err := x.codec.ReadHeader(path)
		if err != nil {
			n.Errors = append(n.Errors, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)})
			continue
		}
		t, ok := frame.ParseType(h.String(frame.KeyImageType))
		if !ok {
			n.Skipped = append(n.Skipped, path)
			continue
		}
		created, ok := h.Time(frame.KeyDateObs)
		if !ok {
			n.Errors = append(n.Errors, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: missing %s", frame.ErrIO, frame.KeyDateObs)})
			continue
		}
		exposure, _ := h.Float(frame.KeyExposure)
		binning := Binning(h)
		filter := h.String(frame.KeyFilter)
		if t == frame.Light {
			status := frame.StatusRaw
			if _, err := os.Stat(x.layout.ReducedPath(night, path)); err == nil {
				status = frame.StatusReduced
			}
			n.Lights = append(n.Lights, frame.LightFrame{
				Path:     path,
				Binning:  binning,
				Filter:   filter,
				Created:  created,
				Exposure: exposure,
				Status:   status,
			})
			continue
		}
		if t != frame.Flat {
			filter = ""
		}
		n.Raw = append(n.Raw, frame.RawFrame{
			Path:     path,
			Type:     t,
			Binning:  binning,
			Filter:   filter,
			Created:  created,
			Exposure: exposure,
		})
	}
	if _, bad, err := x.ScanMasters(night); err != nil {
		n.Errors = append(n.Errors, &frame.FrameError{Path: x.layout.Correction(night), Err: fmt.Errorf("%w: %v", frame.ErrIO, err)})
	} else {
		n.Errors = append(n.Errors, bad...)
	}
	if len(n.Errors) > 0 || len(n.Skipped) > 0 {
		x.log.Warn("night scan incomplete", "night", x.layout.NightName(night), "errors", len(n.Errors), "skipped", len(n.Skipped))
	}
	return n, nil
}

// Neighbor scans the night offset days away from night.
func (x *Index) Neighbor(night time.Time, offset int) (Night, error) {
	return x.Night(frame.Date(night).AddDate(0, 0, offset))
}

// Light re-reads a single light frame.
func (x *Index) Light(path string) (frame.LightFrame, error) {
	h, err := x.codec.ReadHeader(path)
	if err != nil {
		return frame.LightFrame{}, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: %v", frame.ErrIO, err)}
	}
	if t, ok := frame.ParseType(h.String(frame.KeyImageType)); !ok || t != frame.Light {
		return frame.LightFrame{}, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: not a light frame", frame.ErrIO)}
	}
	created, ok := h.Time(frame.KeyDateObs)
	if !ok {
		return frame.LightFrame{}, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: missing %s", frame.ErrIO, frame.KeyDateObs)}
	}
	exposure, _ := h.Float(frame.KeyExposure)
	return frame.LightFrame{
		Path:     path,
		Binning:  Binning(h),
		Filter:   h.String(frame.KeyFilter),
		Created:  created,
		Exposure: exposure,
		Status:   frame.StatusRaw,
	}, nil
}

// Masters lists the master frames stored in <root>/<night>/Correction. It
// implements match.MasterSource; masters ScanMasters reports as bad are
// logged and skipped.
func (x *Index) Masters(night time.Time) ([]frame.MasterFrame, error) {
	masters, bad, err := x.ScanMasters(night)
	for _, e := range bad {
		x.log.Warn("master skipped", "error", e)
	}
	return masters, err
}

// ScanMasters lists the master frames of a night. Masters whose header cannot
// be read or lacks a timestamp are returned as *frame.FrameError values.
// Files without a master name are ignored.
func (x *Index) ScanMasters(night time.Time) ([]frame.MasterFrame, []error, error) {
	night = frame.Date(night)
	files, err := fsutil.ListFITS(x.layout.Correction(night))
	if err != nil {
		return nil, nil, fmt.Errorf("scan masters %s: %w", x.layout.NightName(night), err)
	}
	var (
		masters []frame.MasterFrame
		bad     []error
	)
	for _, path := range files {
		key, cluster, err := frame.ParseMasterName(filepath.Base(path))
		if err != nil {
			continue
		}
		h, err := x.codec.ReadHeader(path)
		if err != nil {
			bad = append(bad, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: unreadable master: %v", frame.ErrIO, err)})
			continue
		}
		created, ok := h.Time(frame.KeyDateObs)
		if !ok {
			bad = append(bad, &frame.FrameError{Path: path, Err: fmt.Errorf("%w: master without %s", frame.ErrIO, frame.KeyDateObs)})
			continue
		}
		n, _ := h.Int(frame.KeySourceCount)
		var sources []string
		for i := 1; i <= n && i <= frame.MaxSourceCards; i++ {
			if s := h.String(frame.KeySource + strconv.Itoa(i)); s != "" {
				sources = append(sources, x.layout.Abs(s))
			}
		}
		masters = append(masters, frame.MasterFrame{
			Path:        path,
			Key:         key,
			Cluster:     cluster,
			Night:       night,
			Created:     created,
			SourceCount: n,
			Sources:     sources,
		})
	}
	return masters, bad, nil
}

// Binning formats the XBINNING/YBINNING pair as "XxY", defaulting to 1.
func Binning(h frame.Header) string {
	bx, ok := h.Int(frame.KeyXBinning)
	if !ok || bx < 1 {
		bx = 1
	}
	by, ok := h.Int(frame.KeyYBinning)
	if !ok || by < 1 {
		by = bx
	}
	return fmt.Sprintf("%dx%d", bx, by)
}
