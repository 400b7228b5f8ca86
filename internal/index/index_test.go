package index

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/frame/frametest"
	"blaauwpipe/internal/fsutil"
)

func TestNightClassifiesFrames(t *testing.T) {
	root := t.TempDir()
	layout := fsutil.NewLayout(root, "")
	codec := frametest.NewCodec()
	night := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	dusk := night.Add(18 * time.Hour)
	raw := layout.Raw(night)

	frametest.Write(t, codec, filepath.Join(raw, "bias_001.fits"), frametest.Spec{Type: frame.Bias, Binning: 3, Created: dusk})
	frametest.Write(t, codec, filepath.Join(raw, "dark_001.fits"), frametest.Spec{Type: frame.Dark, Filter: "V", Created: dusk, Exposure: 30})
	frametest.Write(t, codec, filepath.Join(raw, "flat_001.fits"), frametest.Spec{Type: frame.Flat, Filter: "H-alpha", Created: dusk})
	frametest.Write(t, codec, filepath.Join(raw, "light_001.fits"), frametest.Spec{Type: frame.Light, Filter: "V", Created: dusk.Add(2 * time.Hour), Exposure: 60})
	if err := os.WriteFile(filepath.Join(raw, "broken.fits"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	x := New(layout, codec, nil)
	n, err := x.Night(night)
	if err != nil {
		t.Fatalf("night: %v", err)
	}
	if len(n.Raw) != 3 || len(n.Lights) != 1 {
		t.Fatalf("expected 3 raw and 1 light, got %d and %d", len(n.Raw), len(n.Lights))
	}
	if len(n.Errors) != 1 || !errors.Is(n.Errors[0], frame.ErrIO) {
		t.Fatalf("expected one io error, got %v", n.Errors)
	}
	byType := map[frame.Type]frame.RawFrame{}
	for _, f := range n.Raw {
		byType[f.Type] = f
	}
	if byType[frame.Bias].Binning != "3x3" {
		t.Fatalf("unexpected bias binning %s", byType[frame.Bias].Binning)
	}
	if byType[frame.Dark].Filter != "" {
		t.Fatalf("dark frames must not carry a filter")
	}
	if byType[frame.Flat].Filter != "H-alpha" {
		t.Fatalf("unexpected flat filter %q", byType[frame.Flat].Filter)
	}
	if l := n.Lights[0]; l.Exposure != 60 || l.Status != frame.StatusRaw {
		t.Fatalf("unexpected light %+v", l)
	}
}

func TestMissingNeighborIsEmpty(t *testing.T) {
	x := New(fsutil.NewLayout(t.TempDir(), ""), frametest.NewCodec(), nil)
	n, err := x.Neighbor(time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), -3)
	if err != nil {
		t.Fatalf("missing neighbor must not fail: %v", err)
	}
	if !n.Empty() || !n.Date.Equal(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected neighbor %+v", n)
	}
}

func TestMastersReadsProvenance(t *testing.T) {
	root := t.TempDir()
	layout := fsutil.NewLayout(root, "")
	codec := frametest.NewCodec()
	night := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	created := night.Add(19 * time.Hour)

	var h frame.Header
	h.Set(frame.KeyDateObs, created)
	h.Set(frame.KeySourceCount, 2)
	h.Set(frame.KeySource+"1", "210304/Raw/flat_1.fits")
	h.Set(frame.KeySource+"2", "210304/Raw/flat_2.fits")
	path := filepath.Join(layout.Correction(night), "master_flat1x1H-alphaC2.fits")
	if err := codec.Write(path, &frame.Image{Width: 1, Height: 1, Data: []float64{1}, Header: h}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layout.Correction(night), "notes.fits"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	masters, err := New(layout, codec, nil).Masters(night)
	if err != nil {
		t.Fatalf("masters: %v", err)
	}
	if len(masters) != 1 {
		t.Fatalf("expected one master, got %d", len(masters))
	}
	m := masters[0]
	if m.Key != frame.NewKey(frame.Flat, "1x1", "H-alpha") || m.Cluster != 2 {
		t.Fatalf("unexpected master %+v", m)
	}
	if !m.Created.Equal(created) || m.SourceCount != 2 {
		t.Fatalf("unexpected provenance %+v", m)
	}
	if m.Sources[1] != filepath.Join(root, "210304", "Raw", "flat_2.fits") {
		t.Fatalf("unexpected source path %s", m.Sources[1])
	}
}

func TestBadMastersAreReported(t *testing.T) {
	layout := fsutil.NewLayout(t.TempDir(), "")
	codec := frametest.NewCodec()
	night := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)
	dir := layout.Correction(night)

	var undated frame.Header
	undated.Set(frame.KeySourceCount, 1)
	if err := codec.Write(filepath.Join(dir, "master_dark1x1C1.fits"), &frame.Image{Width: 1, Height: 1, Data: []float64{2}, Header: undated}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "master_bias1x1C1.fits"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	x := New(layout, codec, nil)
	masters, bad, err := x.ScanMasters(night)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(masters) != 0 || len(bad) != 2 {
		t.Fatalf("expected two bad masters, got %+v %v", masters, bad)
	}
	for _, e := range bad {
		var fe *frame.FrameError
		if !errors.As(e, &fe) || !errors.Is(e, frame.ErrIO) || filepath.Dir(fe.Path) != dir {
			t.Fatalf("unexpected error %v", e)
		}
	}

	n, err := x.Night(night)
	if err != nil {
		t.Fatalf("night: %v", err)
	}
	if len(n.Errors) != 2 {
		t.Fatalf("night scan must carry the bad masters, got %v", n.Errors)
	}
	if ms, err := x.Masters(night); err != nil || len(ms) != 0 {
		t.Fatalf("masters: %+v %v", ms, err)
	}
}
