package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blaauwpipe/internal/config"
	"blaauwpipe/internal/fitsfile"
	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/frame/frametest"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/storage"
)

var nightN = time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)

func day(offset int) time.Time { return nightN.AddDate(0, 0, offset) }

type fixture struct {
	runner *Runner
	codec  frame.Codec
	stub   *frametest.Codec
	store  *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stub := frametest.NewCodec()
	f := newFixtureWith(t, stub)
	f.stub = stub
	return f
}

func newFixtureWith(t *testing.T, codec frame.Codec) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Root = root
	cfg.Ledger.Path = filepath.Join(root, "pending_log.csv")
	cfg.Matching.SearchRadiusDays = 30
	cfg.Logging.FileOutput = false

	store, err := storage.New(filepath.Join(root, "blaauwpipe.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r, err := NewRunner(cfg, codec, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return &fixture{runner: r, codec: codec, store: store}
}

// raw writes count frames of one type into the Raw directory of a night, ten
// minutes apart starting at hour (UTC) on that date.
func (f *fixture) raw(t *testing.T, offset int, typ frame.Type, filter string, hour, count int, exposure, value float64) {
	t.Helper()
	night := day(offset)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s%s_%02d.fits", typ, filter, i)
		frametest.Write(t, f.codec, filepath.Join(f.runner.Layout().Raw(night), name), frametest.Spec{
			Type:     typ,
			Filter:   filter,
			Created:  night.Add(time.Duration(hour)*time.Hour + time.Duration(i)*10*time.Minute),
			Exposure: exposure,
			Value:    value,
		})
	}
}

// calibrations writes biases at 100 ADU, darks accumulating 2 ADU/s and V
// flats at 1000 ADU above bias and dark.
func (f *fixture) calibrations(t *testing.T, offset int, dark, flat bool) {
	f.raw(t, offset, frame.Bias, "", 18, 3, 0, 100)
	if dark {
		f.raw(t, offset, frame.Dark, "", 19, 3, 10, 120)
	}
	if flat {
		f.raw(t, offset, frame.Flat, "V", 20, 3, 1, 1102)
	}
}

func (f *fixture) light(t *testing.T, offset int) string {
	f.raw(t, offset, frame.Light, "V", 22, 1, 30, 660)
	return f.runner.Layout().ReducedPath(day(offset), filepath.Join(f.runner.Layout().Raw(day(offset)), "lightV_00.fits"))
}

func (f *fixture) ledger(t *testing.T) []pending.Entry {
	t.Helper()
	entries, corrupt, err := f.runner.Ledger().Read()
	if err != nil || len(corrupt) > 0 {
		t.Fatalf("read ledger: %v %v", err, corrupt)
	}
	return entries
}

func (f *fixture) header(t *testing.T, path string) frame.Header {
	t.Helper()
	h, err := f.codec.ReadHeader(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return h
}

func TestLateFlatRefreshesThenExpiresEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.calibrations(t, -5, false, true)
	if sum, err := f.runner.RunNight(ctx, day(-5)); err != nil || sum.Masters != 2 || sum.ErrorCount() != 0 {
		t.Fatalf("night N-5: %+v %v", sum, err)
	}

	f.calibrations(t, 0, true, false)
	out := f.light(t, 0)
	sum, err := f.runner.RunNight(ctx, day(0))
	if err != nil {
		t.Fatalf("night N: %v", err)
	}
	if sum.Masters != 2 || sum.Reduced != 1 || sum.Logged != 1 || sum.ErrorCount() != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	entries := f.ledger(t)
	if len(entries) != 1 {
		t.Fatalf("expected one pending entry, got %+v", entries)
	}
	e := entries[0]
	if e.Frame != out || e.Ages != (frame.Ages{Flat: 5}) || !e.Expires.Equal(day(5)) {
		t.Fatalf("unexpected entry %+v", e)
	}
	img, err := f.codec.Read(out)
	if err != nil {
		t.Fatalf("read reduced: %v", err)
	}
	if img.Data[0] != 500 {
		t.Fatalf("expected calibrated pixel 500, got %v", img.Data[0])
	}
	if age, _ := img.Header.Int(frame.KeyMasterFlatAge); age != 5 {
		t.Fatalf("expected flat age 5 in header, got %d", age)
	}

	f.calibrations(t, 3, true, true)
	if sum, err := f.runner.RunNight(ctx, day(3)); err != nil || sum.Masters != 3 || sum.Logged != 0 {
		t.Fatalf("night N+3: %+v %v", sum, err)
	}

	rep, err := f.runner.RunPending(ctx, day(1))
	if err != nil {
		t.Fatalf("pending pass: %v", err)
	}
	if len(rep.Logged) != 1 || rep.ErrorCount() != 0 {
		t.Fatalf("entry must stay logged, got %+v", rep)
	}
	e = f.ledger(t)[0]
	if e.Ages != (frame.Ages{Flat: 3}) || !e.Expires.Equal(day(3)) {
		t.Fatalf("entry must be refreshed to the closer flat, got %+v", e)
	}
	if age, _ := f.header(t, out).Int(frame.KeyMasterFlatAge); age != 3 {
		t.Fatalf("reduced frame must be rewritten with flat age 3, got %d", age)
	}
	if f.stub.Writes(out) != 2 {
		t.Fatalf("expected the reduced frame to be written twice, got %d", f.stub.Writes(out))
	}

	rep, err = f.runner.RunPending(ctx, day(4))
	if err != nil {
		t.Fatalf("pending pass: %v", err)
	}
	if len(rep.Expired) != 1 || len(f.ledger(t)) != 0 {
		t.Fatalf("entry must expire after N+3, got %+v", rep)
	}

	recs, err := f.store.Reductions(f.runner.Layout().NightName(day(0)))
	if err != nil || len(recs) != 1 || recs[0].FlatAge != 3 {
		t.Fatalf("unexpected reduction records %+v %v", recs, err)
	}
}

func TestPendingResolvesWhenOwnNightMasterAppears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.calibrations(t, -2, false, true)
	if _, err := f.runner.RunNight(ctx, day(-2)); err != nil {
		t.Fatalf("night N-2: %v", err)
	}
	f.calibrations(t, 0, true, false)
	f.light(t, 0)
	if _, err := f.runner.RunNight(ctx, day(0)); err != nil {
		t.Fatalf("night N: %v", err)
	}
	if len(f.ledger(t)) != 1 {
		t.Fatalf("expected the frame to be logged")
	}

	// Flats for night N arrive late.
	f.raw(t, 0, frame.Flat, "V", 23, 3, 1, 1102)
	sum, err := f.runner.RunSteps(ctx, day(0), []string{config.StepMasters})
	if err != nil || sum.ErrorCount() != 0 {
		t.Fatalf("masters: %+v %v", sum, err)
	}
	rep, err := f.runner.RunPending(ctx, day(1))
	if err != nil {
		t.Fatalf("pending pass: %v", err)
	}
	if len(rep.Resolved) != 1 || len(f.ledger(t)) != 0 {
		t.Fatalf("entry must resolve, got %+v", rep)
	}
}

func TestMissingFlatIsUnresolved(t *testing.T) {
	f := newFixture(t)
	f.calibrations(t, 0, true, false)
	f.light(t, 0)
	sum, err := f.runner.RunNight(context.Background(), day(0))
	if err != nil || sum.Reduced != 1 || sum.Logged != 1 {
		t.Fatalf("unexpected summary %+v %v", sum, err)
	}
	e := f.ledger(t)[0]
	if e.Ages.Flat != frame.AgeUnresolved || e.Ages.Bias != 0 || !e.Expires.Equal(day(30)) {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestMissingBiasIsLoggedNotReduced(t *testing.T) {
	f := newFixture(t)
	out := f.light(t, 0)
	sum, err := f.runner.RunNight(context.Background(), day(0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Reduced != 0 || sum.Logged != 1 || sum.ByKind()[KindMissingCalibration] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if f.stub.Writes(out) != 0 {
		t.Fatalf("no reduced frame may be written without a bias")
	}
	e := f.ledger(t)[0]
	if e.Ages.Bias != frame.AgeUnresolved || !e.Expires.Equal(day(30)) {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestDarkClusterWithoutBiasFailsAlone(t *testing.T) {
	f := newFixture(t)
	f.raw(t, 0, frame.Dark, "", 19, 3, 10, 120)
	frametest.Write(t, f.codec, filepath.Join(f.runner.Layout().Raw(day(0)), "bias2x2.fits"), frametest.Spec{
		Type:    frame.Bias,
		Binning: 2,
		Created: day(0).Add(18 * time.Hour),
		Value:   100,
	})
	sum, err := f.runner.RunSteps(context.Background(), day(0), []string{config.StepMasters})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Masters != 1 {
		t.Fatalf("the 2x2 bias master must still be built, got %+v", sum)
	}
	if sum.ErrorCount() != 1 || sum.Failures[0].Kind != KindMissingCalibration {
		t.Fatalf("expected one missing calibration failure, got %+v", sum.Failures)
	}
	entries := f.ledger(t)
	if sum.Logged != 1 || len(entries) != 1 {
		t.Fatalf("the dark master must be logged, got %+v %+v", sum, entries)
	}
	if e := entries[0]; e.Kind != frame.Dark || e.Ages.Bias != frame.AgeUnresolved || !e.Expires.Equal(day(30)) {
		t.Fatalf("unexpected entry %+v", e)
	}
	ms, err := f.store.Masters(f.runner.Layout().NightName(day(0)))
	if err != nil || len(ms) != 1 || ms[0].Binning != "2x2" {
		t.Fatalf("unexpected stored masters %+v %v", ms, err)
	}
}

func TestDarkMasterWithNeighbourBiasIsRebuilt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.raw(t, -3, frame.Bias, "", 18, 3, 0, 100)
	if sum, err := f.runner.RunNight(ctx, day(-3)); err != nil || sum.Masters != 1 {
		t.Fatalf("night N-3: %+v %v", sum, err)
	}
	f.raw(t, 0, frame.Dark, "", 19, 3, 10, 120)
	sum, err := f.runner.RunSteps(ctx, day(0), []string{config.StepMasters})
	if err != nil || sum.Masters != 1 || sum.Logged != 1 || sum.ErrorCount() != 0 {
		t.Fatalf("night N: %+v %v", sum, err)
	}
	entries := f.ledger(t)
	if len(entries) != 1 {
		t.Fatalf("expected one master entry, got %+v", entries)
	}
	e := entries[0]
	if e.Kind != frame.Dark || e.Ages != (frame.Ages{Bias: 3}) || !e.Expires.Equal(day(3)) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if filepath.Dir(e.Frame) != f.runner.Layout().Correction(day(0)) {
		t.Fatalf("entry must name the master, got %s", e.Frame)
	}
	if e.Raw != filepath.Join(f.runner.Layout().Raw(day(0)), "dark_00.fits") {
		t.Fatalf("unexpected first source %s", e.Raw)
	}

	f.raw(t, -1, frame.Bias, "", 18, 3, 0, 100)
	if _, err := f.runner.RunNight(ctx, day(-1)); err != nil {
		t.Fatalf("night N-1: %v", err)
	}
	rep, err := f.runner.RunPending(ctx, day(0))
	if err != nil || len(rep.Logged) != 1 || rep.ErrorCount() != 0 {
		t.Fatalf("master must be rebuilt and stay logged, got %+v %v", rep, err)
	}
	if e := f.ledger(t)[0]; e.Ages != (frame.Ages{Bias: 1}) || !e.Expires.Equal(day(1)) {
		t.Fatalf("entry must be refreshed to the closer bias, got %+v", e)
	}
	if f.stub.Writes(e.Frame) != 2 {
		t.Fatalf("expected the master to be rebuilt once, got %d writes", f.stub.Writes(e.Frame))
	}

	// Biases for night N arrive late.
	f.raw(t, 0, frame.Bias, "", 18, 3, 0, 100)
	if sum, err := f.runner.RunSteps(ctx, day(0), []string{config.StepMasters}); err != nil || sum.Logged != 0 {
		t.Fatalf("masters: %+v %v", sum, err)
	}
	rep, err = f.runner.RunPending(ctx, day(1))
	if err != nil || len(rep.Resolved) != 1 || len(f.ledger(t)) != 0 {
		t.Fatalf("master entry must resolve, got %+v %v", rep, err)
	}
}

func TestCorruptLedgerRowsReachSummary(t *testing.T) {
	f := newFixture(t)
	row := "2021-03-04,light,/r/x.fits,/raw/x.fits,NOT-A-TIME,1x1,V,0,0,3,2021-03-07\n"
	if err := os.WriteFile(f.runner.Ledger().Path(), []byte(strings.Join(pending.Columns, ",")+"\n"+row), 0o644); err != nil {
		t.Fatal(err)
	}
	f.calibrations(t, 0, true, false)
	f.light(t, 0)
	sum, err := f.runner.RunNight(context.Background(), day(0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Logged != 1 || sum.ByKind()[KindLedgerCorruption] != 1 {
		t.Fatalf("expected the corrupt row in the summary, got %+v", sum)
	}
	if len(f.ledger(t)) != 1 {
		t.Fatalf("only the new entry may remain")
	}
}

func TestRunNightWithFITSCodec(t *testing.T) {
	f := newFixtureWith(t, fitsfile.New())
	f.calibrations(t, 0, true, true)
	out := f.light(t, 0)
	sum, err := f.runner.RunNight(context.Background(), day(0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Masters != 3 || sum.Reduced != 1 || sum.Logged != 0 || sum.ErrorCount() != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	img, err := f.codec.Read(out)
	if err != nil {
		t.Fatalf("read reduced: %v", err)
	}
	if img.Data[0] != 500 {
		t.Fatalf("expected calibrated pixel 500, got %v", img.Data[0])
	}
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&frame.FrameError{Path: "x", Err: frame.ErrMissingMandatoryCalibration}, KindMissingCalibration},
		{fmt.Errorf("wrap: %w", frame.ErrCombinationTimeout), KindCombinationTimeout},
		{fmt.Errorf("row 3: %w", pending.ErrLedgerCorruption), KindLedgerCorruption},
		{pending.ErrLockUnavailable, KindLockUnavailable},
		{fmt.Errorf("%w: short read", frame.ErrIO), KindIO},
		{frame.ErrInsufficientFrames, KindInsufficientFrames},
		{errors.New("boom"), KindOther},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Fatalf("%v: expected %s, got %s", c.err, c.want, got)
		}
	}
}
