package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"blaauwpipe/internal/fsutil"
)

func TestClassify(t *testing.T) {
	root := t.TempDir()
	w := New(fsutil.NewLayout(root, ""), time.Millisecond, func(context.Context) {}, nil)
	cases := []struct {
		path  string
		isDir bool
		want  Action
	}{
		{filepath.Join(root, "210304"), true, NewNight},
		{filepath.Join(root, "logs"), true, Ignore},
		{filepath.Join(root, "210304", "Correction"), true, NewCorrection},
		{filepath.Join(root, "210304", "Reduced"), true, Ignore},
		{filepath.Join(root, "210304", "Correction", "master_flat1x1VC1.fits"), false, NewMaster},
		{filepath.Join(root, "210304", "Correction", "notes.fits"), false, Ignore},
		{filepath.Join(root, "210304", "Raw", "master_bias1x1C1.fits"), false, Ignore},
	}
	for _, c := range cases {
		if got := w.Classify(c.path, c.isDir); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.path, c.want, got)
		}
	}
}

func TestScheduleDebounces(t *testing.T) {
	var calls atomic.Int32
	w := New(fsutil.NewLayout(t.TempDir(), ""), 50*time.Millisecond, func(context.Context) { calls.Add(1) }, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		w.schedule(ctx)
	}
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single trigger, got %d", n)
	}
}

func TestRunTriggersOnNewMaster(t *testing.T) {
	root := t.TempDir()
	corr := filepath.Join(root, "210304", "Correction")
	if err := os.MkdirAll(corr, 0o755); err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{}, 1)
	w := New(fsutil.NewLayout(root, ""), 20*time.Millisecond, func(context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register its directories.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(corr, "master_bias1x1C1.fits"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected trigger after new master")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
