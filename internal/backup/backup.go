// Package backup copies telescope frames into the pipeline's night layout.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"blaauwpipe/internal/fsutil"
)

// Result lists what a copy did.
type Result struct {
	Copied  []string
	Skipped []string
}

// Copier mirrors <telescope>/<night>/*.fits into <root>/<night>/Raw.
type Copier struct {
	telescope string
	layout    fsutil.Layout
	log       *slog.Logger
}

// New creates a Copier. An empty telescope root makes Copy a no-op.
func New(telescope string, layout fsutil.Layout, logger *slog.Logger) *Copier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Copier{telescope: telescope, layout: layout, log: logger}
}

// Source returns the telescope directory of a night.
func (c *Copier) Source(night time.Time) string {
	return filepath.Join(c.telescope, c.layout.NightName(night))
}

// Copy copies every FITS file of the night that is missing in Raw or differs
// in size. Copies are byte-identical and keep the source modification time.
func (c *Copier) Copy(ctx context.Context, night time.Time) (Result, error) {
	var res Result
	if c.telescope == "" {
		return res, nil
	}
	files, err := fsutil.ListFITS(c.Source(night))
	if err != nil {
		return res, fmt.Errorf("list %s: %w", c.Source(night), err)
	}
	if len(files) == 0 {
		return res, nil
	}
	dst := c.layout.Raw(night)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return res, err
	}
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		target := filepath.Join(dst, filepath.Base(src))
		same, err := sameSize(src, target)
		if err != nil {
			return res, err
		}
		if same {
			res.Skipped = append(res.Skipped, target)
			continue
		}
		if err := copyFile(src, target); err != nil {
			return res, fmt.Errorf("copy %s: %w", src, err)
		}
		res.Copied = append(res.Copied, target)
	}
	c.log.Info("backup complete", "night", c.layout.NightName(night), "copied", len(res.Copied), "skipped", len(res.Skipped))
	return res, nil
}

func sameSize(src, dst string) (bool, error) {
	d, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	return s.Size() == d.Size(), nil
}

// copyFile copies src to dst through a temporary file and carries over the
// modification time.
func copyFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := atomic.WriteFile(dst, f); err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return os.Chtimes(dst, time.Now(), info.ModTime())
}
