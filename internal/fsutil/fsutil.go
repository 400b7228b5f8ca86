package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// Sub-directories of a night directory.
const (
	RawDir        = "Raw"
	CorrectionDir = "Correction"
	ReducedDir    = "Reduced"
)

// DefaultDateLayout names night directories as yymmdd.
const DefaultDateLayout = "060102"

// Layout maps observing nights onto the pipeline directory tree.
type Layout struct {
	Root       string
	DateLayout string
}

// NewLayout returns a layout rooted at root. An empty dateLayout selects
// DefaultDateLayout.
func NewLayout(root, dateLayout string) Layout {
	if dateLayout == "" {
		dateLayout = DefaultDateLayout
	}
	return Layout{Root: root, DateLayout: dateLayout}
}

// NightName returns the directory name for a night.
func (l Layout) NightName(night time.Time) string {
	return night.UTC().Format(l.DateLayout)
}

// NightDir returns <root>/<night>.
func (l Layout) NightDir(night time.Time) string {
	return filepath.Join(l.Root, l.NightName(night))
}

// Raw returns the directory holding the pipeline copy of raw frames.
func (l Layout) Raw(night time.Time) string {
	return filepath.Join(l.NightDir(night), RawDir)
}

// Correction returns the directory holding master frames.
func (l Layout) Correction(night time.Time) string {
	return filepath.Join(l.NightDir(night), CorrectionDir)
}

// Reduced returns the directory holding reduced light frames.
func (l Layout) Reduced(night time.Time) string {
	return filepath.Join(l.NightDir(night), ReducedDir)
}

// ParseNight parses a night directory name.
func (l Layout) ParseNight(name string) (time.Time, error) {
	t, err := time.ParseInLocation(l.DateLayout, filepath.Base(name), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("night %q: %w", name, err)
	}
	return t, nil
}

// NightOfPath returns the night a file inside the tree belongs to.
func (l Layout) NightOfPath(path string) (time.Time, error) {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return time.Time{}, err
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return l.ParseNight(first)
}

// ReducedPath returns the stable output path for a raw light frame.
func (l Layout) ReducedPath(night time.Time, raw string) string {
	return filepath.Join(l.Reduced(night), filepath.Base(raw))
}

// Rel returns path relative to the root, or path unchanged when it lies
// outside the tree.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// Abs resolves a path produced by Rel.
func (l Layout) Abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.Root, filepath.FromSlash(path))
}

// Nights lists the night directories under the root in date order.
func (l Layout) Nights() ([]time.Time, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var nights []time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if t, err := l.ParseNight(e.Name()); err == nil {
			nights = append(nights, t)
		}
	}
	sort.Slice(nights, func(i, j int) bool { return nights[i].Before(nights[j]) })
	return nights, nil
}

// ListFITS returns the FITS files directly inside dir, sorted by name. A
// missing directory yields no files and no error.
func ListFITS(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsFITSFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsFITSFile checks if a file has a FITS extension.
func IsFITSFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := fitsExts[ext]
	return ok
}
