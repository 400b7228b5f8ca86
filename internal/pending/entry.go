// Package pending keeps the ledger of reduced frames that may still receive
// better calibration, and runs the periodic pass that re-reduces them.
package pending

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"blaauwpipe/internal/frame"
)

// ErrLedgerCorruption marks a ledger row that could not be decoded.
var ErrLedgerCorruption = errors.New("ledger corruption")

// DateLayout is used for the night and expires columns.
const DateLayout = "2006-01-02"

const unknownAge = "?"

// Columns is the ledger header row.
var Columns = []string{"night", "kind", "frame", "raw", "created", "binning", "filter", "bias_age", "dark_age", "flat_age", "expires"}

// legacyColumns is the row width of ledgers written before the kind column;
// such rows are lights.
const legacyColumns = 10

// Entry is one ledger row and is identified by Frame. For lights Frame is the
// reduced output path; for dark and flat masters it is the master path, Raw is
// the first source frame and Ages are those of the masters applied while
// building it.
type Entry struct {
	Night   time.Time
	Kind    frame.Type
	Frame   string
	Raw     string
	Created time.Time
	Binning string
	Filter  string
	Ages    frame.Ages
	Expires time.Time
}

// NewEntry builds the entry for a reduction outcome.
func NewEntry(night time.Time, r frame.ReducedFrame, expires time.Time) Entry {
	return Entry{
		Night:   frame.Date(night),
		Kind:    frame.Light,
		Frame:   r.Output,
		Raw:     r.Path,
		Created: r.Created,
		Binning: r.Binning,
		Filter:  r.Filter,
		Ages:    r.Ages,
		Expires: frame.Date(expires),
	}
}

// NewMasterEntry builds the entry for a dark or flat master built with
// masters from other nights.
func NewMasterEntry(night time.Time, c frame.FrameCluster, path string, ages frame.Ages, expires time.Time) Entry {
	e := Entry{
		Night:   frame.Date(night),
		Kind:    c.Key.Type,
		Frame:   path,
		Created: c.Created,
		Binning: c.Key.Binning,
		Filter:  c.Key.Filter,
		Ages:    ages,
		Expires: frame.Date(expires),
	}
	if len(c.Frames) > 0 {
		e.Raw = c.Frames[0].Path
	}
	return e
}

// IsMaster reports whether the entry refers to a master frame.
func (e Entry) IsMaster() bool {
	return e.Kind == frame.Dark || e.Kind == frame.Flat
}

// Type returns the entry kind; entries without one are lights.
func (e Entry) Type() frame.Type {
	if e.Kind == "" {
		return frame.Light
	}
	return e.Kind
}

// Light returns the light frame the entry refers to.
func (e Entry) Light() frame.LightFrame {
	return frame.LightFrame{Path: e.Raw, Binning: e.Binning, Filter: e.Filter, Created: e.Created, Status: frame.StatusReduced}
}

// Expired reports whether today lies after the expiration date.
func (e Entry) Expired(today time.Time) bool {
	return frame.Date(today).After(frame.Date(e.Expires))
}

// Expiration is the last date on which a better master may still appear:
// the night plus the largest offset searched so far, or plus the full search
// radius while any type is unresolved.
func Expiration(night time.Time, maxOffset int, unresolved bool, radius int) time.Time {
	days := maxOffset
	if unresolved {
		days = radius
	}
	return frame.Date(night).AddDate(0, 0, days)
}

func (e Entry) same(o Entry) bool {
	a, b := e.record(), o.record()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatAge(v int) string {
	if v == frame.AgeUnresolved {
		return unknownAge
	}
	return strconv.Itoa(v)
}

func parseAge(s string) (int, error) {
	if s == unknownAge {
		return frame.AgeUnresolved, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative age %d", v)
	}
	return v, nil
}

func (e Entry) record() []string {
	return []string{
		e.Night.Format(DateLayout),
		string(e.Type()),
		e.Frame,
		e.Raw,
		e.Created.UTC().Format(time.RFC3339Nano),
		e.Binning,
		e.Filter,
		formatAge(e.Ages.Bias),
		formatAge(e.Ages.Dark),
		formatAge(e.Ages.Flat),
		e.Expires.Format(DateLayout),
	}
}

func parseRecord(rec []string) (Entry, error) {
	var kind frame.Type
	switch len(rec) {
	case len(Columns):
		kind = frame.Type(rec[1])
		rec = append(rec[:1:1], rec[2:]...)
	case legacyColumns:
		kind = frame.Light
	default:
		return Entry{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(rec))
	}
	var (
		e   Entry
		err error
	)
	switch kind {
	case frame.Light, frame.Dark, frame.Flat:
		e.Kind = kind
	default:
		return Entry{}, fmt.Errorf("unknown kind %q", kind)
	}
	if e.Night, err = time.Parse(DateLayout, rec[0]); err != nil {
		return Entry{}, fmt.Errorf("night: %w", err)
	}
	if e.Frame = rec[1]; e.Frame == "" {
		return Entry{}, errors.New("empty frame path")
	}
	e.Raw = rec[2]
	if e.Created, err = time.Parse(time.RFC3339Nano, rec[3]); err != nil {
		return Entry{}, fmt.Errorf("created: %w", err)
	}
	e.Binning = rec[4]
	e.Filter = rec[5]
	for i, t := range frame.CalibrationTypes {
		v, err := parseAge(rec[6+i])
		if err != nil {
			return Entry{}, fmt.Errorf("%s_age: %w", t, err)
		}
		e.Ages.Set(t, v)
	}
	if e.Expires, err = time.Parse(DateLayout, rec[9]); err != nil {
		return Entry{}, fmt.Errorf("expires: %w", err)
	}
	return e, nil
}

// Encode writes the header row followed by one row per entry.
func Encode(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(e.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Decode reads a ledger. Rows that cannot be parsed are returned as
// ErrLedgerCorruption errors and skipped; the error result is only set when
// the stream itself is unusable.
func Decode(r io.Reader) ([]Entry, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	var (
		entries []Entry
		corrupt []error
	)
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				corrupt = append(corrupt, fmt.Errorf("%w: line %d: %v", ErrLedgerCorruption, line, err))
				continue
			}
			return nil, corrupt, err
		}
		if line == 1 && len(rec) > 0 && rec[0] == Columns[0] {
			continue
		}
		e, err := parseRecord(rec)
		if err != nil {
			corrupt = append(corrupt, fmt.Errorf("%w: line %d: %v", ErrLedgerCorruption, line, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, corrupt, nil
}
