package frame

import "time"

// AgeUnresolved marks a calibration type for which no master was found.
const AgeUnresolved = -1

// nightBoundary shifts timestamps so that an observing night maps onto a
// single calendar date (the date on which the night started).
const nightBoundary = 12 * time.Hour

// NightOf returns the observing night a timestamp belongs to, at midnight UTC.
func NightOf(t time.Time) time.Time {
	t = t.UTC().Add(-nightBoundary)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Date truncates t to its calendar date in UTC.
func Date(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

// AgeDays is the relative age in whole nights between a light frame and the
// cluster a master was built from.
func AgeDays(light, master time.Time) int {
	d := DaysBetween(NightOf(light), NightOf(master))
	if d < 0 {
		d = -d
	}
	return d
}

// Ages holds the relative age per calibration type.
type Ages struct {
	Bias int
	Dark int
	Flat int
}

// UnresolvedAges has every type unresolved.
var UnresolvedAges = Ages{Bias: AgeUnresolved, Dark: AgeUnresolved, Flat: AgeUnresolved}

// Get returns the age for t.
func (a Ages) Get(t Type) int {
	switch t {
	case Bias:
		return a.Bias
	case Dark:
		return a.Dark
	case Flat:
		return a.Flat
	}
	return AgeUnresolved
}

// Set stores the age for t.
func (a *Ages) Set(t Type, v int) {
	switch t {
	case Bias:
		a.Bias = v
	case Dark:
		a.Dark = v
	case Flat:
		a.Flat = v
	}
}

// Zero reports whether every type was calibrated with a same-night master.
func (a Ages) Zero() bool {
	return a.Bias == 0 && a.Dark == 0 && a.Flat == 0
}

// Unresolved reports whether any type lacks a master.
func (a Ages) Unresolved() bool {
	return a.Bias == AgeUnresolved || a.Dark == AgeUnresolved || a.Flat == AgeUnresolved
}

// Max returns the largest resolved age, or 0 if none is resolved.
func (a Ages) Max() int {
	m := 0
	for _, v := range []int{a.Bias, a.Dark, a.Flat} {
		if v > m {
			m = v
		}
	}
	return m
}
