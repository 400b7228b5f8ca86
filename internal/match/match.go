// Package match finds the calibration masters closest in time to a frame.
package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"blaauwpipe/internal/frame"
)

// DefaultRadius is how many nights are searched in each direction.
const DefaultRadius = 365

// MasterSource lists the masters stored for one night.
type MasterSource interface {
	Masters(night time.Time) ([]frame.MasterFrame, error)
}

// Request describes the frame that needs calibration.
type Request struct {
	Night   time.Time
	Binning string
	Filter  string
	Created time.Time
	Types   []frame.Type
}

// ForLight builds a request for a light frame taken in night.
func ForLight(night time.Time, l frame.LightFrame, types []frame.Type) Request {
	return Request{Night: night, Binning: l.Binning, Filter: l.Filter, Created: l.Created, Types: types}
}

// Match is the outcome for one calibration type. Master is nil when the type
// is unresolved.
type Match struct {
	Type   frame.Type
	Master *frame.MasterFrame
	Offset int
	Age    int
}

// Resolved reports whether a master was found.
func (m Match) Resolved() bool { return m.Master != nil }

// Result maps each requested type to its match.
type Result map[frame.Type]Match

// Master returns the master chosen for t.
func (r Result) Master(t frame.Type) (*frame.MasterFrame, bool) {
	m, ok := r[t]
	if !ok || m.Master == nil {
		return nil, false
	}
	return m.Master, true
}

// Ages returns per-type ages. Types that were not requested count as 0.
func (r Result) Ages() frame.Ages {
	var a frame.Ages
	for _, t := range frame.CalibrationTypes {
		m, ok := r[t]
		switch {
		case !ok:
			a.Set(t, 0)
		case !m.Resolved():
			a.Set(t, frame.AgeUnresolved)
		default:
			a.Set(t, m.Age)
		}
	}
	return a
}

// MaxOffset returns the largest absolute night offset among resolved types.
func (r Result) MaxOffset() int {
	most := 0
	for _, m := range r {
		if !m.Resolved() {
			continue
		}
		off := m.Offset
		if off < 0 {
			off = -off
		}
		if off > most {
			most = off
		}
	}
	return most
}

// Unresolved reports whether any requested type has no master.
func (r Result) Unresolved() bool {
	for _, m := range r {
		if !m.Resolved() {
			return true
		}
	}
	return false
}

// Matcher searches the requested night first, then neighbouring nights in
// both directions up to radius. Masters per night are cached; a Matcher is
// safe for concurrent use.
type Matcher struct {
	src    MasterSource
	radius int

	mu    sync.Mutex
	cache map[time.Time][]frame.MasterFrame
}

// New creates a Matcher. A non-positive radius only searches the own night.
func New(src MasterSource, radius int) *Matcher {
	if radius < 0 {
		radius = 0
	}
	return &Matcher{src: src, radius: radius, cache: make(map[time.Time][]frame.MasterFrame)}
}

// Radius returns the search radius in nights.
func (m *Matcher) Radius() int { return m.radius }

// Reset drops cached master listings so newly built masters become visible.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.cache = make(map[time.Time][]frame.MasterFrame)
	m.mu.Unlock()
}

func (m *Matcher) masters(night time.Time) ([]frame.MasterFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.cache[night]; ok {
		return ms, nil
	}
	ms, err := m.src.Masters(night)
	if err != nil {
		return nil, err
	}
	m.cache[night] = ms
	return ms, nil
}

type candidate struct {
	master frame.MasterFrame
	offset int
	age    int
	delta  time.Duration
}

// Match resolves every requested type.
func (m *Matcher) Match(ctx context.Context, req Request) (Result, error) {
	night := frame.Date(req.Night)
	res := make(Result, len(req.Types))
	for _, t := range req.Types {
		match, err := m.find(ctx, night, t, req)
		if err != nil {
			return nil, err
		}
		res[t] = match
	}
	return res, nil
}

func (m *Matcher) find(ctx context.Context, night time.Time, t frame.Type, req Request) (Match, error) {
	key := frame.NewKey(t, req.Binning, req.Filter)
	for k := 0; k <= m.radius; k++ {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		offsets := []int{-k, k}
		if k == 0 {
			offsets = offsets[:1]
		}
		var cands []candidate
		for _, off := range offsets {
			ms, err := m.masters(night.AddDate(0, 0, off))
			if err != nil {
				return Match{}, err
			}
			for _, master := range ms {
				if master.Key != key {
					continue
				}
				delta := req.Created.Sub(master.Created)
				if delta < 0 {
					delta = -delta
				}
				cands = append(cands, candidate{
					master: master,
					offset: off,
					age:    frame.AgeDays(req.Created, master.Created),
					delta:  delta,
				})
			}
		}
		if len(cands) == 0 {
			continue
		}
		sort.Slice(cands, func(i, j int) bool { return better(cands[i], cands[j]) })
		best := cands[0]
		return Match{Type: t, Master: &best.master, Offset: best.offset, Age: best.age}, nil
	}
	return Match{Type: t, Age: frame.AgeUnresolved}, nil
}

// better orders candidates found at the same absolute offset: smaller age,
// then past nights, then closer in time, then earlier, then by path.
func better(a, b candidate) bool {
	if a.age != b.age {
		return a.age < b.age
	}
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	if a.delta != b.delta {
		return a.delta < b.delta
	}
	if !a.master.Created.Equal(b.master.Created) {
		return a.master.Created.Before(b.master.Created)
	}
	return a.master.Path < b.master.Path
}
