package frame

import (
	"fmt"
	"strings"
	"time"
)

// Type enumerates the frame categories found in a night directory.
type Type string

const (
	Bias  Type = "bias"
	Dark  Type = "dark"
	Flat  Type = "flat"
	Light Type = "light"
)

// CalibrationTypes lists the master types in build order.
var CalibrationTypes = []Type{Bias, Dark, Flat}

// ParseType classifies an IMAGETYP header value such as "Bias Frame" or "Light Frame".
func ParseType(imagetyp string) (Type, bool) {
	v := strings.ToLower(imagetyp)
	switch {
	case strings.Contains(v, "bias"), strings.Contains(v, "zero"):
		return Bias, true
	case strings.Contains(v, "dark"):
		return Dark, true
	case strings.Contains(v, "flat"):
		return Flat, true
	case strings.Contains(v, "light"), strings.Contains(v, "object"):
		return Light, true
	default:
		return "", false
	}
}

// Status tracks whether a light frame has been reduced.
type Status string

const (
	StatusRaw     Status = "raw"
	StatusReduced Status = "reduced"
)

// Key identifies a calibration series. Filter is only set for flats.
type Key struct {
	Type    Type
	Binning string
	Filter  string
}

func (k Key) String() string {
	if k.Filter != "" {
		return fmt.Sprintf("%s/%s/%s", k.Type, k.Binning, k.Filter)
	}
	return fmt.Sprintf("%s/%s", k.Type, k.Binning)
}

// NewKey builds a Key, dropping the filter for non-flat types.
func NewKey(t Type, binning, filter string) Key {
	if t != Flat {
		filter = ""
	}
	return Key{Type: t, Binning: binning, Filter: filter}
}

// RawFrame is one calibration exposure as found on disk. It is never modified.
type RawFrame struct {
	Path     string
	Type     Type
	Binning  string
	Filter   string
	Created  time.Time
	Exposure float64
}

// Key returns the series this frame belongs to.
func (f RawFrame) Key() Key {
	return NewKey(f.Type, f.Binning, f.Filter)
}

// LightFrame is one science exposure awaiting reduction.
type LightFrame struct {
	Path     string
	Binning  string
	Filter   string
	Created  time.Time
	Exposure float64
	Status   Status
}

// FrameCluster is a time-coherent run of raw frames sharing a Key.
type FrameCluster struct {
	Key     Key
	Index   int
	Created time.Time
	Frames  []RawFrame
}

// Paths returns the member paths in cluster order.
func (c FrameCluster) Paths() []string {
	paths := make([]string, len(c.Frames))
	for i, f := range c.Frames {
		paths[i] = f.Path
	}
	return paths
}

// MasterFrame is a calibration product built from one cluster.
type MasterFrame struct {
	Path        string
	Key         Key
	Cluster     int
	Night       time.Time
	Created     time.Time
	SourceCount int
	Sources     []string
	// Ages of the bias and dark applied while building. Zero for bias
	// masters and for masters built entirely from same-night calibration.
	Ages Ages
}

// ReducedFrame is a light frame after calibration. It keeps the light frame's
// identity and records which masters were applied and how old they were.
type ReducedFrame struct {
	LightFrame
	Output  string
	Masters map[Type]MasterFrame
	Ages    Ages
}
