package frame

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header keywords read from telescope frames.
const (
	KeyImageType = "IMAGETYP"
	KeyXBinning  = "XBINNING"
	KeyYBinning  = "YBINNING"
	KeyFilter    = "FILTER"
	KeyDateObs   = "DATE-OBS"
	KeyExposure  = "EXPTIME"
)

// Header keywords written by the pipeline.
const (
	// Path to the raw file on the telescope data server.
	KeyTelescopeRaw = "KW-TRAW"
	// Path to the raw file inside the pipeline tree.
	KeyPipelineRaw = "KW-PRAW"
	// Path to the reduced file inside the pipeline tree.
	KeyReduced = "KW-PRED"

	// Number of frames combined into a master, followed by one
	// KeySource+n card per frame.
	KeySourceCount = "KW-SRCN"
	KeySource      = "KW-SRC"
	KeyCluster     = "KW-CLUST"

	KeyMasterBias     = "KW-MBIAS"
	KeyMasterBiasAge  = "KW-MBAGE"
	KeyMasterBiasSrcN = "KW-MBSRC"
	KeyMasterDark     = "KW-MDARK"
	KeyMasterDarkAge  = "KW-MDAGE"
	KeyMasterDarkSrcN = "KW-MDSRC"
	KeyMasterFlat     = "KW-MFLAT"
	KeyMasterFlatAge  = "KW-MFAGE"
	KeyMasterFlatSrcN = "KW-MFSRC"
)

// MaxSourceCards caps the per-frame provenance cards; FITS keywords are at
// most eight characters so KW-SRC99 is the last one that fits.
const MaxSourceCards = 99

// MasterKeys returns the path, age and source-count keywords for t.
func MasterKeys(t Type) (path, age, sources string) {
	switch t {
	case Bias:
		return KeyMasterBias, KeyMasterBiasAge, KeyMasterBiasSrcN
	case Dark:
		return KeyMasterDark, KeyMasterDarkAge, KeyMasterDarkSrcN
	case Flat:
		return KeyMasterFlat, KeyMasterFlatAge, KeyMasterFlatSrcN
	}
	return "", "", ""
}

// DateLayout is the DATE-OBS layout written by the pipeline.
const DateLayout = "2006-01-02T15:04:05.000"

var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses a FITS DATE-OBS value as UTC.
func ParseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

// Card is one keyword/value pair of a header.
type Card struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// Header is an ordered set of cards. The order is preserved on write so that
// identical inputs produce identical files.
type Header struct {
	cards []Card
}

// NewHeader builds a header from cards, keeping the last value of duplicates.
func NewHeader(cards ...Card) Header {
	var h Header
	for _, c := range cards {
		h.Set(c.Key, c.Value)
	}
	return h
}

// Cards returns a copy of the cards in order.
func (h Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Len returns the number of cards.
func (h Header) Len() int { return len(h.cards) }

// Clone returns an independent copy.
func (h Header) Clone() Header {
	return Header{cards: h.Cards()}
}

// Set replaces the value of key or appends a new card. time.Time values are
// stored as DATE-OBS formatted strings.
func (h *Header) Set(key string, v any) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC().Format(DateLayout)
	}
	for i := range h.cards {
		if h.cards[i].Key == key {
			h.cards[i].Value = v
			return
		}
	}
	h.cards = append(h.cards, Card{Key: key, Value: v})
}

// Delete removes key if present.
func (h *Header) Delete(key string) {
	for i := range h.cards {
		if h.cards[i].Key == key {
			h.cards = append(h.cards[:i], h.cards[i+1:]...)
			return
		}
	}
}

// Get returns the raw value of key.
func (h Header) Get(key string) (any, bool) {
	for _, c := range h.cards {
		if c.Key == key {
			return c.Value, true
		}
	}
	return nil, false
}

// String returns key as a trimmed string, or "".
func (h Header) String(key string) string {
	v, ok := h.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	default:
		return fmt.Sprint(x)
	}
}

// Int returns key as an integer.
func (h Header) Int(key string) (int, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float32:
		return int(x), true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

// Float returns key as a float.
func (h Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// Time parses key as a DATE-OBS style timestamp.
func (h Header) Time(key string) (time.Time, bool) {
	s := h.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := ParseDate(s)
	return t, err == nil
}

// Image is a two-dimensional frame with its header. Data is row-major.
type Image struct {
	Width  int
	Height int
	Data   []float64
	Header Header
}

// SameShape reports whether two images can be combined pixel by pixel.
func (img *Image) SameShape(other *Image) bool {
	return img.Width == other.Width && img.Height == other.Height && len(img.Data) == len(other.Data)
}

// Codec reads and writes frames on disk.
type Codec interface {
	ReadHeader(path string) (Header, error)
	Read(path string) (*Image, error)
	Write(path string, img *Image) error
}
