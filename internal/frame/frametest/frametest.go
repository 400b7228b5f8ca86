// Package frametest provides a file-backed JSON codec and fixtures for tests
// that need frames on disk without going through FITS encoding.
package frametest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"blaauwpipe/internal/frame"
)

type document struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Data   []float64    `json:"data"`
	Cards  []frame.Card `json:"cards"`
}

// Codec stores frames as JSON documents. It counts writes per path.
type Codec struct {
	mu     sync.Mutex
	writes map[string]int
}

// NewCodec returns an empty Codec.
func NewCodec() *Codec {
	return &Codec{writes: make(map[string]int)}
}

func (c *Codec) load(path string) (document, error) {
	var doc document
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

// ReadHeader implements frame.Codec.
func (c *Codec) ReadHeader(path string) (frame.Header, error) {
	doc, err := c.load(path)
	if err != nil {
		return frame.Header{}, err
	}
	return frame.NewHeader(doc.Cards...), nil
}

// Read implements frame.Codec.
func (c *Codec) Read(path string) (*frame.Image, error) {
	doc, err := c.load(path)
	if err != nil {
		return nil, err
	}
	return &frame.Image{Width: doc.Width, Height: doc.Height, Data: doc.Data, Header: frame.NewHeader(doc.Cards...)}, nil
}

// Write implements frame.Codec.
func (c *Codec) Write(path string, img *frame.Image) error {
	b, err := json.Marshal(document{Width: img.Width, Height: img.Height, Data: img.Data, Cards: img.Header.Cards()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes[path]++
	c.mu.Unlock()
	return os.WriteFile(path, b, 0o644)
}

// Writes returns how often path was written.
func (c *Codec) Writes(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[path]
}

// Spec describes a synthetic frame.
type Spec struct {
	Type     frame.Type
	Binning  int
	Filter   string
	Created  time.Time
	Exposure float64
	Width    int
	Height   int
	// Value fills every pixel; Pixels overrides it when set.
	Value  float64
	Pixels []float64
}

// Write stores a synthetic frame at path and fails the test on error.
func Write(t testing.TB, c frame.Codec, path string, s Spec) {
	t.Helper()
	if s.Width == 0 {
		s.Width = 2
	}
	if s.Height == 0 {
		s.Height = 2
	}
	if s.Binning == 0 {
		s.Binning = 1
	}
	data := s.Pixels
	if data == nil {
		data = make([]float64, s.Width*s.Height)
		for i := range data {
			data[i] = s.Value
		}
	}
	var h frame.Header
	h.Set(frame.KeyImageType, imageType(s.Type))
	h.Set(frame.KeyXBinning, s.Binning)
	h.Set(frame.KeyYBinning, s.Binning)
	if s.Filter != "" {
		h.Set(frame.KeyFilter, s.Filter)
	}
	h.Set(frame.KeyDateObs, s.Created)
	h.Set(frame.KeyExposure, s.Exposure)
	if err := c.Write(path, &frame.Image{Width: s.Width, Height: s.Height, Data: data, Header: h}); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
}

func imageType(t frame.Type) string {
	switch t {
	case frame.Bias:
		return "Bias Frame"
	case frame.Dark:
		return "Dark Frame"
	case frame.Flat:
		return "Flat Field"
	default:
		return "Light Frame"
	}
}
