// Package fitsfile implements frame.Codec on top of FITS primary HDUs.
package fitsfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/natefinch/atomic"

	"blaauwpipe/internal/frame"
)

// structural cards are owned by the encoder and never copied into frame headers.
var structural = map[string]struct{}{
	"SIMPLE":   {},
	"BITPIX":   {},
	"NAXIS":    {},
	"EXTEND":   {},
	"BZERO":    {},
	"BSCALE":   {},
	"END":      {},
	"COMMENT":  {},
	"HISTORY":  {},
	"PCOUNT":   {},
	"GCOUNT":   {},
	"XTENSION": {},
}

func isStructural(key string) bool {
	if _, ok := structural[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "NAXIS")
}

// Codec reads and writes single-image FITS files. Integer and float inputs
// are read with BSCALE/BZERO applied; pixels are always written as unscaled
// 64-bit floats.
type Codec struct{}

// New returns a FITS codec.
func New() *Codec { return &Codec{} }

func (c *Codec) open(path string) (*os.File, *fitsio.File, fitsio.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	ff, err := fitsio.Open(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	img, ok := ff.HDU(0).(fitsio.Image)
	if !ok {
		ff.Close()
		f.Close()
		return nil, nil, nil, fmt.Errorf("%s: primary HDU is not an image", path)
	}
	return f, ff, img, nil
}

func toHeader(hdr *fitsio.Header) frame.Header {
	var h frame.Header
	for _, key := range hdr.Keys() {
		if isStructural(key) {
			continue
		}
		card := hdr.Get(key)
		if card == nil {
			continue
		}
		h.Set(card.Name, card.Value)
	}
	return h
}

// ReadHeader implements frame.Codec.
func (c *Codec) ReadHeader(path string) (frame.Header, error) {
	f, ff, img, err := c.open(path)
	if err != nil {
		return frame.Header{}, err
	}
	defer f.Close()
	defer ff.Close()
	return toHeader(img.Header()), nil
}

// Read implements frame.Codec.
func (c *Codec) Read(path string) (*frame.Image, error) {
	f, ff, img, err := c.open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer ff.Close()

	axes := img.Header().Axes()
	if len(axes) != 2 {
		return nil, fmt.Errorf("%s: expected 2 axes, got %d", path, len(axes))
	}
	data, err := readPixels(img, axes[0]*axes[1])
	if err != nil {
		return nil, fmt.Errorf("read pixels %s: %w", path, err)
	}
	scale, zero, err := scaling(img.Header())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if scale != 1 || zero != 0 {
		for i, v := range data {
			data[i] = zero + scale*v
		}
	}
	return &frame.Image{
		Width:  axes[0],
		Height: axes[1],
		Data:   data,
		Header: toHeader(img.Header()),
	}, nil
}

// readPixels reads n pixels in the on-disk type given by BITPIX and widens
// them to float64.
func readPixels(img fitsio.Image, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		raw := make([]uint8, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 16:
		raw := make([]int16, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 32:
		raw := make([]int32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 64:
		raw := make([]int64, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -32:
		raw := make([]float32, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// scaling returns BSCALE and BZERO, defaulting to 1 and 0.
func scaling(hdr *fitsio.Header) (scale, zero float64, err error) {
	scale, zero = 1, 0
	if c := hdr.Get("BSCALE"); c != nil {
		if scale, err = cardFloat(c); err != nil {
			return 0, 0, err
		}
	}
	if c := hdr.Get("BZERO"); c != nil {
		if zero, err = cardFloat(c); err != nil {
			return 0, 0, err
		}
	}
	return scale, zero, nil
}

func cardFloat(c *fitsio.Card) (float64, error) {
	switch v := c.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("card %s: unsupported value %T", c.Name, c.Value)
	}
}

// Write implements frame.Codec. The file is replaced atomically.
func (c *Codec) Write(path string, img *frame.Image) error {
	var buf bytes.Buffer
	w, err := fitsio.Create(&buf)
	if err != nil {
		return err
	}
	hdu := fitsio.NewImage(-64, []int{img.Width, img.Height})
	cards := make([]fitsio.Card, 0, img.Header.Len())
	for _, c := range img.Header.Cards() {
		if isStructural(c.Key) {
			continue
		}
		cards = append(cards, fitsio.Card{Name: c.Key, Value: c.Value, Comment: c.Comment})
	}
	if err := hdu.Header().Append(cards...); err != nil {
		return fmt.Errorf("fits header %s: %w", path, err)
	}
	if err := hdu.Write(img.Data); err != nil {
		return fmt.Errorf("fits pixels %s: %w", path, err)
	}
	if err := w.Write(hdu); err != nil {
		return fmt.Errorf("fits encode %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, &buf)
}
