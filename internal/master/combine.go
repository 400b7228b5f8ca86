package master

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// checkEvery is how many pixels are combined between context checks.
const checkEvery = 4096

// Combiner stacks equally shaped pixel planes into one. Implementations must
// be deterministic for a given input order.
type Combiner interface {
	Name() string
	Combine(ctx context.Context, planes [][]float64) ([]float64, error)
}

// NewCombiner returns the combiner registered under name.
func NewCombiner(name string) (Combiner, error) {
	switch name {
	case "mean":
		return Mean{}, nil
	case "median", "":
		return Median{}, nil
	case "sigma-clip", "sigmaclip":
		return SigmaClip{Kappa: 3, Iterations: 5}, nil
	default:
		return nil, fmt.Errorf("unknown combine method %q", name)
	}
}

// Mean averages each pixel.
type Mean struct{}

func (Mean) Name() string { return "mean" }

func (Mean) Combine(ctx context.Context, planes [][]float64) ([]float64, error) {
	return combine(ctx, planes, func(v []float64) float64 { return mean(v) })
}

// Median takes the per-pixel median.
type Median struct{}

func (Median) Name() string { return "median" }

func (Median) Combine(ctx context.Context, planes [][]float64) ([]float64, error) {
	return combine(ctx, planes, func(v []float64) float64 { return median(v) })
}

// SigmaClip averages each pixel after iteratively rejecting values further
// than Kappa standard deviations from the mean.
type SigmaClip struct {
	Kappa      float64
	Iterations int
}

func (SigmaClip) Name() string { return "sigma-clip" }

func (s SigmaClip) Combine(ctx context.Context, planes [][]float64) ([]float64, error) {
	kappa := s.Kappa
	if kappa <= 0 {
		kappa = 3
	}
	iters := s.Iterations
	if iters <= 0 {
		iters = 5
	}
	return combine(ctx, planes, func(v []float64) float64 {
		kept := v
		for i := 0; i < iters && len(kept) > 2; i++ {
			m := mean(kept)
			sd := stddev(kept, m)
			if sd == 0 {
				break
			}
			next := kept[:0:0]
			for _, x := range kept {
				if math.Abs(x-m) <= kappa*sd {
					next = append(next, x)
				}
			}
			if len(next) == len(kept) || len(next) == 0 {
				break
			}
			kept = next
		}
		return mean(kept)
	})
}

func combine(ctx context.Context, planes [][]float64, reduce func([]float64) float64) ([]float64, error) {
	if len(planes) == 0 {
		return nil, fmt.Errorf("no planes to combine")
	}
	n := len(planes[0])
	for i, p := range planes {
		if len(p) != n {
			return nil, fmt.Errorf("plane %d has %d pixels, expected %d", i, len(p), n)
		}
	}
	out := make([]float64, n)
	column := make([]float64, len(planes))
	for px := 0; px < n; px++ {
		if px%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for i, p := range planes {
			column[i] = p[px]
		}
		out[px] = reduce(column)
	}
	return out, nil
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64, m float64) float64 {
	var ss float64
	for _, x := range v {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(v)))
}

// median does not modify v.
func median(v []float64) float64 {
	s := make([]float64, len(v))
	copy(s, v)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
