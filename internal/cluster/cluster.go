// Package cluster splits calibration frames into time-coherent batches.
package cluster

import (
	"sort"
	"time"

	"blaauwpipe/internal/frame"
)

// DefaultGap separates two calibration batches of the same series.
const DefaultGap = time.Hour

// Group partitions frames by series key. Light frames are ignored.
func Group(frames []frame.RawFrame) map[frame.Key][]frame.RawFrame {
	groups := make(map[frame.Key][]frame.RawFrame)
	for _, f := range frames {
		if f.Type == frame.Light {
			continue
		}
		k := f.Key()
		groups[k] = append(groups[k], f)
	}
	return groups
}

// Keys returns the keys of groups in build order: bias, dark, flat, then by
// binning and filter.
func Keys(groups map[frame.Key][]frame.RawFrame) []frame.Key {
	keys := make([]frame.Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
			return ra < rb
		}
		if a.Binning != b.Binning {
			return a.Binning < b.Binning
		}
		return a.Filter < b.Filter
	})
	return keys
}

func typeRank(t frame.Type) int {
	for i, c := range frame.CalibrationTypes {
		if c == t {
			return i
		}
	}
	return len(frame.CalibrationTypes)
}

// Build clusters frames of a single series. Frames are sorted by timestamp
// (path breaks ties) and a new cluster opens whenever the gap to the previous
// frame exceeds gap. Clusters are numbered from 1 in opening order.
func Build(frames []frame.RawFrame, gap time.Duration) []frame.FrameCluster {
	if len(frames) == 0 {
		return nil
	}
	if gap <= 0 {
		gap = DefaultGap
	}
	sorted := make([]frame.RawFrame, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Created.Equal(sorted[j].Created) {
			return sorted[i].Created.Before(sorted[j].Created)
		}
		return sorted[i].Path < sorted[j].Path
	})

	key := sorted[0].Key()
	var clusters []frame.FrameCluster
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].Created.Sub(sorted[i-1].Created) > gap {
			members := sorted[start:i:i]
			clusters = append(clusters, frame.FrameCluster{
				Key:     key,
				Index:   len(clusters) + 1,
				Created: median(members),
				Frames:  members,
			})
			start = i
		}
	}
	return clusters
}

// BuildAll groups frames by series and clusters every group.
func BuildAll(frames []frame.RawFrame, gap time.Duration) []frame.FrameCluster {
	groups := Group(frames)
	var out []frame.FrameCluster
	for _, k := range Keys(groups) {
		out = append(out, Build(groups[k], gap)...)
	}
	return out
}

// median returns the lower median timestamp of time-sorted members.
func median(members []frame.RawFrame) time.Time {
	return members[(len(members)-1)/2].Created
}
