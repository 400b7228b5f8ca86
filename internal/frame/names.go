package frame

import (
	"fmt"
	"regexp"
	"strconv"
)

var masterNameRe = regexp.MustCompile(`^master_(bias|dark|flat)(\d+x\d+)(.*)C(\d+)\.fits$`)

// MasterName returns the file name of the master for key built from the
// given cluster, e.g. master_bias3x3C2.fits or master_flat1x1H-alphaC1.fits.
func MasterName(key Key, cluster int) string {
	filter := ""
	if key.Type == Flat {
		filter = key.Filter
	}
	return fmt.Sprintf("master_%s%s%sC%d.fits", key.Type, key.Binning, filter, cluster)
}

// ParseMasterName recovers the key and cluster index from a master file name.
func ParseMasterName(name string) (Key, int, error) {
	m := masterNameRe.FindStringSubmatch(name)
	if m == nil {
		return Key{}, 0, fmt.Errorf("not a master frame name: %q", name)
	}
	cluster, err := strconv.Atoi(m[4])
	if err != nil {
		return Key{}, 0, fmt.Errorf("master %q: cluster index: %w", name, err)
	}
	t := Type(m[1])
	if t != Flat && m[3] != "" {
		return Key{}, 0, fmt.Errorf("master %q: unexpected filter on %s", name, t)
	}
	return NewKey(t, m[2], m[3]), cluster, nil
}
