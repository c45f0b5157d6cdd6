// Package version compares dotted numeric firmware versions.
//
// Parsing is permissive: up to three '.'-separated components are read,
// and a component that is missing, negative or not a number counts as 0.
// "1.2" and "1.2.0" are therefore equal, and "1.2a.3" reads as 1.0.3.
package version

import (
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Parse reads s into a major.minor.patch triple. It never fails.
func Parse(s string) semver.Version {
	var parts [3]int64

	fields := strings.SplitN(strings.TrimSpace(s), ".", 4)
	for i := 0; i < len(fields) && i < len(parts); i++ {
		n, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
		if err != nil || n < 0 {
			continue
		}
		parts[i] = n
	}

	return semver.Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}

// IsNewer reports whether candidate is strictly greater than current
func IsNewer(current, candidate string) bool {
	return Parse(current).LessThan(Parse(candidate))
}
