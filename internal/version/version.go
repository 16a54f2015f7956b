// Package version compares agent version strings.
package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions compares two agent versions.
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
//
// Versions that are not valid semver, such as the four-part build numbers some
// agents report, are compared numerically segment by segment.
func CompareVersions(v1, v2 string) int {
	v1 = normalizeVersion(v1)
	v2 = normalizeVersion(v2)

	sv1, err1 := semver.NewVersion(v1)
	sv2, err2 := semver.NewVersion(v2)
	if err1 == nil && err2 == nil {
		return sv1.Compare(sv2)
	}
	return compareSegments(parseSegments(v1), parseSegments(v2))
}

// IsNewer reports whether candidate is strictly newer than current. An empty
// candidate is never newer.
func IsNewer(current, candidate string) bool {
	if normalizeVersion(candidate) == "" {
		return false
	}
	return CompareVersions(current, candidate) < 0
}

// normalizeVersion strips 'v' prefix and surrounding whitespace
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "V")
	return v
}

// parseSegments splits the release part of v into numbers. A segment's
// non-numeric suffix is ignored.
func parseSegments(v string) []int {
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		v = v[:idx]
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		out[i], _ = strconv.Atoi(p[:end])
	}
	return out
}

func compareSegments(a, b []int) int {
	n := max(len(a), len(b))
	for i := range n {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
