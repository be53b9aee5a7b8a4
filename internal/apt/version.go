package apt

import (
	"strconv"
	"strings"
)

// CompareVersions compares two Debian package version strings and returns
// -1, 0, or +1 when a sorts before, equal to, or after b.
//
// Each version splits into "epoch:upstream-revision". Epochs compare
// numerically. Upstream and revision compare with the alternating rule:
// strip a maximal non-digit run from both sides and compare it lexically,
// then strip a maximal digit run and compare it numerically (an empty run
// counts as zero), until both sides are exhausted. The side with leftover
// characters sorts after the exhausted one.
//
// Non-digit runs use plain byte-wise comparison. The tilde does not sort
// before the empty string here, which diverges from full Debian policy for
// pre-release suffixes such as "~rc1".
func CompareVersions(a, b string) int {
	ae, au, ar := parseVersion(a)
	be, bu, br := parseVersion(b)

	switch {
	case ae < be:
		return -1
	case ae > be:
		return 1
	}
	if c := compareAlternating(au, bu); c != 0 {
		return c
	}
	return compareAlternating(ar, br)
}

// parseVersion splits a version into epoch, upstream version, and Debian
// revision. A missing epoch is 0 and a missing revision is "0". A version
// whose epoch prefix is not numeric degrades to (0, "", "0") so that
// comparisons stay total.
func parseVersion(v string) (epoch int, upstream, revision string) {
	upstream = v
	if i := strings.Index(v, ":"); i >= 0 {
		n, err := strconv.Atoi(v[:i])
		if err != nil {
			return 0, "", "0"
		}
		epoch = n
		upstream = v[i+1:]
	}
	revision = "0"
	if j := strings.LastIndex(upstream, "-"); j >= 0 {
		revision = upstream[j+1:]
		upstream = upstream[:j]
	}
	return epoch, upstream, revision
}

func compareAlternating(a, b string) int {
	for len(a) > 0 || len(b) > 0 {
		as, a2 := splitRun(a, false)
		bs, b2 := splitRun(b, false)
		if as != bs {
			if as < bs {
				return -1
			}
			return 1
		}

		ad, a3 := splitRun(a2, true)
		bd, b3 := splitRun(b2, true)
		if c := compareNumeric(ad, bd); c != 0 {
			return c
		}
		a, b = a3, b3
	}
	return 0
}

// splitRun removes the maximal leading run of digits (digits=true) or
// non-digits (digits=false) and returns the run and the remainder.
func splitRun(s string, digits bool) (run, rest string) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') == digits {
		i++
	}
	return s[:i], s[i:]
}

// compareNumeric compares two digit runs by value. Runs may exceed the
// range of any machine integer, so trim leading zeros and compare by
// length, then lexically.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
