// Package revision implements the MAJOR.MINOR revision scheme tracked in
// artifact side-car metadata, independent of commit hashes.
package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// KindMajor bumps MAJOR and resets MINOR. Any other kind bumps MINOR.
const KindMajor = "major"

// Rev is a parsed MAJOR.MINOR revision.
type Rev struct {
	Major int
	Minor int
}

// String renders the canonical "MAJOR.MINOR" form.
func (r Rev) String() string {
	return fmt.Sprintf("%d.%d", r.Major, r.Minor)
}

// Parse reads a "MAJOR.MINOR" string. Absent or unparseable input yields the
// zero revision 0.0; negative components are rejected the same way.
func Parse(s string) Rev {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 2)
	if len(parts) != 2 {
		return Rev{}
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return Rev{}
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 {
		return Rev{}
	}
	return Rev{Major: major, Minor: minor}
}

// Increment computes the next revision.
//
// kind == KindMajor: MINOR resets to 0 and MAJOR becomes explicitMajor when
// that is a non-negative integer, otherwise MAJOR+1. Any other kind leaves
// MAJOR untouched and bumps MINOR.
func Increment(current, kind, explicitMajor string) string {
	rev := Parse(current)
	if kind == KindMajor {
		rev.Minor = 0
		if major, err := strconv.Atoi(strings.TrimSpace(explicitMajor)); err == nil && major >= 0 {
			rev.Major = major
		} else {
			rev.Major++
		}
		return rev.String()
	}
	rev.Minor++
	return rev.String()
}
