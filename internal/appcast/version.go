package appcast

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted sequence of non-negative integers ("0.32.1").
// Appcast feeds publish plain dotted versions; anything else is invalid
// and causes the containing item to be dropped.
type Version struct {
	components []int
	raw        string
}

// ParseVersion parses a dotted version string. ok is false when any
// component is missing, negative, or non-numeric.
func ParseVersion(s string) (Version, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, false
	}

	parts := strings.Split(s, ".")
	components := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, false
		}
		components = append(components, n)
	}

	return Version{components: components, raw: s}, true
}

// IsValid reports whether v holds a parsed version.
func (v Version) IsValid() bool {
	return len(v.components) > 0
}

func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0, or 1 as v sorts before, equal to, or after o.
// Missing components compare as zero, so "1.2" equals "1.2.0".
func (v Version) Compare(o Version) int {
	n := len(v.components)
	if len(o.components) > n {
		n = len(o.components)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.components) {
			a = v.components[i]
		}
		if i < len(o.components) {
			b = o.components[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Newer reports whether v is strictly newer than o.
func (v Version) Newer(o Version) bool {
	return v.Compare(o) > 0
}

// MustParseVersion is a test helper that panics on invalid input.
func MustParseVersion(s string) Version {
	v, ok := ParseVersion(s)
	if !ok {
		panic(fmt.Sprintf("invalid version %q", s))
	}
	return v
}
