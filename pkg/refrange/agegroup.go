// Package refrange evaluates lab values against age-bracketed reference
// intervals and derives a trend against the previous result of the series.
//
// Every function in this package is pure: inputs are never mutated and no
// I/O is performed, so values may be shared across goroutines freely.
package refrange

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	openEndedPattern = regexp.MustCompile(`^(\d+)\+$`)
	rangePattern     = regexp.MustCompile(`^(\d+)-(\d+)$`)
	singlePattern    = regexp.MustCompile(`^(\d+)$`)
)

// AgeBracket is a parsed age group label. Max is math.MaxInt for open-ended
// brackets.
type AgeBracket struct {
	Min       int
	Max       int
	OpenEnded bool
}

// Contains reports whether age falls inside the bracket, bounds inclusive.
func (b AgeBracket) Contains(age int) bool {
	if age < b.Min {
		return false
	}
	return b.OpenEnded || age <= b.Max
}

// Overlaps reports whether the two brackets share at least one age.
func (b AgeBracket) Overlaps(other AgeBracket) bool {
	return b.Min <= other.Max && other.Min <= b.Max
}

// String renders the bracket in label form.
func (b AgeBracket) String() string {
	switch {
	case b.OpenEnded:
		return strconv.Itoa(b.Min) + "+"
	case b.Min == b.Max:
		return strconv.Itoa(b.Min)
	default:
		return strconv.Itoa(b.Min) + "-" + strconv.Itoa(b.Max)
	}
}

// ParseAgeGroup parses "N+", "N" or "min-max". Surrounding whitespace is
// ignored. It returns false for anything else, including a range whose lower
// bound exceeds its upper bound.
func ParseAgeGroup(label string) (AgeBracket, bool) {
	label = strings.TrimSpace(label)

	if m := openEndedPattern.FindStringSubmatch(label); m != nil {
		n, ok := atoi(m[1])
		if !ok {
			return AgeBracket{}, false
		}
		return AgeBracket{Min: n, Max: math.MaxInt, OpenEnded: true}, true
	}

	if m := rangePattern.FindStringSubmatch(label); m != nil {
		lo, ok1 := atoi(m[1])
		hi, ok2 := atoi(m[2])
		if !ok1 || !ok2 || lo > hi {
			return AgeBracket{}, false
		}
		return AgeBracket{Min: lo, Max: hi}, true
	}

	if m := singlePattern.FindStringSubmatch(label); m != nil {
		n, ok := atoi(m[1])
		if !ok {
			return AgeBracket{}, false
		}
		return AgeBracket{Min: n, Max: n}, true
	}

	return AgeBracket{}, false
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
