// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter holds a closed interval [Min, Max] that a commanded value must lie in
type Limiter struct {
	Min float64 `json:"min" yaml:"Min" koanf:"Min"`
	Max float64 `json:"max" yaml:"Max" koanf:"Max"`
}

// Check returns true if min <= input <= max.  NaN is never OK.
func (l Limiter) Check(input float64) bool {
	return input >= l.Min && input <= l.Max
}

// Valid returns true if the interval is not empty or inverted
func (l Limiter) Valid() bool {
	return l.Min < l.Max
}

// ApproxEqual returns true if |a-b| <= atol
func ApproxEqual(a, b, atol float64) bool {
	return math.Abs(b-a) <= atol
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique strings in the input, in order of first appearance
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
