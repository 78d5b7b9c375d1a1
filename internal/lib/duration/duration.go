// Package duration parses the lifetime strings used in configuration
// ("900", "15m", "1h", "7d") into whole seconds.
package duration

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// FallbackSeconds is returned for any input that cannot be parsed.
const FallbackSeconds int64 = 3600

// MaxSeconds is the largest lifetime that still fits in a time.Duration.
const MaxSeconds = int64(math.MaxInt64 / int64(time.Second))

var units = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 24 * 60 * 60,
	'w': 7 * 24 * 60 * 60,
}

// Seconds converts a lifetime string to seconds. A bare number is read as
// seconds. Unparseable, non-positive or out-of-range values yield FallbackSeconds.
func Seconds(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return FallbackSeconds
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 || n > MaxSeconds {
			return FallbackSeconds
		}
		return n
	}

	mult, ok := units[s[len(s)-1]]
	if !ok {
		return FallbackSeconds
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 || n > MaxSeconds/mult {
		return FallbackSeconds
	}

	return n * mult
}

// Parse is Seconds expressed as a time.Duration.
func Parse(s string) time.Duration {
	return time.Duration(Seconds(s)) * time.Second
}
