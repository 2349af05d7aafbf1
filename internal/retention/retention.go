// Package retention derives how long ephemeral pipeline artifacts are kept.
// Everything here is pure: no I/O and no mutable state.
package retention

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDays = 1
	MinDays     = 1
	MaxDays     = 365
)

const day = 24 * time.Hour

// Policy is a retention window measured in whole days.
type Policy struct {
	days int
}

// New clamps days into [MinDays, MaxDays].
func New(days int) Policy {
	return Policy{days: clamp(days)}
}

// Default returns the one-day policy.
func Default() Policy { return Policy{days: DefaultDays} }

// FromString parses a configured day count. Empty, non-numeric, NaN and
// infinite values yield the default; finite values are floored and clamped.
func FromString(raw string) Policy {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Default()
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Default()
	}
	f = math.Floor(f)
	if f < MinDays {
		return Policy{days: MinDays}
	}
	if f > MaxDays {
		return Policy{days: MaxDays}
	}
	return Policy{days: int(f)}
}

// Days returns the clamped day count. The zero Policy reports DefaultDays.
func (p Policy) Days() int {
	if p.days == 0 {
		return DefaultDays
	}
	return p.days
}

// MaxAge is the window as a duration.
func (p Policy) MaxAge() time.Duration {
	return time.Duration(p.Days()) * day
}

// MaxAgeSeconds is the window in seconds.
func (p Policy) MaxAgeSeconds() int {
	return p.Days() * int(day/time.Second)
}

// ExpiryInstant is when an artifact created at now becomes eligible for deletion.
func (p Policy) ExpiryInstant(now time.Time) time.Time {
	return now.Add(p.MaxAge())
}

// Cutoff is the oldest creation time still retained at now.
func (p Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.MaxAge())
}

// Expired reports whether an artifact created at createdAt may be deleted at now.
func (p Policy) Expired(createdAt, now time.Time) bool {
	return !createdAt.After(p.Cutoff(now))
}

func clamp(days int) int {
	switch {
	case days < MinDays:
		return MinDays
	case days > MaxDays:
		return MaxDays
	default:
		return days
	}
}
