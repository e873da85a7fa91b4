// Package tier computes adaptive polling intervals for feeds.
//
// A feed's tier t polls every 2^t minutes, from 1 minute at tier 0 to
// 1024 minutes (about 17 hours) at tier 10.
package tier

import (
	"fmt"
	"time"
)

const (
	MinTier = 0
	MaxTier = 10
)

// State is the polling state carried by a feed between fetches.
type State struct {
	Tier        int
	Unmodified  int
	NextFetchAt time.Time
}

// Clamp bounds t to [MinTier, MaxTier].
func Clamp(t int) int {
	if t < MinTier {
		return MinTier
	}
	if t > MaxTier {
		return MaxTier
	}
	return t
}

// Interval returns the polling interval for tier t (clamped).
func Interval(t int) time.Duration {
	return time.Duration(1<<uint(Clamp(t))) * time.Minute
}

// NextFetchTime returns now plus the interval for tier t.
func NextFetchTime(now time.Time, t int) time.Time {
	return now.Add(Interval(t))
}

// Advance computes the next state after a fetch.
//
// New items lower the tier by one and reset the streak. Otherwise the streak
// grows, and once it reaches max(2, currentTier) the tier rises by one and the
// streak resets.
func Advance(now time.Time, currentTier int, hasNewItems bool, unmodified int) State {
	current := Clamp(currentTier)
	if unmodified < 0 {
		unmodified = 0
	}

	next := current
	if hasNewItems {
		next = Clamp(current - 1)
		unmodified = 0
	} else {
		unmodified++
		threshold := current
		if threshold < 2 {
			threshold = 2
		}
		if unmodified >= threshold {
			next = Clamp(current + 1)
			unmodified = 0
		}
	}

	return State{
		Tier:        next,
		Unmodified:  unmodified,
		NextFetchAt: NextFetchTime(now, next),
	}
}

// Initial is the state of a newly followed feed: fastest tier, due immediately.
func Initial(now time.Time) State {
	return State{Tier: MinTier, Unmodified: 0, NextFetchAt: now}
}

// IsDue reports whether a feed scheduled at next should be fetched at now.
// An unset (zero) time is always due.
func IsDue(next, now time.Time) bool {
	return next.IsZero() || !next.After(now)
}

// Describe renders the tier's interval for display, e.g. "every 4 minutes".
func Describe(t int) string {
	minutes := int(Interval(t) / time.Minute)
	switch {
	case minutes < 60:
		return plural("every %d minute", minutes)
	case minutes < 24*60:
		return plural("every %d hour", (minutes+30)/60)
	default:
		return plural("every %d day", (minutes+720)/(24*60))
	}
}

func plural(format string, n int) string {
	s := fmt.Sprintf(format, n)
	if n != 1 {
		s += "s"
	}
	return s
}
