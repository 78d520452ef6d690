package dispatch

import "time"

const DefaultMaxAttempts = 10

// DefaultSchedule is the wait after the nth failed attempt; the last entry repeats.
var DefaultSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// delayAfter returns the wait following the given (1-based) attempt number.
func delayAfter(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Minute
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}
