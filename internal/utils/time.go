package utils

import "time"

// NowUTC returns the current wall-clock time in UTC.
// All pool timestamps (cooldown expiry, last-used) go through this one
// function so tests can reason about a single consistent clock.
func NowUTC() time.Time {
	return time.Now().UTC()
}
