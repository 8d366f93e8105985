// Package backoff computes jittered exponential retry delays for reconnect loops.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Defaults shared by the notify bridge and the change-feed listener.
const (
	Initial    = 1 * time.Second
	Max        = 30 * time.Second
	multiplier = 2
)

// Next doubles the current backoff duration with random jitter (±25%),
// capped at limit. Jitter prevents thundering herd on reconnect.
func Next(current, limit time.Duration) time.Duration {
	next := current * multiplier
	if next <= 0 {
		next = Initial
	}

	if next > limit {
		next = limit
	}

	jitter := float64(next) * (0.75 + rand.Float64()*0.5) //nolint:gosec // jitter doesn't need crypto rand.

	return time.Duration(jitter)
}
