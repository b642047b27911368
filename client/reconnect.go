// Package client implements the consumer side of the stream contract:
// exponential backoff on reconnect attempts and degradation to point-in-time
// status polling when the live stream cannot be sustained.
package client

import "time"

// ReconnectPolicy governs stream re-attempts after a failure or stall.
type ReconnectPolicy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Cap bounds the doubling.
	Cap time.Duration
	// MaxAttempts is the number of consecutive failures tolerated before
	// the client abandons the stream and stays on polling.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the documented defaults:
// 1s, 2s, 4s, 8s, ... capped at 30s, abandoning after 10 failures.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial:     time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before retry number `failures` (1-based).
func (p ReconnectPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := p.Initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Abandoned reports whether the stream should no longer be re-attempted.
func (p ReconnectPolicy) Abandoned(failures int) bool {
	return failures >= p.MaxAttempts
}
