// Package backoff computes capped exponential delays. Reconnects, uploads,
// downloads and the retry queue all share the same base * 2^attempt rule.
package backoff

import (
	"context"
	"time"
)

// Policy doubles Base per attempt and never exceeds Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^attempt capped at Max. Attempt 0 yields Base.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// SleepFunc waits for d or until ctx is done. Components take one so tests can
// record delays instead of waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
