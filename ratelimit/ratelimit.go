// Package ratelimit paces frame generation to a frame rate, a bit rate or
// both.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to pps frames and bps bits per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame float64
	nsPerBit   float64
	frames     uint64
	bits       uint64
	startTime  time.Time
	checkEvery uint64
	sinceCheck uint64

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a limiter. A zero rate is not limited; if both are zero,
// throttling is disabled.
func New(pps, bps uint64) *Throttle {
	if pps == 0 && bps == 0 {
		return nil
	}
	l := &Throttle{
		now:   time.Now,
		sleep: sleep,

		// Check time every ~10ms of frames to balance accuracy vs overhead.
		// At least every 32 frames. At most every 1024 frames.
		checkEvery: 32,
	}
	if pps > 0 {
		l.nsPerFrame = float64(time.Second) / float64(pps)
		l.checkEvery = min(max(pps/100, 32), 1024)
	}
	if bps > 0 {
		l.nsPerBit = float64(time.Second) / float64(bps)
	}
	l.startTime = l.now()
	return l
}

// Wait blocks until n more frames of size bytes in total are allowed, or
// ctx is done. It does not "catch up" by allowing faster sends after being
// delayed.
func (l *Throttle) Wait(ctx context.Context, n int, size int) error {
	if l == nil || n == 0 {
		return nil
	}

	l.frames += uint64(n)
	l.bits += uint64(size) * 8
	l.sinceCheck += uint64(n)
	if l.sinceCheck < l.checkEvery {
		return nil // Fast path: only check time periodically.
	}
	l.sinceCheck = 0

	expected := time.Duration(max(
		float64(l.frames)*l.nsPerFrame,
		float64(l.bits)*l.nsPerBit,
	))
	if d := l.startTime.Add(expected).Sub(l.now()); d > 0 {
		return l.sleep(ctx, d)
	}
	// If behind schedule, naturally catch up by not sleeping.
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
