package helpers

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Limited exponential backoff for retry delays.
// Use scenario:
//
//	for {
//	  err := op()
//	  if err == nil { backoff.Reset(); continue }
//	  time.Sleep(backoff.Failure())
//	}
//
// First Failure() returns Min, each next one K times more, up to Max.
// Delay n is Min*K^n from failure count, rounded down to Res.
// Safe for concurrent use.
type Backoff struct {
	fails int64 // atomic align
	last  atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float64
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Failure returns delay to wait before next attempt and escalates following delay.
func (b *Backoff) Failure() time.Duration {
	n := atomic.AddInt64(&b.fails, 1) - 1
	b.last.SetNow()
	return b.delay(n)
}

// Current delay that next Failure() would return.
func (b *Backoff) Current() time.Duration {
	return b.delay(atomic.LoadInt64(&b.fails))
}

// Failures since last Reset.
func (b *Backoff) Failures() int { return int(atomic.LoadInt64(&b.fails)) }

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.fails, 0)
}

// SinceFailure is time since last Failure(), zero before first failure.
func (b *Backoff) SinceFailure() time.Duration {
	if b.last.IsZero() {
		return 0
	}
	return atomic_clock.Since(&b.last)
}

func (b *Backoff) delay(n int64) time.Duration {
	f := float64(b.Min)
	if n > 0 && b.K > 1 {
		f *= math.Pow(b.K, float64(n))
	}
	switch {
	case b.Max > 0 && f >= float64(b.Max):
		f = float64(b.Max)
	case f >= math.MaxInt64/2:
		f = math.MaxInt64 / 2
	}
	d := time.Duration(f)
	if d < b.Min {
		d = b.Min
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}

// Sleep waits for d or until stopch is closed.
// Returns false when interrupted.
func Sleep(d time.Duration, stopch <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stopch:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopch:
		return false
	}
}
