package helpers

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// Backoff is exponential delay between Min and Max.
// Delay(n) is stateless: min(Min*K^n, Max).
// Failure, Reset, DelayBefore and DelayAfter share state, safe for concurrent use.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32       // default=2
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Delay before retry number n+1 after n failed attempts, counting from 0.
// Min=200ms Max=5s gives 200ms, 400ms, 800ms, 1.6s, 3.2s, 5s, 5s...
func (b *Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	f := float64(b.Min) * math.Pow(float64(b.factor()), float64(n))
	if f >= float64(b.Max) || math.IsInf(f, 1) {
		return b.round(b.Max)
	}
	return b.limit(time.Duration(f))
}

// DelayAfter records result of attempt and returns wait before the next one.
//
//	for !ok { ok = op(); time.Sleep(b.DelayAfter(ok)) }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	atomic.CompareAndSwapInt64(&b.next, 0, int64(b.Min))
	if !success {
		b.Failure()
		return b.DelayBefore()
	}
	b.Reset()
	return b.DelayBefore()
}

// DelayBefore is remaining wait since last Failure, 0 before any.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Failure multiplies next delay by K.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	next = time.Duration(float32(next) * b.factor())
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) factor() float32 {
	if b.K == 0 {
		return 2
	}
	return b.K
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
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
