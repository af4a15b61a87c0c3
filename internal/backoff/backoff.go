// Package backoff computes retry delays: exponential growth with a cap and
// randomized jitter to avoid synchronized retry storms.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Policy bounds the backoff curve. Delay grows as base*2^attempt up to max,
// then each delay is randomized by ±delay*jitterFraction.
type Policy struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
}

// Default returns the baseline policy used when configuration is absent.
func Default() Policy {
	return Policy{
		Base:           500 * time.Millisecond,
		Max:            time.Minute,
		JitterFraction: 0.25,
	}
}

// Delay returns the backoff delay before retry number attempt (1-based: the
// delay after the attempt-th failed try). The result is never negative.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = Default().Base
	}
	max := p.Max
	if max <= 0 {
		max = Default().Max
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	if p.JitterFraction > 0 {
		span := int64(float64(d) * p.JitterFraction)
		if span > 0 {
			randMu.Lock()
			offset := randSource.Int63n(2*span+1) - span
			randMu.Unlock()
			d += time.Duration(offset)
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// MaxTotal returns an upper bound on the sum of all delays across maxAttempts
// retries, jitter included. Used to bound exhaustion time.
func (p Policy) MaxTotal(maxAttempts int) time.Duration {
	noJitter := Policy{Base: p.Base, Max: p.Max}
	var total time.Duration
	for i := 1; i <= maxAttempts; i++ {
		d := noJitter.Delay(i)
		total += d + time.Duration(float64(d)*p.JitterFraction)
	}
	return total
}
