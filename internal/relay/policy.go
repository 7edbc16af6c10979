package relay

import (
	"math/rand"
	"time"

	"github.com/richardliu001/permissions-service/internal/sink"
)

// Class is the retry classification of a dispatch failure.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Policy decides what happens to a message after a failed dispatch.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	jitter func(max time.Duration) time.Duration
}

// NewPolicy returns a policy with uniform jitter in [0, base].
func NewPolicy(maxRetries int, base, ceiling time.Duration) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  base,
		MaxDelay:   ceiling,
		jitter:     randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// Classify sorts err into Transient or Permanent. Unclassified errors,
// timeouts included, are transient.
func (p Policy) Classify(err error) Class {
	if sink.IsPermanent(err) {
		return Permanent
	}
	return Transient
}

// Backoff is the delay before attempt number attempt+1, where attempt counts
// the failures so far: base doubled per failure, capped, plus jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.jitter != nil {
		d += p.jitter(p.BaseDelay)
	}
	return d
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Attempts      int
	Class         Class
	DeadLetter    bool
	NextAttemptAt time.Time
}

// Decide takes the attempt count including the one that just failed.
// Permanent failures dead-letter at once; transient ones retry while
// attempts <= MaxRetries.
func (p Policy) Decide(attempts int, err error, now time.Time) Decision {
	d := Decision{Attempts: attempts, Class: p.Classify(err)}
	if d.Class == Permanent || attempts > p.MaxRetries {
		d.DeadLetter = true
		return d
	}
	d.NextAttemptAt = now.Add(p.Backoff(attempts))
	return d
}
