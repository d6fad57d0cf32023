// Package retry holds the backoff sequence used between failed attempts.
package retry

import (
	"errors"
	"time"
)

// DefaultSequence caps retries at 15 minutes apart.
var DefaultSequence = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

var ErrEmptySequence = errors.New("retry sequence is empty")

// Policy maps an attempt index to the delay before the next attempt. Indices
// past the end of the sequence reuse its last entry.
type Policy struct {
	seq []time.Duration
}

// New copies seq. It must be non-empty with no negative entries.
func New(seq []time.Duration) (Policy, error) {
	if len(seq) == 0 {
		return Policy{}, ErrEmptySequence
	}
	for _, d := range seq {
		if d < 0 {
			return Policy{}, errors.New("retry sequence contains a negative delay")
		}
	}
	cp := make([]time.Duration, len(seq))
	copy(cp, seq)
	return Policy{seq: cp}, nil
}

// Default returns the policy built from DefaultSequence.
func Default() Policy {
	p, _ := New(DefaultSequence)
	return p
}

// DelayFor returns seq[min(i, len-1)]. Negative indices map to the first entry.
func (p Policy) DelayFor(i int) time.Duration {
	if len(p.seq) == 0 {
		return DefaultSequence[min(max(i, 0), len(DefaultSequence)-1)]
	}
	return p.seq[min(max(i, 0), len(p.seq)-1)]
}

// Len returns the length of the sequence.
func (p Policy) Len() int {
	if len(p.seq) == 0 {
		return len(DefaultSequence)
	}
	return len(p.seq)
}
