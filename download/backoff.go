package download

import (
	"time"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// Backoff implements the resumer's exponential-backoff schedule: the
// interval starts at Smallest, doubles every 3rd call to Next (capped
// at Max), and reports exhaustion once doubling stops changing the
// value and the retry budget (MaxRetries, 0 = unbounded) is used up.
type Backoff struct {
	Smallest   time.Duration
	Max        time.Duration
	MaxRetries int

	iteration int
	current   time.Duration
}

// NewBackoff returns a Backoff ready for its first Next call.
func NewBackoff(smallest, max time.Duration, maxRetries int) *Backoff {
	return &Backoff{Smallest: smallest, Max: max, MaxRetries: maxRetries, current: smallest}
}

// Next returns the interval to wait before the next retry, or a
// MaxRetryError if the schedule is exhausted.
func (b *Backoff) Next() (time.Duration, error) {
	b.iteration++

	if b.MaxRetries > 0 && b.iteration > b.MaxRetries {
		return 0, merror.New(merror.MaxRetryError, "download.Backoff.Next", nil)
	}

	isDoublingIteration := b.iteration > 1 && (b.iteration-1)%3 == 0
	if isDoublingIteration {
		before := b.current
		doubled := b.current * 2
		if doubled > b.Max {
			doubled = b.Max
		}
		b.current = doubled

		if b.current == before && b.MaxRetries <= 0 {
			return 0, merror.New(merror.MaxRetryError, "download.Backoff.Next", nil)
		}
	}

	return b.current, nil
}

// Reset returns the Backoff to its initial state, used when a
// connection succeeds and later breaks again independently.
func (b *Backoff) Reset() {
	b.iteration = 0
	b.current = b.Smallest
}
