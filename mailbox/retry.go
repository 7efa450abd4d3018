package mailbox

import (
	"errors"
	"io/fs"
	"time"
)

// RetryPolicy bounds the retries of transient file I/O errors.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the wait before the second try; it doubles after each failure.
	Delay time.Duration
}

// DefaultRetry is used by every mailbox unless overridden.
var DefaultRetry = RetryPolicy{Attempts: 3, Delay: 20 * time.Millisecond}

// Do runs op until it succeeds or the attempts are used up. A missing
// file is an answer, not a transient failure, and is returned at once.
func (p RetryPolicy) Do(op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil || errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
