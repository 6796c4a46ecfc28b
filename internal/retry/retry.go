// Package retry applies exponential backoff around provider calls. It knows
// nothing about their semantics beyond a denylist of terminal error message
// substrings.
package retry

import (
	"context"
	"strings"
	"time"
)

// Defaults give waits of 1s, 2s, 4s before the second, third and fourth
// attempt.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
)

// terminalSubstrings mark errors that retrying cannot fix: bad input or
// rejected configuration. They fail fast on first occurrence.
var terminalSubstrings = []string{
	"AccessDenied",
	"InvalidRole",
	"PermissionDenied",
}

// Options configure a retried call. The zero value takes the defaults.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration

	// Sleep is injectable for testing. nil uses a real timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

// IsTerminal reports whether the error matches the denylist and should not
// be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range terminalSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// DoWithOptions runs fn, retrying transient failures with exponential
// backoff. Terminal errors are re-raised immediately; once retries are
// exhausted the last observed error is returned.
func DoWithOptions(ctx context.Context, fn func() error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsTerminal(lastErr) {
			return lastErr
		}
		if attempt < opts.MaxRetries {
			delay := opts.InitialDelay << uint(attempt)
			if err := opts.Sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// DoValue is DoWithOptions for calls returning a value.
func DoValue[T any](ctx context.Context, fn func() (T, error), opts Options) (T, error) {
	var result T
	err := DoWithOptions(ctx, func() error {
		var err error
		result, err = fn()
		return err
	}, opts)
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
