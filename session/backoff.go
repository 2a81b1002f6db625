package session

import (
	"context"
	"time"
)

// Backoff counts consecutive scan/connect failures. Below MaxAttempts the
// caller retries on its regular interval; at the threshold one extended
// window is slept and the counter starts over.
type Backoff struct {
	MaxAttempts int
	Window      time.Duration

	// Sleep waits for d or until ctx ends
	Sleep func(ctx context.Context, d time.Duration) error

	failures int
	applied  int
}

// NewBackoff returns a policy with the given threshold and window
func NewBackoff(maxAttempts int, window time.Duration) *Backoff {
	return &Backoff{
		MaxAttempts: maxAttempts,
		Window:      window,
		Sleep:       SleepContext,
	}
}

// Failure records one failed attempt and returns the new count
func (b *Backoff) Failure() int {
	b.failures++
	return b.failures
}

// Success clears the counter
func (b *Backoff) Success() {
	b.failures = 0
}

// Failures returns the consecutive failure count
func (b *Backoff) Failures() int {
	return b.failures
}

// Applied returns how many extended windows were slept
func (b *Backoff) Applied() int {
	return b.applied
}

// Wait sleeps the extended window when the threshold is reached, then resets
// the counter. It reports whether a window was applied.
func (b *Backoff) Wait(ctx context.Context) (bool, error) {
	if b.MaxAttempts <= 0 || b.failures < b.MaxAttempts {
		return false, nil
	}
	if err := b.Sleep(ctx, b.Window); err != nil {
		return false, err
	}
	b.applied++
	b.failures = 0
	return true, nil
}

// SleepContext is a cancellable sleep
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
