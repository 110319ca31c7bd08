// Package retry re-attempts output writes that fail transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how fast an operation is re-attempted.
type Policy struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter,omitempty"` // ±fraction, e.g. 0.2
}

// DefaultPolicy is used for outputs that do not configure one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Jitter:          0.2,
	}
}

// Once never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 {
		errs = append(errs, errors.New("intervals must not be negative"))
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		errs = append(errs, errors.New("initialInterval must not exceed maxInterval"))
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("jitter must be in [0, 1), got %g", p.Jitter))
	}
	return errors.Join(errs...)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the policy's
// attempts are used up or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

// backoff returns the wait after the given 1-based failed attempt.
func (p Policy) backoff(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(2, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		j := d * p.Jitter
		d = d - j + rand.Float64()*2*j
	}
	return time.Duration(d)
}
