// Package verify defines the boundary to the external payment provider.
//
// A provider call either yields an Outcome or fails with one of two classes:
// ErrInvalid, where the provider affirmatively rejected the token and the
// failure is terminal, or ErrTransient, where the caller may retry. Anything
// that cannot be classified is treated as transient so that an outage never
// permanently denies a legitimate purchase.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalid   = errors.New("purchase token rejected by provider")
	ErrTransient = errors.New("provider temporarily unavailable")
)

// Outcome is the provider's verdict on a raw purchase token.
type Outcome struct {
	Valid     bool
	ExpiresAt time.Time
}

// Verifier confirms a raw purchase token with the payment provider.
type Verifier interface {
	Verify(ctx context.Context, purchaseToken string) (Outcome, error)
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, purchaseToken string) (Outcome, error)

func (f Func) Verify(ctx context.Context, purchaseToken string) (Outcome, error) {
	return f(ctx, purchaseToken)
}

// Invalid returns a terminal rejection carrying reason.
func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, reason)
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsInvalid(err error) bool   { return errors.Is(err, ErrInvalid) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Classify normalises an error returned by a Verifier. Invalid stays invalid;
// everything else, including context cancellation, becomes transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsInvalid(err), IsTransient(err):
		return err
	default:
		return Transient(err)
	}
}
