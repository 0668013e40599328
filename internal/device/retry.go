package device

import (
	"context"
	"fmt"
	"time"

	"tethercam/internal/logger"
)

// MaxAttempts is the hard cap on calls for a sustained busy condition.
const MaxAttempts = 35

// Retrier re-invokes a gateway call while the device reports busy, sleeping
// a constant interval between attempts.
type Retrier struct {
	Attempts int
	Interval time.Duration
	logger   *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier capped at MaxAttempts.
func NewRetrier(interval time.Duration, logger *logger.Logger) *Retrier {
	return &Retrier{
		Attempts: MaxAttempts,
		Interval: interval,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Execute runs fn until it succeeds, fails with a non-busy error, or the
// attempt cap is reached. Exhausting the cap yields a fatal *Error.
func (r *Retrier) Execute(ctx context.Context, op string, fn func() error) error {
	attempts := r.Attempts
	if attempts <= 0 || attempts > MaxAttempts {
		attempts = MaxAttempts
	}

	var last Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res := ResultOf(fn())
		switch res.Outcome {
		case OutcomeOK:
			return nil
		case OutcomeFatal:
			return res.Err
		}

		last = res
		r.logger.Debug("%s: device busy 0x%X, attempt %d/%d", op, res.Code, attempt, attempts)
		if attempt == attempts {
			break
		}
		if err := r.sleep(ctx, r.Interval); err != nil {
			return err
		}
	}

	return &Error{
		Kind:   KindFatal,
		Op:     op,
		Code:   last.Code,
		Reason: fmt.Sprintf("device still busy after %d attempts", attempts),
		Err:    last.Err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
