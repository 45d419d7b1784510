package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransientError marks a collaborator failure worth retrying locally before
// escalating to the pipeline.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// InvokeWithRetry calls the invoker, retrying transient failures up to
// attempts total calls. The retry is invisible to the state machine except
// via elapsed time; a non-transient error or an exhausted budget is returned
// to the caller for pipeline-level classification.
func InvokeWithRetry(ctx context.Context, inv Invoker, call Invocation, attempts int, backoff time.Duration) (*Result, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		res, err := inv.Invoke(ctx, call)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("agent %s failed after %d attempts: %w", call.Role, attempts, lastErr)
}
