package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kylebebak/search-engine/pkg/errors"
)

// TimeoutError reports that an operation outlived its time limit. It matches
// both context.DeadlineExceeded and apperrors.ErrTimeout with errors.Is.
type TimeoutError struct {
	Name  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v (limit: %v)", e.Name, context.DeadlineExceeded, e.Limit)
}

func (e *TimeoutError) Is(target error) bool {
	return target == apperrors.ErrTimeout || target == context.DeadlineExceeded
}

// WithTimeout runs fn with a context cancelled after timeout and returns
// without waiting for fn once the limit passes. fn must honour its context;
// one that ignores it keeps running in the background. A non-positive
// timeout runs fn directly.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &TimeoutError{Name: name, Limit: timeout}
		}
		return err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: parent context done: %w", name, err)
		}
		return &TimeoutError{Name: name, Limit: timeout}
	}
}
