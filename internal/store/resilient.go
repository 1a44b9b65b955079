package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/resilience"
)

// ResilienceOptions configures WithResilience.
type ResilienceOptions struct {
	Name      string
	OpTimeout time.Duration
	Retry     resilience.RetryConfig
	Breaker   resilience.CircuitBreakerConfig
	Metrics   *metrics.Metrics
}

// resilientStore bounds every call with a timeout, guards the backend with a
// circuit breaker, optionally retries, and records latency per operation.
type resilientStore struct {
	next    Store
	opts    ResilienceOptions
	breaker *resilience.CircuitBreaker
}

// WithResilience decorates s. Lookups that miss (ErrNotFound) and caller
// cancellations are returned unchanged and never count as backend failures.
func WithResilience(s Store, opts ResilienceOptions) Store {
	if opts.Name == "" {
		opts.Name = "store"
	}
	if opts.Metrics != nil {
		m := opts.Metrics
		prev := opts.Breaker.OnStateChange
		opts.Breaker.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			if prev != nil {
				prev(name, to)
			}
		}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	opts.Retry.ShouldRetry = isBackendFailure
	opts.Breaker.IsFailure = isBackendFailure
	return &resilientStore{
		next:    s,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(opts.Name, opts.Breaker),
	}
}

func isBackendFailure(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, resilience.ErrCircuitOpen)
}

func (r *resilientStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := resilience.Retry(ctx, r.opts.Name+"."+op, r.opts.Retry, func() error {
		return r.breaker.Execute(func() error {
			if r.opts.OpTimeout <= 0 {
				return fn(ctx)
			}
			opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
			defer cancel()
			return fn(opCtx)
		})
	})
	if m := r.opts.Metrics; m != nil {
		m.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil && isBackendFailure(err) {
			m.StoreErrorsTotal.WithLabelValues(op).Inc()
		}
	}
	switch {
	case err == nil, !isBackendFailure(err) && !errors.Is(err, resilience.ErrCircuitOpen):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}
}

func (r *resilientStore) AssignID(ctx context.Context, name string) (id DocID, created bool, err error) {
	err = r.do(ctx, "assign_id", func(ctx context.Context) error {
		id, created, err = r.next.AssignID(ctx, name)
		return err
	})
	return id, created, err
}

func (r *resilientStore) LookupID(ctx context.Context, name string) (id DocID, err error) {
	err = r.do(ctx, "lookup_id", func(ctx context.Context) error {
		id, err = r.next.LookupID(ctx, name)
		return err
	})
	return id, err
}

func (r *resilientStore) LookupNames(ctx context.Context, ids []DocID) (names map[DocID]string, err error) {
	err = r.do(ctx, "lookup_names", func(ctx context.Context) error {
		names, err = r.next.LookupNames(ctx, ids)
		return err
	})
	return names, err
}

func (r *resilientStore) SetMagnitude(ctx context.Context, id DocID, magnitude float64) error {
	return r.do(ctx, "set_magnitude", func(ctx context.Context) error {
		return r.next.SetMagnitude(ctx, id, magnitude)
	})
}

func (r *resilientStore) Magnitudes(ctx context.Context, ids []DocID) (mags map[DocID]float64, err error) {
	err = r.do(ctx, "magnitudes", func(ctx context.Context) error {
		mags, err = r.next.Magnitudes(ctx, ids)
		return err
	})
	return mags, err
}

func (r *resilientStore) DocCount(ctx context.Context) (n int64, err error) {
	err = r.do(ctx, "doc_count", func(ctx context.Context) error {
		n, err = r.next.DocCount(ctx)
		return err
	})
	return n, err
}

func (r *resilientStore) GetPostings(ctx context.Context, token string) (blob Blob, found bool, err error) {
	err = r.do(ctx, "get_postings", func(ctx context.Context) error {
		blob, found, err = r.next.GetPostings(ctx, token)
		return err
	})
	return blob, found, err
}

func (r *resilientStore) CompareAndSwapPostings(ctx context.Context, token string, expected int64, data []byte) (swapped bool, err error) {
	err = r.do(ctx, "cas_postings", func(ctx context.Context) error {
		swapped, err = r.next.CompareAndSwapPostings(ctx, token, expected, data)
		return err
	})
	return swapped, err
}

func (r *resilientStore) DocTokens(ctx context.Context, id DocID) (tokens []string, err error) {
	err = r.do(ctx, "doc_tokens", func(ctx context.Context) error {
		tokens, err = r.next.DocTokens(ctx, id)
		return err
	})
	return tokens, err
}

func (r *resilientStore) SetDocTokens(ctx context.Context, id DocID, tokens []string) error {
	return r.do(ctx, "set_doc_tokens", func(ctx context.Context) error {
		return r.next.SetDocTokens(ctx, id, tokens)
	})
}

func (r *resilientStore) Flush(ctx context.Context) error {
	return r.do(ctx, "flush", r.next.Flush)
}

func (r *resilientStore) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *resilientStore) Close() error {
	return r.next.Close()
}
