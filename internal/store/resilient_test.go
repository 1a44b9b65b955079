package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylebebak/search-engine/internal/store"
	"github.com/kylebebak/search-engine/internal/store/memory"
	apperrors "github.com/kylebebak/search-engine/pkg/errors"
	"github.com/kylebebak/search-engine/pkg/metrics"
	"github.com/kylebebak/search-engine/pkg/resilience"
)

// flakyStore fails the first n posting reads.
type flakyStore struct {
	*memory.Store
	failures int
	calls    int
}

func (f *flakyStore) GetPostings(ctx context.Context, token string) (store.Blob, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return store.Blob{}, false, errors.New("connection reset")
	}
	return f.Store.GetPostings(ctx, token)
}

func TestResilienceRetriesBackendFailures(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), failures: 2}
	s := store.WithResilience(flaky, store.ResilienceOptions{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	_, found, err := s.GetPostings(context.Background(), "fox")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 3, flaky.calls)
}

func TestResilienceDoesNotRetryNotFound(t *testing.T) {
	mem := memory.New()
	s := store.WithResilience(mem, store.ResilienceOptions{
		Retry: resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond},
	})
	_, err := s.LookupID(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.False(t, errors.Is(err, apperrors.ErrStoreUnavailable))
}

func TestResilienceOpensBreaker(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), failures: 100}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := store.WithResilience(flaky, store.ResilienceOptions{
		Name:    "test-store",
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
		Metrics: m,
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := s.GetPostings(ctx, "fox")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrStoreUnavailable))
	}

	_, _, err := s.GetPostings(ctx, "fox")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, 2, flaky.calls, "open breaker must short-circuit the backend")
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("test-store")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("get_postings")))
}

func TestResilienceBoundsSlowCalls(t *testing.T) {
	s := store.WithResilience(slowStore{memory.New()}, store.ResilienceOptions{OpTimeout: 10 * time.Millisecond})
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrTimeout))
}

type slowStore struct{ *memory.Store }

func (slowStore) Flush(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
