package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

func fastRetry(maxRetries int) *mimirerrors.RetryConfig {
	return &mimirerrors.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newTestScheduler(t *testing.T, limits config.ProviderLimits, window time.Duration) *Scheduler {
	t.Helper()
	s := NewScheduler("test", limits, SchedulerOptions{
		Window: window,
		Retry:  fastRetry(limits.Retries),
	})
	t.Cleanup(s.Close)
	return s
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          2,
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1_000_000,
	}, time.Minute)

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), s, 10, func(ctx context.Context) (int, error) {
				n := atomic.AddInt64(&active, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return 0, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestSchedulerRequestReservoirRefills(t *testing.T) {
	window := 80 * time.Millisecond
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          4,
		MaxRequestsPerMinute: 2,
		MaxTokensPerMinute:   1_000_000,
	}, window)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), s, 1, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		require.NoError(t, err)
	}
	// The third request needs the next window.
	assert.GreaterOrEqual(t, time.Since(start), window/2)
}

func TestSchedulerCapsTokenReservationAtCapacity(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          1,
		MaxRequestsPerMinute: 100,
		MaxTokensPerMinute:   50,
	}, time.Minute)

	// An estimate above capacity must still be admitted.
	done := make(chan struct{})
	go func() {
		_, err := Do(context.Background(), s, 10_000, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		assert.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized reservation was never admitted")
	}
}

func TestSchedulerFIFOAdmission(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          1,
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1_000_000,
	}, time.Minute)

	blockerIn := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), s, 1, func(ctx context.Context) (int, error) {
			close(blockerIn)
			<-blockerDone
			return 0, nil
		})
	}()
	<-blockerIn

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), s, 1, func(ctx context.Context) (int, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return 0, nil
			})
		}()
		// Serialize enqueue order.
		time.Sleep(20 * time.Millisecond)
	}

	close(blockerDone)
	wg.Wait()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestSchedulerRetriesUntilSuccess(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          1,
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1_000_000,
		Retries:              3,
	}, time.Minute)

	attempts := 0
	result, err := Do(context.Background(), s, 1, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", mimirerrors.Newf(mimirerrors.ErrCodeTransport, "flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestSchedulerDoesNotRetryProviderRejection(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          1,
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1_000_000,
		Retries:              3,
	}, time.Minute)

	attempts := 0
	_, err := Do(context.Background(), s, 1, func(ctx context.Context) (string, error) {
		attempts++
		return "", mimirerrors.Newf(mimirerrors.ErrCodeProviderAuth, "bad key")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, &mimirerrors.Error{Code: mimirerrors.ErrCodeProviderAuth})
	assert.Equal(t, 1, attempts)
}

func TestSchedulerCancellation(t *testing.T) {
	s := newTestScheduler(t, config.ProviderLimits{
		Concurrency:          1,
		MaxRequestsPerMinute: 1000,
		MaxTokensPerMinute:   1_000_000,
	}, time.Minute)

	// Hold the only slot.
	blockerIn := make(chan struct{})
	blockerDone := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), s, 1, func(ctx context.Context) (int, error) {
			close(blockerIn)
			<-blockerDone
			return 0, nil
		})
	}()
	<-blockerIn
	defer close(blockerDone)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := Do(ctx, s, 1, func(ctx context.Context) (int, error) {
			return 0, nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, &mimirerrors.Error{Code: mimirerrors.ErrCodeCanceled})
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not propagate")
	}
}
