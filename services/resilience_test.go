package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilienceRetriesTransientFailures(t *testing.T) {
	r := fastResilience()
	attempts := 0

	err := r.Do(context.Background(), OpGrading, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &APIError{Provider: "llm", StatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestResilienceStopsAfterMaxAttempts(t *testing.T) {
	r := fastResilience()
	attempts := 0

	err := r.Do(context.Background(), OpMapping, func(ctx context.Context) error {
		attempts++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestResilienceDoesNotRetryPermanentFailures(t *testing.T) {
	r := fastResilience()
	attempts := 0

	err := r.Do(context.Background(), OpGrading, func(ctx context.Context) error {
		attempts++
		return &APIError{Provider: "llm", StatusCode: 401}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, KindAuthentication, KindOf(err))
}

func TestResilienceBreakerOpensPerOperation(t *testing.T) {
	r := fastResilience()
	failing := func(ctx context.Context) error { return &APIError{Provider: "ocr", StatusCode: 502} }

	// one Do call makes three attempts, enough to trip the breaker
	_ = r.Do(context.Background(), OpExtraction, failing)
	assert.Equal(t, gobreaker.StateOpen, r.BreakerState(OpExtraction))

	calls := 0
	err := r.Do(context.Background(), OpExtraction, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, KindServiceUnavailable, KindOf(err))

	// other operations are unaffected
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState(OpGrading))
	require.NoError(t, r.Do(context.Background(), OpGrading, func(ctx context.Context) error { return nil }))
}

func TestResilienceMalformedRequestsDoNotTripBreaker(t *testing.T) {
	r := fastResilience()
	for i := 0; i < 5; i++ {
		_ = r.Do(context.Background(), OpMapping, func(ctx context.Context) error {
			return &APIError{Provider: "llm", StatusCode: 400}
		})
	}
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState(OpMapping))
}

func TestResilienceAppliesPerAttemptTimeout(t *testing.T) {
	r := NewResilience(ResilienceConfig{
		ModelCallTimeout: 20 * time.Millisecond,
		MaxAttempts:      1,
		InitialBackoff:   time.Millisecond,
	}, nil)

	err := r.Do(context.Background(), OpGrading, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestResilienceCancelledContext(t *testing.T) {
	r := fastResilience()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, OpGrading, func(ctx context.Context) error { return ctx.Err() })
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}
