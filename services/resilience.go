package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OperationKind names a class of external call guarded by the resilience layer
type OperationKind string

const (
	OpExtraction     OperationKind = "extraction"
	OpClassification OperationKind = "classification"
	OpMapping        OperationKind = "mapping"
	OpGrading        OperationKind = "grading"
)

var operationKinds = []OperationKind{OpExtraction, OpClassification, OpMapping, OpGrading}

// ResilienceConfig holds retry, timeout, breaker and rate settings
type ResilienceConfig struct {
	ModelCallTimeout      time.Duration
	ExtractionCallTimeout time.Duration
	MaxAttempts           int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	BreakerFailures       uint32
	BreakerCooldown       time.Duration
	ModelRPS              float64 // 0 disables limiting
	ExtractionRPS         float64
	Burst                 int
}

// DefaultResilienceConfig keeps per-attempt timeouts under the 120s
// slow-call alert threshold.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		ModelCallTimeout:      45 * time.Second,
		ExtractionCallTimeout: 90 * time.Second,
		MaxAttempts:           3,
		InitialBackoff:        2 * time.Second,
		MaxBackoff:            30 * time.Second,
		BreakerFailures:       5,
		BreakerCooldown:       30 * time.Second,
		ModelRPS:              2,
		ExtractionRPS:         0,
		Burst:                 2,
	}
}

// Resilience wraps external calls with rate limiting, a circuit breaker,
// per-attempt timeouts and bounded exponential retries. Everything is kept
// per operation kind so a failing OCR backend never trips grading.
type Resilience struct {
	cfg      ResilienceConfig
	breakers map[OperationKind]*gobreaker.CircuitBreaker
	limiters map[OperationKind]*rate.Limiter
	log      *logger.Logger
}

func NewResilience(cfg ResilienceConfig, log *logger.Logger) *Resilience {
	defaults := DefaultResilienceConfig()
	if cfg.ModelCallTimeout <= 0 {
		cfg.ModelCallTimeout = defaults.ModelCallTimeout
	}
	if cfg.ExtractionCallTimeout <= 0 {
		cfg.ExtractionCallTimeout = defaults.ExtractionCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	r := &Resilience{
		cfg:      cfg,
		breakers: make(map[OperationKind]*gobreaker.CircuitBreaker, len(operationKinds)),
		limiters: make(map[OperationKind]*rate.Limiter, len(operationKinds)),
		log:      logger.OrNop(log).Named("resilience"),
	}

	for _, kind := range operationKinds {
		r.breakers[kind] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(kind),
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !countsAgainstBreaker(KindOf(err))
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.log.Warn("circuit breaker state change", "operation", name, "from", from.String(), "to", to.String())
			},
		})

		rps := cfg.ModelRPS
		if kind == OpExtraction {
			rps = cfg.ExtractionRPS
		}
		limit := rate.Inf
		if rps > 0 {
			limit = rate.Limit(rps)
		}
		r.limiters[kind] = rate.NewLimiter(limit, cfg.Burst)
	}

	return r
}

func (r *Resilience) timeoutFor(kind OperationKind) time.Duration {
	if kind == OpExtraction {
		return r.cfg.ExtractionCallTimeout
	}
	return r.cfg.ModelCallTimeout
}

// BreakerState reports the breaker state for a kind.
func (r *Resilience) BreakerState(kind OperationKind) gobreaker.State {
	if cb, ok := r.breakers[kind]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// Do runs fn under the guards for kind. Only transient errors are retried;
// everything else, an open breaker, or a cancelled ctx ends the loop. The
// returned error always carries a kind (see KindOf).
func (r *Resilience) Do(ctx context.Context, kind OperationKind, fn func(ctx context.Context) error) error {
	cb := r.breakers[kind]
	limiter := r.limiters[kind]
	if cb == nil || limiter == nil {
		return NewPipelineError(KindInternal, string(kind), fmt.Errorf("unknown operation kind %q", kind))
	}

	attempt := 0
	operation := func() error {
		attempt++

		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(r.wrap(kind, ctxErrOr(ctx, err)))
		}

		_, err := cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(kind))
			defer cancel()
			return nil, fn(callCtx)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(NewPipelineError(KindServiceUnavailable, string(kind), err))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(r.wrap(kind, ctx.Err()))
		}

		wrapped := r.wrap(kind, err)
		errKind := KindOf(wrapped)
		if !IsRetryable(errKind) {
			return backoff.Permanent(wrapped)
		}

		r.log.Warn("retryable failure",
			"operation", kind,
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"error", err.Error(),
		)
		return wrapped
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.InitialBackoff
	expo.MaxInterval = r.cfg.MaxBackoff
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil && KindOf(err) != KindCancelled {
			return r.wrap(kind, ctx.Err())
		}
		return err
	}
	return nil
}

func (r *Resilience) wrap(kind OperationKind, err error) error {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	var dup *DuplicateContentError
	var conflict *JobConflictError
	if errors.As(err, &dup) || errors.As(err, &conflict) {
		return err
	}
	return NewPipelineError(KindOf(err), string(kind), err)
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
