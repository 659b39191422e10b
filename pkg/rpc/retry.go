package rpc

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	rpcRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_retries_total",
		Help: "Total number of rpc retry attempts by error class",
	}, []string{"error_class"})

	rpcRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_retry_backoff_seconds",
		Help:    "Backoff duration for rpc retries by error class",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	rpcRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_retry_exhausted_total",
		Help: "Total number of times rpc retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass derives the retry configuration for an error class
// from base. Rate limit errors wait longer before the first retry.
func RetryConfigForErrorClass(errorClass ErrorClass, base RetryConfig) RetryConfig {
	cfg := base
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	switch errorClass {
	case ErrorClassRateLimit:
		cfg.InitialBackoff *= 4
		cfg.MaxBackoff *= 4
	case ErrorClassNetwork:
		cfg.InitialBackoff *= 2
		cfg.MaxBackoff *= 2
	}
	return cfg
}

// retryWithBackoff executes fn with exponential backoff retry logic.
// The class of each failure is determined by classify and selects the backoff
// schedule. It respects context cancellation and adds jitter.
func retryWithBackoff(ctx context.Context, base RetryConfig, fn func() error, classify func(error) ErrorClass) error {
	var (
		lastErr    error
		errorClass ErrorClass
		backoff    time.Duration
	)

	maxAttempts := RetryConfigForErrorClass("", base).MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Call succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := classify(err)

		if !shouldRetry(class) {
			return lastErr
		}

		if attempt >= maxAttempts {
			errorClass = class
			break
		}

		config := RetryConfigForErrorClass(class, base)
		if class != errorClass || backoff == 0 {
			backoff = config.InitialBackoff
		}
		errorClass = class

		rpcRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		// ±20% jitter
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		rpcRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		log.Warn().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying call after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	rpcRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	log.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}
