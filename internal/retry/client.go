// Package retry provides bounded retry with exponential backoff for broker
// and market data calls.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
)

// Config bounds a retried operation.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig matches the engine's standard retry budget.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs op until it succeeds, fails permanently, or exhausts the retry
// budget. Only transient errors are retried; permanent API errors surface
// immediately.
func Do[T any](
	ctx context.Context,
	cfg Config,
	logger zerolog.Logger,
	label string,
	op func(context.Context) (T, error),
) (T, error) {
	var zero T

	opCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", label, err)
		}

		attempts++
		res, err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.Debug().Str("op", label).Int("attempt", attempts).Msg("retry succeeded")
			}
			return res, nil
		}

		lastErr = err
		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		logger.Warn().
			Err(err).
			Str("op", label).
			Int("attempt", attempts).
			Dur("backoff", backoff).
			Msg("transient error, backing off")

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}

// nextBackoff grows the backoff by 1.5x, caps it, and adds up to 25% jitter.
func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err looks retryable. Permanent API errors
// (4xx except 429) are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsPermanentAPIError(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
