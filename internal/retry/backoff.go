package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Logger receives progress lines from a retry loop. *logging.TraceLogger
// satisfies it.
type Logger interface {
	Log(format string, args ...interface{})
}

// Config configures exponential backoff.
type Config struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     bool          `koanf:"jitter"`
}

// Result describes how a retried operation went.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	Reasons       []string
}

// DefaultConfig is used for courier and database calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// LLMConfig tolerates the slower, bursty failure profile of model providers.
func LLMConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
	}
}

// ChannelConfig matches the outbound delivery schedule: 1s, 2s, 4s... capped at 30s.
func ChannelConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do stops at the first
// permanent error and returns the wrapped cause.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the retries
// are exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, logger Logger) Result {
	return DoWithReason(ctx, cfg, func(ctx context.Context) (error, string) {
		err := op(ctx)
		if err != nil {
			return err, err.Error()
		}
		return nil, ""
	}, logger)
}

// DoWithReason is Do with caller supplied reason tags recorded per failure.
func DoWithReason(ctx context.Context, cfg Config, op func(ctx context.Context) (error, string), logger Logger) Result {
	start := time.Now()
	result := Result{Reasons: make([]string, 0)}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err, reason := op(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if logger != nil && attempt > 0 {
				logger.Log("succeeded after %d retries (%v)", attempt, result.TotalDuration)
			}
			return result
		}

		result.Reasons = append(result.Reasons, reason)

		var p *permanentError
		if errors.As(err, &p) {
			result.LastError = p.err
			result.TotalDuration = time.Since(start)
			if logger != nil {
				logger.Log("permanent failure on attempt %d: %v", attempt+1, p.err)
			}
			return result
		}
		result.LastError = err

		if attempt >= cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(cfg, attempt)
		if logger != nil {
			logger.Log("attempt %d/%d failed: %v, waiting %v", attempt+1, cfg.MaxRetries+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	if logger != nil {
		logger.Log("giving up after %d attempts: %v", result.Attempts, result.LastError)
	}
	return result
}

// Delay exposes the backoff schedule for callers that retry out of band,
// such as queue workers computing a job's next run.
func Delay(cfg Config, attempt int) time.Duration {
	return calculateDelay(cfg, attempt)
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		// +/- 10%
		spread := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * spread
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}

var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"dns lookup failed",
	"no such host",
	"network unreachable",
	"broken pipe",
	"context deadline exceeded",
	"econnreset",
	"etimedout",
}

// IsRetryableError classifies transport and provider failures as transient.
func IsRetryableError(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
