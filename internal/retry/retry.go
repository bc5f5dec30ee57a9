// Package retry provides bounded retry with exponential backoff for git and
// filesystem operations that race other agents.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Config configures retry behaviour for one operation class.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter in [0,1): each delay is multiplied by a factor in [1-Jitter, 1+Jitter].
	Jitter float64
	// JitterSeed makes jitter deterministic when non-empty (used by tests and
	// to avoid thundering herds across agents sharing a repo).
	JitterSeed string

	// ShouldRetry decides whether err is worth another attempt. Nil means
	// retry everything.
	ShouldRetry func(err error) bool
	// OnRetry is invoked before each sleep with the failed attempt (1-indexed),
	// its error and the computed delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Preset names accepted by For.
const (
	PresetWUDone   = "wu_done"
	PresetRecovery = "recovery"
)

// For returns the retry preset for the named operation class.
func For(preset string) Config {
	switch preset {
	case PresetRecovery:
		return Config{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		}
	default: // wu_done
		return Config{
			MaxAttempts: 5,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		}
	}
}

// Delay computes the backoff delay for a 0-indexed attempt: base*multiplier^attempt,
// clamped to [base, max], then jittered. Jitter is applied after capping.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.BaseDelay)
	if base <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1.0
	}
	d := base * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 {
		d = math.Min(d, float64(cfg.MaxDelay))
	}
	d = math.Max(d, base)

	if cfg.Jitter > 0 && cfg.Jitter < 1 {
		// Deterministic per-seed unit in [0,1]; seed defaults to the attempt
		// number so repeated calls stay stable.
		seed := cfg.JitterSeed
		if seed == "" {
			seed = fmt.Sprintf("attempt-%d", attempt)
		}
		u := jitterUnit(fmt.Sprintf("%s:%d", seed, attempt))
		d *= 1 + cfg.Jitter*(2*u-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Do runs fn until it succeeds, ShouldRetry declines, attempts are exhausted,
// or ctx is cancelled. The final failure is wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return fmt.Errorf("attempt %d/%d (not retryable): %w", attempt+1, attempts, err)
		}
		if attempt == attempts-1 {
			break
		}
		delay := Delay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("attempt %d/%d: %w", attempt+1, attempts, ctx.Err())
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}
