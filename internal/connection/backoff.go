package connection

import (
	"math"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// Initial * Multiplier^(n-1), capped at MaxDelay, then spread by ±Jitter.
// rnd must return values in [0, 1).
func ReconnectDelay(attempt int, cfg shared.BackoffConfig, rnd func() float64) time.Duration {
	cfg = normalizeBackoff(cfg)
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 && rnd != nil {
		delay += delay * cfg.Jitter * (rnd()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func normalizeBackoff(cfg shared.BackoffConfig) shared.BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0.2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return cfg
}
