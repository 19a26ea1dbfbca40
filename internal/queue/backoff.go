package queue

import (
	"fmt"
	"math"
	"time"

	"github.com/harunnryd/karakuri/internal/config"
)

// Backoff yields the delay before retry number attempt (1 for the first
// retry). Delays never decrease as attempt grows.
type Backoff interface {
	Delay(attempt int) time.Duration
}

type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

// ExponentialBackoff grows Base by Multiplier per attempt, capped at Max.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

func NewBackoff(cfg config.QueueConfig) (Backoff, error) {
	base, err := config.DurationOrDefault(cfg.BaseDelay, config.DefaultQueueBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("parse queue base delay: %w", err)
	}

	switch cfg.Backoff {
	case "fixed":
		return FixedBackoff{Interval: base}, nil
	case "", "exponential":
		max, err := config.DurationOrDefault(cfg.MaxDelay, config.DefaultQueueMaxDelay)
		if err != nil {
			return nil, fmt.Errorf("parse queue max delay: %w", err)
		}
		if max < base {
			max = base
		}
		mult := cfg.Multiplier
		if mult == 0 {
			mult = config.DefaultQueueMultiplier
		}
		return ExponentialBackoff{Base: base, Max: max, Multiplier: mult}, nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", cfg.Backoff)
	}
}
