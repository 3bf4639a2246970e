package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/clock"
)

// Policy holds the engine's timing and retry parameters.
type Policy struct {
	// Debounce windows per priority. Must satisfy Critical <= Medium <= Low.
	Critical time.Duration
	Medium   time.Duration
	Low      time.Duration

	// Coalesce pulls entities due within this interval of a timer expiry
	// into the same request.
	Coalesce time.Duration

	// SavedCooldown is how long "saved" shows before returning to idle.
	SavedCooldown time.Duration
	// ErrorCooldown is how long a rejection keeps the status at "error".
	ErrorCooldown time.Duration

	// MaxAttempts bounds the number of tries per batch, including the first.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64

	// RequestTimeout bounds a single attempt. A timeout counts as a
	// network failure.
	RequestTimeout time.Duration
}

// DefaultPolicy returns the standard windows: critical flushes on the next
// tick, medium after 2s, low after 5s; three attempts per batch.
func DefaultPolicy() Policy {
	return Policy{
		Critical:        0,
		Medium:          2 * time.Second,
		Low:             5 * time.Second,
		Coalesce:        25 * time.Millisecond,
		SavedCooldown:   1500 * time.Millisecond,
		ErrorCooldown:   3 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		RequestTimeout:  10 * time.Second,
	}
}

// Window returns the debounce window for p.
func (p Policy) Window(pr card.Priority) time.Duration {
	switch pr {
	case card.PriorityCritical:
		return p.Critical
	case card.PriorityMedium:
		return p.Medium
	default:
		return p.Low
	}
}

// Validate checks the policy's bounds.
func (p Policy) Validate() error {
	var errs []error
	if p.Critical < 0 || p.Medium < 0 || p.Low < 0 {
		errs = append(errs, errors.New("windows must not be negative"))
	}
	if p.Critical > p.Medium || p.Medium > p.Low {
		errs = append(errs, fmt.Errorf("windows must be monotonic: critical %s <= medium %s <= low %s",
			p.Critical, p.Medium, p.Low))
	}
	if p.Coalesce < 0 || p.SavedCooldown < 0 || p.ErrorCooldown < 0 {
		errs = append(errs, errors.New("coalesce and cooldowns must not be negative"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.InitialInterval < 0 || p.MaxInterval < p.InitialInterval {
		errs = append(errs, fmt.Errorf("retry intervals out of range: initial %s, max %s",
			p.InitialInterval, p.MaxInterval))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0, 1], got %g", p.Jitter))
	}
	if p.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	return errors.Join(errs...)
}

// newBackOff builds the retry schedule for one batch. NextBackOff returns
// backoff.Stop once MaxAttempts-1 retries have been handed out.
func (p Policy) newBackOff(c clock.Clock) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Clock = c
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
}
