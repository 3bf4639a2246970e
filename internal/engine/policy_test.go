package engine

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/clock"
)

func TestDefaultPolicyValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	assert.Equal(t, time.Duration(0), p.Window(card.PriorityCritical))
	assert.Equal(t, 2*time.Second, p.Window(card.PriorityMedium))
	assert.Equal(t, 5*time.Second, p.Window(card.PriorityLow))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
		errMsg string
	}{
		{"non-monotonic windows", func(p *Policy) { p.Medium = 10 * time.Second }, "monotonic"},
		{"negative window", func(p *Policy) { p.Critical = -time.Second }, "negative"},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, "max attempts"},
		{"max below initial", func(p *Policy) { p.MaxInterval = time.Millisecond }, "retry intervals"},
		{"multiplier below one", func(p *Policy) { p.Multiplier = 0.5 }, "multiplier"},
		{"jitter above one", func(p *Policy) { p.Jitter = 2 }, "jitter"},
		{"zero timeout", func(p *Policy) { p.RequestTimeout = 0 }, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPolicyBackOffSchedule(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 0
	p.InitialInterval = 100 * time.Millisecond
	p.MaxInterval = 300 * time.Millisecond
	p.MaxAttempts = 5

	b := p.newBackOff(clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	var got []time.Duration
	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		got = append(got, next)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, got, "MaxAttempts-1 retries, capped at MaxInterval")
}

func TestPolicyBackOffSingleAttempt(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 1
	b := p.newBackOff(clock.System())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}
