// Package breaker isolates failing agents behind per-agent circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
)

// Default breaker settings.
const (
	defaultFailureThreshold  uint32        = 5
	defaultSuccessThreshold  uint32        = 2
	defaultTimeout           time.Duration = 60 * time.Second
	defaultSlowCallThreshold time.Duration = 10 * time.Second
)

// State names as reported to operators.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func withDefaults(cfg config.BreakerConfig) config.BreakerConfig {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SlowCallThreshold <= 0 {
		cfg.SlowCallThreshold = defaultSlowCallThreshold
	}
	return cfg
}

// Breaker guards calls to one agent.
//
// gobreaker has no manual reset, so Reset swaps in a fresh instance. The
// generation counter keeps state-change callbacks from a replaced instance
// from leaking into the new one.
type Breaker struct {
	name   string
	cfg    config.BreakerConfig
	logger *slog.Logger
	bus    domain.EventBus
	now    func() time.Time

	mu  sync.RWMutex
	cb  *gobreaker.CircuitBreaker[*domain.AgentResult]
	gen atomic.Uint64

	openedAt atomic.Pointer[time.Time]

	total    atomic.Uint64
	success  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
	slow     atomic.Uint64
}

// New creates a closed breaker for the named agent.
func New(name string, cfg config.BreakerConfig, logger *slog.Logger, bus domain.EventBus) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    withDefaults(cfg),
		logger: logger,
		bus:    bus,
		now:    time.Now,
	}
	b.cb = b.newCircuit(b.gen.Load())
	return b
}

func (b *Breaker) newCircuit(gen uint64) *gobreaker.CircuitBreaker[*domain.AgentResult] {
	threshold := b.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker[*domain.AgentResult](gobreaker.Settings{
		Name:        "agent:" + b.name,
		MaxRequests: b.cfg.SuccessThreshold,
		Interval:    0, // closed-state counts only clear on success
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.gen.Load() != gen {
				return
			}
			b.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		t := b.now()
		b.openedAt.Store(&t)
	} else if to == gobreaker.StateClosed {
		b.openedAt.Store(nil)
	}

	level := slog.LevelInfo
	if to == gobreaker.StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state change",
		"breaker", b.name,
		"from", stateName(from),
		"to", stateName(to),
	)
	domain.PublishEvent(context.Background(), b.bus, domain.EventBreakerStateChanged, map[string]string{
		"agent": b.name,
		"from":  stateName(from),
		"to":    stateName(to),
	})
}

func (b *Breaker) circuit() *gobreaker.CircuitBreaker[*domain.AgentResult] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// Name returns the agent name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the breaker. An open breaker rejects without
// calling fn and returns an error wrapping domain.ErrCircuitOpen.
//
// A call that succeeds but takes longer than the slow-call threshold keeps
// its result and a nil error, but the breaker records it as a failure.
func (b *Breaker) Execute(fn func() (*domain.AgentResult, error)) (*domain.AgentResult, error) {
	b.total.Add(1)
	start := b.now()
	slow := false

	res, err := b.circuit().Execute(func() (*domain.AgentResult, error) {
		r, err := fn()
		if err == nil && b.now().Sub(start) > b.cfg.SlowCallThreshold {
			slow = true
			return r, domain.ErrSlowCall
		}
		return r, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.rejected.Add(1)
		return nil, fmt.Errorf("agent %q: %w: %w", b.name, domain.ErrCircuitOpen, err)
	case slow:
		b.slow.Add(1)
		b.failed.Add(1)
		b.logger.Warn("slow agent call",
			"agent", b.name,
			"duration_ms", b.now().Sub(start).Milliseconds(),
			"threshold_ms", b.cfg.SlowCallThreshold.Milliseconds(),
		)
		return res, nil
	case err != nil:
		b.failed.Add(1)
		return res, err
	}
	b.success.Add(1)
	return res, nil
}

// Allow reports whether a call would currently be admitted. Half-open
// breakers report true even when their trial budget is spent.
func (b *Breaker) Allow() bool {
	return b.circuit().State() != gobreaker.StateOpen
}

// State returns closed, open or half_open.
func (b *Breaker) State() string {
	return stateName(b.circuit().State())
}

// Reset forces the breaker closed and clears its counters. It returns false
// and changes nothing when the breaker is already closed.
func (b *Breaker) Reset() bool {
	b.mu.Lock()
	if b.cb.State() == gobreaker.StateClosed {
		b.mu.Unlock()
		return false
	}
	from := stateName(b.cb.State())
	gen := b.gen.Add(1)
	b.cb = b.newCircuit(gen)
	b.mu.Unlock()

	b.openedAt.Store(nil)
	b.total.Store(0)
	b.success.Store(0)
	b.failed.Store(0)
	b.rejected.Store(0)
	b.slow.Store(0)

	b.logger.Info("circuit breaker reset", "breaker", b.name, "from", from)
	domain.PublishEvent(context.Background(), b.bus, domain.EventBreakerReset, map[string]string{
		"agent": b.name,
		"from":  from,
	})
	return true
}

// Snapshot returns a read-only view of the breaker.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	cb := b.circuit()
	state := cb.State()
	counts := cb.Counts()

	snap := domain.BreakerSnapshot{
		Name:                 b.name,
		State:                stateName(state),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalCalls:           b.total.Load(),
		SuccessfulCalls:      b.success.Load(),
		FailedCalls:          b.failed.Load(),
		RejectedCalls:        b.rejected.Load(),
		SlowCalls:            b.slow.Load(),
	}
	if state != gobreaker.StateClosed {
		if t := b.openedAt.Load(); t != nil {
			opened := *t
			snap.OpenedAt = &opened
		}
	}
	return snap
}
