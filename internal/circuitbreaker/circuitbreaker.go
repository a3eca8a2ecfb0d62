// Package circuitbreaker implements the explicit three-state breaker used
// around occupancy store calls: Closed, Open, HalfOpen, with failure and
// success counters and a cooldown timer.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State enumerates the breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker fast-fails a call.
var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // cooldown before a half-open probe
	SuccessesToClose int           // successes required in HalfOpen before closing
	CallTimeout      time.Duration // per-call budget; 0 disables
}

// StateObserver is notified on every state transition, typically to move a
// metrics gauge (0 closed, 1 half, 2 open).
type StateObserver func(s State)

// Breaker guards an unreliable dependency.
type Breaker struct {
	name    string
	cfg     Config
	log     *slog.Logger
	observe StateObserver

	mu            sync.Mutex
	state         State
	recentFails   int
	halfSuccesses int
	openedAt      time.Time
}

// New constructs a breaker. Defaults: 5 failures, 30s cooldown, 1 success
// to close.
func New(name string, cfg Config, log *slog.Logger, observe StateObserver) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessesToClose <= 0 {
		cfg.SuccessesToClose = 1
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		log:     log.With(slog.String("breaker", name)),
		observe: observe,
		state:   Closed,
	}
	b.notify(Closed)
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker policy. While Open and inside the
// cooldown it fails fast with ErrOpen; after the cooldown one caller is
// admitted as a half-open probe.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(HalfOpen)
	case HalfOpen:
		// Only the cooldown-expiry caller probes; concurrent callers
		// keep failing fast until the probe resolves.
		b.mu.Unlock()
		return ErrOpen
	}
	b.mu.Unlock()

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := op(ctx)
	if err != nil {
		b.onFailure(err)
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.halfSuccesses++
		if b.halfSuccesses >= b.cfg.SuccessesToClose {
			b.log.Info("breaker_closed_after_probe")
			b.transition(Closed)
		}
	case Closed:
		b.recentFails = 0
	default:
		b.transition(Closed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.log.Warn("breaker_probe_failed", slog.Any("err", err))
		b.openedAt = time.Now()
		b.transition(Open)
		return
	}
	b.recentFails++
	b.log.Warn("breaker_operation_failure", slog.Int("failures", b.recentFails), slog.Any("err", err))
	if b.recentFails >= b.cfg.MaxFailures {
		b.openedAt = time.Now()
		b.log.Error("breaker_opened", slog.Int("maxFailures", b.cfg.MaxFailures))
		b.transition(Open)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	switch to {
	case Closed:
		b.recentFails = 0
		b.halfSuccesses = 0
	case HalfOpen:
		b.halfSuccesses = 0
	}
	b.notify(to)
}

func (b *Breaker) notify(s State) {
	if b.observe == nil {
		return
	}
	switch s {
	case Closed:
		b.observe(Closed)
	case HalfOpen:
		b.observe(HalfOpen)
	case Open:
		b.observe(Open)
	}
}
