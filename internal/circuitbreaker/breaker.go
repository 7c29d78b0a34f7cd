// Package circuitbreaker guards calls to external sources with one
// gobreaker circuit per source name and a deadline per call.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned without calling the source while its circuit is
// open, or while the single half-open trial is in flight.
var ErrOpen = errors.New("circuit open")

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "warden",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Breaker holds a circuit per key, created on first use. A circuit opens
// after threshold consecutive failures and lets one trial call through
// once cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
	}
}

func (b *Breaker) circuit(key string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.circuits[key]; ok {
		return cb
	}
	threshold := b.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			stateTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	b.circuits[key] = cb
	return cb
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.circuits[key]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Do calls fn under the circuit for key with a deadline of timeout.
// A call still running at the deadline is abandoned and counted as a
// failure; its context is cancelled.
func Do[T any](ctx context.Context, b *Breaker, key string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	out, err := b.circuit(key).Execute(func() (interface{}, error) {
		return bounded(ctx, timeout, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %s", ErrOpen, key)
	}
	if err != nil {
		return zero, fmt.Errorf("%s: %w", key, err)
	}
	v, _ := out.(T)
	return v, nil
}

type outcome[T any] struct {
	v   T
	err error
}

func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
