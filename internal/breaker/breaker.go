// Package breaker isolates a failing downstream dependency. Each protected
// dependency (object store, metadata store) owns its own Breaker; instances
// never share counters.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
)

// ErrOpen is returned without calling the dependency while the breaker is open,
// or while its single half-open trial is already in flight.
var ErrOpen = errors.New("circuit breaker open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	Name string
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Timeout is how long the breaker stays open before admitting a trial call.
	Timeout time.Duration
}

// Snapshot is a point-in-time view used by the health endpoint.
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Breaker wraps gobreaker with the failure bookkeeping the status page reports.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]

	mu            sync.Mutex
	failures      int
	lastFailureAt time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	threshold := uint32(cfg.Threshold)
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	b := &Breaker{name: cfg.Name}
	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name: cfg.Name,
		// One trial call in half-open; its result decides the next state.
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCancellation(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", string(convert(from))).
				Str("to", string(convert(to))).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(gaugeValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, string(convert(from)), string(convert(to))).Inc()
		},
	})
	return b
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker rejects the call. A rejection returns an
// error wrapping ErrOpen and fn is not invoked.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	case err == nil:
		b.mu.Lock()
		b.failures = 0
		b.mu.Unlock()
	case !isCancellation(err):
		b.mu.Lock()
		b.failures++
		b.lastFailureAt = time.Now()
		b.mu.Unlock()
	}
	return err
}

// State reports the current state, moving open to half_open once the timeout
// has elapsed.
func (b *Breaker) State() State {
	return convert(b.cb.State())
}

// Snapshot returns state and failure bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         state,
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailureAt,
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
