// Package connection keeps the source session alive. A Manager polls session
// liveness and reconnects with capped exponential backoff; a session conflict
// is fatal and surfaces to the process supervisor.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

// ErrReconnectExhausted is returned when every reconnect attempt failed. The
// process should exit with a retryable status.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// State of the managed session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackingOff   State = "backing_off"
	StateFatal        State = "fatal"
)

// Session is the live link to the source.
type Session interface {
	// Connect establishes the session. It returns model.ErrSessionConflict
	// (possibly wrapped) when the credential is in use elsewhere.
	Connect(ctx context.Context) error
	// Connected reports whether the session is currently live.
	Connected() bool
	// Err returns why the last session ended, or nil.
	Err() error
	Close() error
}

// Config tunes liveness polling and reconnects.
type Config struct {
	PollInterval time.Duration
	Backoff      backoff.Policy
	Attempts     int
}

// Manager supervises one Session.
type Manager struct {
	sess  Session
	stats *stats.Stats
	cfg   Config
	sleep backoff.SleepFunc

	mu        sync.Mutex
	state     State
	connected bool // true once the first connect succeeded
}

// New creates a Manager in the disconnected state.
func New(sess Session, st *stats.Stats, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &Manager{sess: sess, stats: st, cfg: cfg, sleep: backoff.Sleep, state: StateDisconnected}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		logging.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("connection state")
	}
}

// EnsureConnected returns nil when the session is live, connecting or
// reconnecting as needed. The first connect is tried immediately; after a
// loss every attempt waits its backoff delay first.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.sess.Connected() {
		m.setState(StateConnected)
		m.stats.SetConnected(true)
		return nil
	}
	m.stats.SetConnected(false)
	if err := m.sess.Err(); isConflict(err) {
		return m.fatal(err)
	}

	m.mu.Lock()
	everConnected := m.connected
	m.mu.Unlock()

	if !everConnected {
		err := m.dial(ctx)
		if err == nil || isConflict(err) || ctx.Err() != nil {
			return err
		}
		logging.Warn().Err(err).Msg("initial connect failed")
	}
	return m.reconnect(ctx, everConnected)
}

// Serve connects and then polls liveness every poll interval until ctx is
// cancelled or the session can no longer be restored.
func (m *Manager) Serve(ctx context.Context) error {
	defer func() {
		if m.State() != StateFatal {
			m.setState(StateDisconnected)
		}
		m.stats.SetConnected(false)
		if err := m.sess.Close(); err != nil {
			logging.Debug().Err(err).Msg("close session")
		}
	}()

	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.sess.Connected() {
				continue
			}
			logging.Warn().Err(m.sess.Err()).Msg("source session lost")
			if err := m.EnsureConnected(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) dial(ctx context.Context) error {
	m.setState(StateConnecting)
	err := m.sess.Connect(ctx)
	switch {
	case err == nil:
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		m.setState(StateConnected)
		m.stats.SetConnected(true)
		logging.Info().Msg("source session connected")
		return nil
	case isConflict(err):
		return m.fatal(err)
	case ctx.Err() != nil:
		m.setState(StateDisconnected)
		return ctx.Err()
	default:
		m.setState(StateDisconnected)
		return err
	}
}

func (m *Manager) reconnect(ctx context.Context, countReconnect bool) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.Attempts; attempt++ {
		delay := m.cfg.Backoff.Delay(attempt)
		m.setState(StateBackingOff)
		logging.Info().Int("attempt", attempt+1).Int("max_attempts", m.cfg.Attempts).
			Dur("delay", delay).Msg("reconnecting")
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
		err := m.dial(ctx)
		if err == nil {
			if countReconnect {
				m.stats.IncReconnect()
			}
			return nil
		}
		if isConflict(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		logging.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
	}
	m.setState(StateDisconnected)
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.Attempts, lastErr)
}

func (m *Manager) fatal(err error) error {
	m.setState(StateFatal)
	m.stats.SetConnected(false)
	logging.Error().Err(err).Msg("session conflict, a new session string is required")
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, model.ErrSessionConflict)
}

func (m *Manager) String() string { return "connection-monitor" }
