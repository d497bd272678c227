package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	lastErr   error
	dials     []error
	calls     int
	closed    bool
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var err error
	if len(s.dials) > 0 {
		err = s.dials[0]
		s.dials = s.dials[1:]
	}
	s.connected = err == nil
	return err
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
	return nil
}

func (s *fakeSession) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.lastErr = err
}

func newTestManager(sess Session, attempts int) (*Manager, *stats.Stats, *[]time.Duration) {
	st := stats.New()
	m := New(sess, st, Config{
		PollInterval: 10 * time.Millisecond,
		Backoff:      backoff.Policy{Base: time.Second, Max: 4 * time.Second},
		Attempts:     attempts,
	})
	var mu sync.Mutex
	delays := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return m, st, delays
}

func TestReconnectAfterLoss(t *testing.T) {
	down := errors.New("dial tcp: connection refused")
	sess := &fakeSession{}
	m, st, delays := newTestManager(sess, 5)
	ctx := context.Background()

	if err := m.EnsureConnected(ctx); err != nil {
		t.Fatalf("initial connect: %v", err)
	}
	if m.State() != StateConnected || !st.Snapshot().Connected {
		t.Fatalf("expected connected")
	}

	sess.dials = []error{down, down, down, nil}
	sess.drop(errors.New("read: connection reset"))
	if err := m.EnsureConnected(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	if fmt.Sprint(*delays) != fmt.Sprint(want) {
		t.Fatalf("expected doubling capped delays %v, got %v", want, *delays)
	}
	snap := st.Snapshot()
	if !snap.Connected || snap.ReconnectCount != 1 || m.State() != StateConnected {
		t.Fatalf("unexpected state after reconnect: %+v %s", snap, m.State())
	}
}

func TestServeDetectsLossWithinPoll(t *testing.T) {
	sess := &fakeSession{}
	m, st, _ := newTestManager(sess, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	waitFor(t, func() bool { return st.Snapshot().Connected })
	sess.drop(errors.New("eof"))
	waitFor(t, func() bool { return st.Snapshot().ReconnectCount == 1 && st.Snapshot().Connected })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !sess.closed {
		t.Fatalf("session must be closed on shutdown")
	}
}

func TestSessionConflictIsFatal(t *testing.T) {
	t.Run("at connect", func(t *testing.T) {
		sess := &fakeSession{dials: []error{fmt.Errorf("handshake: %w", model.ErrSessionConflict)}}
		m, _, delays := newTestManager(sess, 5)
		err := m.Serve(context.Background())
		if !errors.Is(err, model.ErrSessionConflict) {
			t.Fatalf("expected session conflict, got %v", err)
		}
		if m.State() != StateFatal || sess.calls != 1 || len(*delays) != 0 {
			t.Fatalf("conflict must not be retried: state=%s calls=%d", m.State(), sess.calls)
		}
	})
	t.Run("server frame", func(t *testing.T) {
		sess := &fakeSession{}
		m, _, _ := newTestManager(sess, 5)
		if err := m.EnsureConnected(context.Background()); err != nil {
			t.Fatal(err)
		}
		sess.drop(model.ErrSessionConflict)
		if err := m.EnsureConnected(context.Background()); !errors.Is(err, model.ErrSessionConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if sess.calls != 1 || m.State() != StateFatal {
			t.Fatalf("conflict must not reconnect")
		}
	})
}

func TestReconnectExhausted(t *testing.T) {
	down := errors.New("unreachable")
	sess := &fakeSession{}
	m, st, delays := newTestManager(sess, 3)
	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.dials = []error{down, down, down}
	sess.drop(down)

	err := m.EnsureConnected(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if len(*delays) != 3 || st.Snapshot().ReconnectCount != 0 || st.Snapshot().Connected {
		t.Fatalf("unexpected outcome delays=%v stats=%+v", *delays, st.Snapshot())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
