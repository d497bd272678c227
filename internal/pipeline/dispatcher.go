package pipeline

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// Scope selects the channel the worker ingests. It is either a numeric id or a
// username.
type Scope struct {
	ID       int64
	Username string
}

// ParseScope reads CHANNEL: "-100123" is an id, "name" or "@name" a username.
func ParseScope(channel string) Scope {
	channel = strings.TrimSpace(channel)
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return Scope{ID: id}
	}
	return Scope{Username: strings.TrimPrefix(channel, "@")}
}

// Matches reports whether ev belongs to the scope. Usernames compare
// case-insensitively.
func (s Scope) Matches(ev *model.InboundEvent) bool {
	if s.Username == "" {
		return s.ID != 0 && ev.ScopeID == s.ID
	}
	return strings.EqualFold(strings.TrimPrefix(ev.ScopeName, "@"), s.Username)
}

func (s Scope) String() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	return strconv.FormatInt(s.ID, 10)
}

// Enqueuer accepts failed units. *retryqueue.Processor implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, u *model.QueuedUnit)
}

// Dispatcher is the entry point for live and backfilled events.
type Dispatcher struct {
	scope Scope
	proc  *Processor
	retry Enqueuer
	now   func() time.Time

	// mu serializes processing between the live feed and backfill.
	mu sync.Mutex
}

// NewDispatcher builds a Dispatcher for scope.
func NewDispatcher(scope Scope, proc *Processor, retry Enqueuer) *Dispatcher {
	return &Dispatcher{scope: scope, proc: proc, retry: retry, now: time.Now}
}

// Handle processes ev if it is in scope. On any failure, cancellation
// included, the event is queued for retry with retry_count 0 and the
// processing error is returned.
func (d *Dispatcher) Handle(ctx context.Context, ev *model.InboundEvent) error {
	if !d.scope.Matches(ev) {
		metrics.EventsIgnored.Inc()
		logging.Debug().Int64("event_id", ev.ID).Int64("scope_id", ev.ScopeID).Msg("event out of scope")
		return nil
	}

	d.mu.Lock()
	err := d.proc.Process(ctx, ev)
	d.mu.Unlock()
	if err == nil {
		return nil
	}
	// A cancelled ctx may only mean the delivering connection dropped, so the
	// unit is queued like any other failure. On shutdown the queue is abandoned.
	logging.Warn().Err(err).Int64("event_id", ev.ID).Int("retry_count", 0).Msg("processing failed")
	d.retry.Enqueue(ctx, model.NewUnit(ev, err, d.now()))
	return err
}

// Deliver adapts Handle to the live feed callback, which has no error return.
func (d *Dispatcher) Deliver(ctx context.Context, ev *model.InboundEvent) {
	_ = d.Handle(ctx, ev)
}
