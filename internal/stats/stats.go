// Package stats keeps the process counters reported by the heartbeat and the
// health endpoint. All access goes through one mutex; readers take a Snapshot.
package stats

import (
	"sync"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/breaker"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
)

// BreakerStater is satisfied by *breaker.Breaker.
type BreakerStater interface {
	State() breaker.State
}

// Snapshot is a copy of the counters at one instant.
type Snapshot struct {
	Processed            int64         `json:"processed"`
	Failed               int64         `json:"failed"`
	Retried              int64         `json:"retried"`
	LastID               int64         `json:"last_id"`
	LastTime             *time.Time    `json:"last_time"`
	LastError            string        `json:"last_error"`
	Connected            bool          `json:"connected"`
	ReconnectCount       int64         `json:"reconnect_count"`
	QueueSize            int           `json:"queue_size"`
	ObjectBreakerState   breaker.State `json:"object_breaker_state"`
	MetadataBreakerState breaker.State `json:"metadata_breaker_state"`
}

// Stats is safe for concurrent use.
type Stats struct {
	mu sync.Mutex
	s  Snapshot

	objectBreaker   BreakerStater
	metadataBreaker BreakerStater
}

// New returns zeroed counters.
func New() *Stats {
	return &Stats{}
}

// AttachBreakers makes Snapshot report the live state of both breakers.
func (st *Stats) AttachBreakers(object, metadata BreakerStater) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.objectBreaker = object
	st.metadataBreaker = metadata
}

// IncProcessed records a completed event and remembers it as the latest.
func (st *Stats) IncProcessed(id int64, at time.Time) {
	st.mu.Lock()
	st.s.Processed++
	st.s.LastID = id
	at = at.UTC()
	st.s.LastTime = &at
	st.mu.Unlock()
	metrics.EventsProcessed.Inc()
}

// IncFailed records a dropped unit.
func (st *Stats) IncFailed(err error) {
	st.mu.Lock()
	st.s.Failed++
	if err != nil {
		st.s.LastError = err.Error()
	}
	st.mu.Unlock()
	metrics.EventsFailed.Inc()
}

// IncRetried records a unit that succeeded on a retry.
func (st *Stats) IncRetried() {
	st.mu.Lock()
	st.s.Retried++
	st.mu.Unlock()
	metrics.EventsRetried.Inc()
}

// SetLastError remembers the most recent processing error without counting it.
func (st *Stats) SetLastError(err error) {
	if err == nil {
		return
	}
	st.mu.Lock()
	st.s.LastError = err.Error()
	st.mu.Unlock()
}

// SetConnected updates session liveness.
func (st *Stats) SetConnected(connected bool) {
	st.mu.Lock()
	st.s.Connected = connected
	st.mu.Unlock()
	if connected {
		metrics.SessionConnected.Set(1)
	} else {
		metrics.SessionConnected.Set(0)
	}
}

// IncReconnect counts a successful reconnect.
func (st *Stats) IncReconnect() {
	st.mu.Lock()
	st.s.ReconnectCount++
	st.mu.Unlock()
	metrics.Reconnects.Inc()
}

// SetQueueSize mirrors the retry queue length.
func (st *Stats) SetQueueSize(n int) {
	st.mu.Lock()
	st.s.QueueSize = n
	st.mu.Unlock()
	metrics.RetryQueueSize.Set(float64(n))
}

// Snapshot returns a copy that callers may keep.
func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	snap := st.s
	object, metadata := st.objectBreaker, st.metadataBreaker
	st.mu.Unlock()

	if snap.LastTime != nil {
		t := *snap.LastTime
		snap.LastTime = &t
	}
	snap.ObjectBreakerState = breaker.StateClosed
	snap.MetadataBreakerState = breaker.StateClosed
	if object != nil {
		snap.ObjectBreakerState = object.State()
	}
	if metadata != nil {
		snap.MetadataBreakerState = metadata.State()
	}
	return snap
}
