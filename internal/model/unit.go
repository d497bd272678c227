package model

import "time"

// QueuedUnit is a failed processing attempt waiting in the retry queue. Only
// the retry queue processor mutates it.
type QueuedUnit struct {
	// Event is nil when the payload has to be fetched again by EventID, e.g.
	// when a dead-lettered unit is replayed in another process.
	Event      *InboundEvent
	EventID    int64
	ScopeID    int64
	RetryCount int
	LastError  string
	EnqueuedAt time.Time
}

// NewUnit snapshots ev after its first failed attempt.
func NewUnit(ev *InboundEvent, err error, now time.Time) *QueuedUnit {
	u := &QueuedUnit{
		Event:      ev,
		EventID:    ev.ID,
		ScopeID:    ev.ScopeID,
		EnqueuedAt: now,
	}
	if err != nil {
		u.LastError = err.Error()
	}
	return u
}
