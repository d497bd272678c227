package stats

import (
	"context"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
)

// Heartbeat periodically logs a snapshot so a stuck worker is visible in logs
// even when nobody polls the health endpoint.
type Heartbeat struct {
	stats    *Stats
	interval time.Duration
	channel  string
}

// NewHeartbeat builds the reporter. A non-positive interval defaults to 60s.
func NewHeartbeat(st *Stats, interval time.Duration, channel string) *Heartbeat {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{stats: st, interval: interval, channel: channel}
}

// Serve logs until ctx is cancelled.
func (h *Heartbeat) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Beat()
		}
	}
}

// Beat writes one heartbeat line.
func (h *Heartbeat) Beat() {
	snap := h.stats.Snapshot()
	ev := logging.Info().
		Str("channel", h.channel).
		Int64("processed", snap.Processed).
		Int64("failed", snap.Failed).
		Int64("retried", snap.Retried).
		Int64("last_id", snap.LastID).
		Bool("connected", snap.Connected).
		Int64("reconnect_count", snap.ReconnectCount).
		Int("queue_size", snap.QueueSize).
		Str("object_breaker", string(snap.ObjectBreakerState)).
		Str("metadata_breaker", string(snap.MetadataBreakerState))
	if snap.LastError != "" {
		ev = ev.Str("last_error", snap.LastError)
	}
	ev.Msg("heartbeat")
}

func (h *Heartbeat) String() string { return "heartbeat" }
