package pipeline

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// HistorySource lists recent messages oldest first. *source.Client implements it.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]*model.InboundEvent, error)
}

// Backfill re-dispatches the most recent messages once at startup so posts
// published while the worker was down are not missed. Upserts are idempotent,
// so already stored events are harmless.
type Backfill struct {
	source     HistorySource
	dispatcher *Dispatcher
	limit      int
}

// NewBackfill prepares a one-shot backfill of limit messages.
func NewBackfill(src HistorySource, d *Dispatcher, limit int) *Backfill {
	return &Backfill{source: src, dispatcher: d, limit: limit}
}

// Run dispatches history and reports how many events failed their first
// attempt. Failed events are already in the retry queue.
func (b *Backfill) Run(ctx context.Context) (dispatched, failed int, err error) {
	if b.limit <= 0 {
		return 0, 0, nil
	}
	events, err := b.source.History(ctx, b.limit)
	if err != nil {
		return 0, 0, fmt.Errorf("backfill: %w", err)
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return dispatched, failed, ctx.Err()
		}
		dispatched++
		if err := b.dispatcher.Handle(ctx, ev); err != nil {
			failed++
		}
	}
	logging.Info().Int("dispatched", dispatched).Int("failed", failed).Msg("backfill complete")
	return dispatched, failed, nil
}

func (b *Backfill) String() string { return "backfill" }
