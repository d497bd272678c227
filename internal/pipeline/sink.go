package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/breaker"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// RecordStore persists canonical records keyed by event id. Upsert must be
// idempotent: writing the same id again replaces the row.
type RecordStore interface {
	Upsert(ctx context.Context, rec *model.CanonicalRecord) error
}

// MetadataSink guards a RecordStore with its own circuit breaker.
type MetadataSink struct {
	store   RecordStore
	breaker *breaker.Breaker
	timeout time.Duration
}

// NewMetadataSink wraps store. br must not be shared with the object store.
func NewMetadataSink(store RecordStore, br *breaker.Breaker, timeout time.Duration) *MetadataSink {
	return &MetadataSink{store: store, breaker: br, timeout: timeout}
}

// Breaker exposes the sink's breaker for status reporting.
func (s *MetadataSink) Breaker() *breaker.Breaker { return s.breaker }

// Upsert writes rec, failing fast with breaker.ErrOpen while the metadata
// store is considered down.
func (s *MetadataSink) Upsert(ctx context.Context, rec *model.CanonicalRecord) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := s.breaker.Execute(func() error {
		return s.store.Upsert(ctx, rec)
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			logging.Warn().Err(err).Int64("event_id", rec.ID).Str("dependency", "metadata_store").
				Msg("metadata upsert failed")
		}
		return fmt.Errorf("upsert record %d: %w", rec.ID, err)
	}
	return nil
}
