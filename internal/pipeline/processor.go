// Package pipeline turns one inbound event into stored objects and a canonical
// metadata record. The Dispatcher filters events by scope and hands failures
// to the retry queue; the Processor does the actual work.
package pipeline

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/ChannelDrop/internal/derive"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/retrieve"
	"github.com/dharsanguruparan/ChannelDrop/internal/s3storage"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

// Fetcher downloads an event's attachment. *retrieve.Retriever implements it.
type Fetcher interface {
	Fetch(ctx context.Context, ev *model.InboundEvent) (*retrieve.File, error)
}

// Uploader stores a local file. *s3storage.Storage implements it.
type Uploader interface {
	Upload(ctx context.Context, path, key string) (string, error)
}

// Deriver produces image derivatives. *derive.Generator implements it.
type Deriver interface {
	Generate(ctx context.Context, scopeID, eventID int64, path string) ([]derive.Artifact, error)
}

// MessageSource looks an event up by id. *source.Client implements it.
type MessageSource interface {
	FetchMessage(ctx context.Context, id int64) (*model.InboundEvent, error)
}

// Processor runs the per-event pipeline.
type Processor struct {
	fetch   Fetcher
	up      Uploader
	derive  Deriver
	sink    *MetadataSink
	source  MessageSource
	stats   *stats.Stats
	channel string
}

// Deps groups the Processor's collaborators. Derive and Source may be nil.
type Deps struct {
	Fetcher  Fetcher
	Uploader Uploader
	Deriver  Deriver
	Sink     *MetadataSink
	Source   MessageSource
	Stats    *stats.Stats
	// Channel is stripped from the end of message content.
	Channel string
}

// NewProcessor wires the pipeline stages.
func NewProcessor(d Deps) *Processor {
	return &Processor{
		fetch:   d.Fetcher,
		up:      d.Uploader,
		derive:  d.Deriver,
		sink:    d.Sink,
		source:  d.Source,
		stats:   d.Stats,
		channel: d.Channel,
	}
}

// Process stores ev's media and metadata. A failed download leaves the record
// without media; a failed original upload or metadata write fails the unit so
// it can be retried. Derivative failures never fail the unit.
func (p *Processor) Process(ctx context.Context, ev *model.InboundEvent) error {
	log := logging.With().Int64("event_id", ev.ID).Int64("scope_id", ev.ScopeID).
		Str("media", string(ev.MediaKind())).Logger()

	var mediaURL string
	file, err := p.fetch.Fetch(ctx, ev)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("media retrieval failed, storing record without media")
	}
	if file != nil {
		defer file.Remove()

		key := s3storage.ObjectKey(ev.ScopeID, ev.ID, ev.Media.Extension())
		mediaURL, err = p.up.Upload(ctx, file.Path, key)
		if err != nil {
			return fmt.Errorf("store original: %w", err)
		}

		if ev.MediaKind() == model.MediaImage && p.derive != nil {
			if _, err := p.derive.Generate(ctx, ev.ScopeID, ev.ID, file.Path); err != nil {
				log.Warn().Err(err).Msg("derivatives skipped")
			}
		}
	}

	rec := model.BuildRecord(ev, mediaURL, p.channel)
	if err := p.sink.Upsert(ctx, rec); err != nil {
		return err
	}
	p.stats.IncProcessed(ev.ID, ev.Timestamp)
	log.Info().Bool("has_media_url", mediaURL != "").Msg("event processed")
	return nil
}

// Reprocess runs a queued unit again, fetching its event by id first when the
// payload was not kept.
func (p *Processor) Reprocess(ctx context.Context, u *model.QueuedUnit) error {
	if u.Event == nil {
		if p.source == nil {
			return fmt.Errorf("event %d: no payload and no source to fetch it from", u.EventID)
		}
		ev, err := p.source.FetchMessage(ctx, u.EventID)
		if err != nil {
			return fmt.Errorf("refetch event %d: %w", u.EventID, err)
		}
		u.Event = ev
	}
	return p.Process(ctx, u.Event)
}
