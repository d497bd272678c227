package retryqueue

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

// Reprocessor runs a queued unit through the pipeline again. When u.Event is
// nil the implementation must re-fetch the event by id.
type Reprocessor interface {
	Reprocess(ctx context.Context, u *model.QueuedUnit) error
}

// DeadLetterSink receives units the queue gives up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, u *model.QueuedUnit, reason string) error
}

// Drop reasons passed to the dead-letter sink.
const (
	ReasonExhausted = "retries_exhausted"
	ReasonEvicted   = "queue_overflow"
)

// Config controls retry pacing.
type Config struct {
	MaxRetries   int
	Backoff      backoff.Policy
	PollInterval time.Duration
	// DeadLetterTimeout bounds one dead-letter hand-off. Eviction runs on the
	// dispatch path, so an unreachable sink must not stall intake.
	DeadLetterTimeout time.Duration
}

// Processor owns the queue and every QueuedUnit in it.
type Processor struct {
	queue *Queue
	work  Reprocessor
	stats *stats.Stats
	cfg   Config
	dead  DeadLetterSink
	now   func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithDeadLetter hands dropped units to sink.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(p *Processor) { p.dead = sink }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires a queue to the pipeline.
func NewProcessor(q *Queue, work Reprocessor, st *stats.Stats, cfg Config, opts ...Option) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DeadLetterTimeout <= 0 {
		cfg.DeadLetterTimeout = 5 * time.Second
	}
	p := &Processor{queue: q, work: work, stats: st, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Delay returns how long a unit with retryCount waits before its next attempt.
func (p *Processor) Delay(retryCount int) time.Duration {
	return p.cfg.Backoff.Delay(retryCount)
}

// Enqueue adds a unit after a failed attempt. If the queue is full the oldest
// unit is evicted and counted as failed.
func (p *Processor) Enqueue(ctx context.Context, u *model.QueuedUnit) {
	if u.EnqueuedAt.IsZero() {
		u.EnqueuedAt = p.now()
	}
	evicted := p.queue.Push(u)
	p.stats.SetQueueSize(p.queue.Len())
	logging.Info().Int64("event_id", u.EventID).Int("retry_count", u.RetryCount).
		Str("error", u.LastError).Msg("unit queued for retry")
	if evicted != nil {
		p.drop(ctx, evicted, ReasonEvicted)
	}
}

// Len reports the queue length.
func (p *Processor) Len() int { return p.queue.Len() }

// Serve runs ProcessOnce every poll interval until ctx is cancelled.
func (p *Processor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce visits each unit queued at the start of the pass exactly once,
// in FIFO order. Units that are not yet due go back to the tail.
func (p *Processor) ProcessOnce(ctx context.Context) {
	defer func() { p.stats.SetQueueSize(p.queue.Len()) }()
	n := p.queue.Len()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		u, ok := p.queue.Pop()
		if !ok {
			return
		}
		if p.now().Sub(u.EnqueuedAt) < p.Delay(u.RetryCount) {
			if evicted := p.queue.Push(u); evicted != nil {
				p.drop(ctx, evicted, ReasonEvicted)
			}
			continue
		}
		p.attempt(ctx, u)
	}
}

func (p *Processor) attempt(ctx context.Context, u *model.QueuedUnit) {
	log := logging.With().Int64("event_id", u.EventID).Int("retry_count", u.RetryCount).Logger()
	err := p.work.Reprocess(ctx, u)
	if err == nil {
		p.stats.IncRetried()
		log.Info().Msg("retry succeeded")
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Shutdown; the unit is abandoned with the rest of the queue.
		return
	}

	u.RetryCount++
	u.LastError = err.Error()
	p.stats.SetLastError(err)
	if u.RetryCount >= p.cfg.MaxRetries {
		log.Error().Err(err).Int("max_retries", p.cfg.MaxRetries).Msg("retries exhausted, dropping unit")
		p.drop(ctx, u, ReasonExhausted)
		return
	}
	u.EnqueuedAt = p.now()
	log.Warn().Err(err).Dur("next_delay", p.Delay(u.RetryCount)).Msg("retry failed, re-queued")
	if evicted := p.queue.Push(u); evicted != nil {
		p.drop(ctx, evicted, ReasonEvicted)
	}
}

func (p *Processor) drop(ctx context.Context, u *model.QueuedUnit, reason string) {
	var err error
	if u.LastError != "" {
		err = errors.New(u.LastError)
	}
	p.stats.IncFailed(err)
	logging.Error().Int64("event_id", u.EventID).Int("retry_count", u.RetryCount).
		Str("reason", reason).Str("error", u.LastError).Msg("unit dropped")
	if p.dead == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DeadLetterTimeout)
	defer cancel()
	if err := p.dead.DeadLetter(dctx, u, reason); err != nil {
		logging.Warn().Err(err).Int64("event_id", u.EventID).Msg("dead-letter hand-off failed")
	}
}

func (p *Processor) String() string { return "retry-queue" }
