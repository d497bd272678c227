// Package worker runs the asynq handler that replays dead-lettered units
// through the ingestion pipeline.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/queue"
)

// Reprocessor is implemented by *pipeline.Processor.
type Reprocessor interface {
	Reprocess(ctx context.Context, u *model.QueuedUnit) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	work Reprocessor
}

// NewProcessor constructs a replay processor.
func NewProcessor(work Reprocessor) *Processor {
	return &Processor{work: work}
}

// Handler registers the dead-letter handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeadLetterTask, p.handleDeadLetter)
	return mux
}

func (p *Processor) handleDeadLetter(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeDeadLetter(task.Payload())
	if err != nil {
		// A malformed payload will never decode; skip retrying it.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := logging.With().Int64("event_id", payload.EventID).Str("reason", payload.Reason).Logger()
	if err := p.work.Reprocess(ctx, payload.Unit(time.Now())); err != nil {
		log.Warn().Err(err).Msg("replay failed")
		return err
	}
	log.Info().Msg("dead letter replayed")
	return nil
}
