// Package queue hands units the retry queue gave up on to Redis via asynq, so
// an operator can replay them later with `channeldrop replay`.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

const (
	// DeadLetterTask is scheduled for every dropped unit.
	DeadLetterTask = "unit:dead_letter"
	// DeadLetterQueue keeps dead letters apart from any other asynq traffic.
	DeadLetterQueue = "dead_letter"
)

// DeadLetterPayload carries ids only; media handles expire, so replay fetches
// the message again.
type DeadLetterPayload struct {
	EventID    int64     `json:"event_id"`
	ScopeID    int64     `json:"scope_id"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	Reason     string    `json:"reason"`
	DroppedAt  time.Time `json:"dropped_at"`
}

// Unit rebuilds a fresh retry unit without payload.
func (p DeadLetterPayload) Unit(now time.Time) *model.QueuedUnit {
	return &model.QueuedUnit{EventID: p.EventID, ScopeID: p.ScopeID, LastError: p.LastError, EnqueuedAt: now}
}

// TaskID identifies one drop. Retained tasks keep their id, so a unit that is
// replayed and dropped again must get a new one.
func (p DeadLetterPayload) TaskID() string {
	return fmt.Sprintf("event-%d-r%d-%d", p.EventID, p.RetryCount, p.DroppedAt.UnixNano())
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DeadLetters implements the retry queue's dead-letter sink.
type DeadLetters struct {
	client Enqueuer
	now    func() time.Time
}

// NewDeadLetters wraps an asynq client.
func NewDeadLetters(client Enqueuer) *DeadLetters {
	return &DeadLetters{client: client, now: time.Now}
}

// DeadLetter enqueues u for later replay.
func (d *DeadLetters) DeadLetter(ctx context.Context, u *model.QueuedUnit, reason string) error {
	payload := DeadLetterPayload{
		EventID:    u.EventID,
		ScopeID:    u.ScopeID,
		RetryCount: u.RetryCount,
		LastError:  u.LastError,
		Reason:     reason,
		DroppedAt:  d.now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(DeadLetterTask, data)
	opts := []asynq.Option{
		asynq.Queue(DeadLetterQueue),
		asynq.MaxRetry(5),
		asynq.TaskID(payload.TaskID()),
		asynq.Retention(7 * 24 * time.Hour),
	}
	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		// Same drop already enqueued.
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	metrics.DeadLetters.Inc()
	return nil
}

// DecodeDeadLetter parses a task payload.
func DecodeDeadLetter(data []byte) (DeadLetterPayload, error) {
	var p DeadLetterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.EventID == 0 {
		return p, fmt.Errorf("decode payload: missing event_id")
	}
	return p, nil
}
