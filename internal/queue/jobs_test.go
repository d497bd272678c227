package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// fakeEnqueuer rejects reused task ids the way Redis does while a task, pending
// or retained, still holds its id.
type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}
		id, _ := o.Value().(string)
		if f.ids[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		if f.ids == nil {
			f.ids = make(map[string]bool)
		}
		f.ids[id] = true
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "x", Queue: DeadLetterQueue}, nil
}

func TestDeadLetterPayload(t *testing.T) {
	fake := &fakeEnqueuer{}
	dl := NewDeadLetters(fake)
	dl.now = func() time.Time { return time.Unix(500, 0) }

	u := &model.QueuedUnit{EventID: 42, ScopeID: -100, RetryCount: 5, LastError: "metadata down", Event: &model.InboundEvent{ID: 42}}
	if err := dl.DeadLetter(context.Background(), u, "retries_exhausted"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if len(fake.tasks) != 1 || fake.tasks[0].Type() != DeadLetterTask {
		t.Fatalf("unexpected tasks %+v", fake.tasks)
	}
	p, err := DecodeDeadLetter(fake.tasks[0].Payload())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.EventID != 42 || p.ScopeID != -100 || p.RetryCount != 5 || p.Reason != "retries_exhausted" || !p.DroppedAt.Equal(time.Unix(500, 0)) {
		t.Fatalf("unexpected payload %+v", p)
	}
	unit := p.Unit(time.Unix(600, 0))
	if unit.Event != nil || unit.RetryCount != 0 || unit.EventID != 42 {
		t.Fatalf("replayed unit must be fresh and payload-less: %+v", unit)
	}
}

func TestDeadLetterDuplicateIsNotAnError(t *testing.T) {
	dl := NewDeadLetters(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})
	if err := dl.DeadLetter(context.Background(), &model.QueuedUnit{EventID: 1}, "queue_overflow"); err != nil {
		t.Fatalf("expected duplicate to be ignored, got %v", err)
	}
	boom := errors.New("redis down")
	dl = NewDeadLetters(&fakeEnqueuer{err: boom})
	if err := dl.DeadLetter(context.Background(), &model.QueuedUnit{EventID: 1}, "queue_overflow"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped redis error, got %v", err)
	}
}

func TestDeadLetterAfterReplayEnqueuesAgain(t *testing.T) {
	fake := &fakeEnqueuer{}
	dl := NewDeadLetters(fake)
	clock := time.Unix(1000, 0)
	dl.now = func() time.Time { return clock }

	u := &model.QueuedUnit{EventID: 7, RetryCount: 5, LastError: "object store down"}
	if err := dl.DeadLetter(context.Background(), u, "retries_exhausted"); err != nil {
		t.Fatalf("first drop: %v", err)
	}

	// Replayed, failed again and dropped with the same retry count later on.
	clock = clock.Add(time.Hour)
	if err := dl.DeadLetter(context.Background(), u, "retries_exhausted"); err != nil {
		t.Fatalf("second drop: %v", err)
	}
	if len(fake.tasks) != 2 {
		t.Fatalf("expected two dead letters for two drops, got %d", len(fake.tasks))
	}

	// The identical drop delivered twice is still a single task.
	if err := dl.DeadLetter(context.Background(), u, "retries_exhausted"); err != nil {
		t.Fatalf("repeated drop: %v", err)
	}
	if len(fake.tasks) != 2 {
		t.Fatalf("identical drop must not enqueue twice, got %d", len(fake.tasks))
	}
}

func TestDecodeDeadLetterRejectsGarbage(t *testing.T) {
	if _, err := DecodeDeadLetter([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing event id")
	}
	if _, err := DecodeDeadLetter([]byte(`nope`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
