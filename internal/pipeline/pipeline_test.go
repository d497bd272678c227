package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/breaker"
	"github.com/dharsanguruparan/ChannelDrop/internal/derive"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/retrieve"
	"github.com/dharsanguruparan/ChannelDrop/internal/retryqueue"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
)

// pngDownloader serves a generated PNG of the given size for every file id.
type pngDownloader struct {
	w, h int
	err  error
}

func (d *pngDownloader) Download(_ context.Context, _ string, w io.Writer) error {
	if d.err != nil {
		return d.err
	}
	return png.Encode(w, image.NewGray(image.Rect(0, 0, d.w, d.h)))
}

// objectStore counts writes and skips keys it already holds.
type objectStore struct {
	mu     sync.Mutex
	writes []string
	keys   map[string]bool
	err    error
}

func (o *objectStore) Upload(_ context.Context, _ string, key string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return "", o.err
	}
	if o.keys == nil {
		o.keys = make(map[string]bool)
	}
	if !o.keys[key] {
		o.keys[key] = true
		o.writes = append(o.writes, key)
	}
	return "https://cdn.example/" + key, nil
}

// flakyStore fails the first n upserts.
type flakyStore struct {
	mu      sync.Mutex
	failN   int
	calls   int
	records map[int64]model.CanonicalRecord
}

func (s *flakyStore) Upsert(_ context.Context, rec *model.CanonicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("connection reset by peer")
	}
	if s.records == nil {
		s.records = make(map[int64]model.CanonicalRecord)
	}
	s.records[rec.ID] = *rec
	return nil
}

type capturingQueue struct {
	units []*model.QueuedUnit
}

func (q *capturingQueue) Enqueue(_ context.Context, u *model.QueuedUnit) {
	q.units = append(q.units, u)
}

type fixture struct {
	proc     *Processor
	objects  *objectStore
	records  *flakyStore
	stats    *stats.Stats
	metadata *breaker.Breaker
}

func newFixture(t *testing.T, dl retrieve.Downloader, gen func(Uploader) Deriver, failUpserts int) *fixture {
	t.Helper()
	f := &fixture{
		objects:  &objectStore{},
		records:  &flakyStore{failN: failUpserts},
		stats:    stats.New(),
		metadata: breaker.New(breaker.Config{Name: "test-metadata-" + t.Name(), Threshold: 5, Timeout: time.Minute}),
	}
	var deriver Deriver
	if gen != nil {
		deriver = gen(f.objects)
	}
	f.proc = NewProcessor(Deps{
		Fetcher:  retrieve.New(dl, t.TempDir(), 1),
		Uploader: f.objects,
		Deriver:  deriver,
		Sink:     NewMetadataSink(f.records, f.metadata, time.Second),
		Stats:    f.stats,
		Channel:  "news",
	})
	return f
}

func TestImageEventUploadsOriginalAndDerivatives(t *testing.T) {
	gen := func(up Uploader) Deriver {
		return derive.New(up, derive.Options{
			Sizes:                  []int{1024},
			EnableWebP:             true,
			EnableResizedOriginals: true,
			EnableAVIF:             false,
			ScratchDir:             t.TempDir(),
		}, derive.WithEncoder(derive.FormatWebP, func(w io.Writer, img image.Image) error {
			return png.Encode(w, img)
		}))
	}
	f := newFixture(t, &pngDownloader{w: 2000, h: 2000}, gen, 0)
	ev := &model.InboundEvent{ID: 42, ScopeID: 100, Timestamp: time.Unix(1700000000, 0),
		Caption: "sunrise @news", Media: model.NewImage("photo-42", 2000, 2000, 0)}

	if err := f.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	writes := append([]string(nil), f.objects.writes...)
	sort.Strings(writes)
	want := "100/42.jpg,100/42.webp,100/42_1024.jpg,100/42_1024.webp"
	if strings.Join(writes, ",") != want {
		t.Fatalf("expected exactly 4 writes %s, got %v", want, writes)
	}
	for _, k := range writes {
		if strings.HasSuffix(k, ".avif") {
			t.Fatalf("unexpected avif write %s", k)
		}
	}
	rec := f.records.records[42]
	if rec.MediaURL == nil || *rec.MediaURL != "https://cdn.example/100/42.jpg" || rec.Content == nil || *rec.Content != "sunrise" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestTransientMetadataFailureRecoversThroughRetryQueue(t *testing.T) {
	f := newFixture(t, &pngDownloader{w: 10, h: 10}, nil, 2)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	retry := retryqueue.NewProcessor(retryqueue.NewQueue(10), f.proc, f.stats, retryqueue.Config{
		MaxRetries: 5,
		Backoff:    backoff.Policy{Base: time.Second, Max: time.Minute},
	}, retryqueue.WithClock(now))
	d := NewDispatcher(ParseScope("-100123"), f.proc, retry)
	d.now = now

	ev := &model.InboundEvent{ID: 77, ScopeID: -100123, Timestamp: clock, Text: "breaking",
		Media: model.NewImage("p77", 10, 10, 0)}
	ctx := context.Background()
	if err := d.Handle(ctx, ev); err == nil {
		t.Fatalf("first attempt should fail")
	}
	if retry.Len() != 1 {
		t.Fatalf("expected unit in retry queue")
	}

	clock = clock.Add(time.Second)
	retry.ProcessOnce(ctx)
	if retry.Len() != 1 {
		t.Fatalf("second failure must re-queue the unit")
	}
	if got := f.metadata.State(); got != breaker.StateClosed {
		t.Fatalf("two failures under threshold must keep breaker closed, got %s", got)
	}

	clock = clock.Add(time.Second)
	retry.ProcessOnce(ctx)
	if retry.Len() != 1 {
		t.Fatalf("retry_count=1 unit must wait 2s")
	}
	clock = clock.Add(time.Second)
	retry.ProcessOnce(ctx)

	snap := f.stats.Snapshot()
	if retry.Len() != 0 || snap.Retried != 1 || snap.Processed != 1 || snap.Failed != 0 {
		t.Fatalf("unexpected stats after recovery %+v", snap)
	}
	rec, ok := f.records.records[77]
	if !ok || rec.Content == nil || *rec.Content != "breaking" || rec.MediaType != model.MediaImage ||
		rec.Width == nil || *rec.Width != 10 || rec.MediaURL == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(f.objects.writes) != 1 {
		t.Fatalf("retries must not rewrite the original, writes=%v", f.objects.writes)
	}
}

func TestProcessDownloadFailureStoresRecordWithoutMedia(t *testing.T) {
	f := newFixture(t, &pngDownloader{err: errors.New("file reference expired")}, nil, 0)
	ev := &model.InboundEvent{ID: 5, ScopeID: 1, Timestamp: time.Unix(10, 0), Media: model.NewVideo("v5", 640, 360, 0, "video/mp4")}
	if err := f.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec := f.records.records[5]
	if rec.MediaURL != nil || rec.MediaType != model.MediaVideo || rec.Width == nil || *rec.Width != 640 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(f.objects.writes) != 0 {
		t.Fatalf("no object write expected")
	}
}

func TestProcessUploadFailureFailsUnit(t *testing.T) {
	f := newFixture(t, &pngDownloader{w: 4, h: 4}, nil, 0)
	f.objects.err = errors.New("bucket unavailable")
	ev := &model.InboundEvent{ID: 6, ScopeID: 1, Media: model.NewImage("p6", 4, 4, 0)}
	if err := f.proc.Process(context.Background(), ev); err == nil {
		t.Fatalf("expected upload error")
	}
	if len(f.records.records) != 0 {
		t.Fatalf("record must not be written when the original upload fails")
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t, &pngDownloader{w: 4, h: 4}, nil, 0)
	ev := &model.InboundEvent{ID: 8, ScopeID: 1, Text: "same", Media: model.NewImage("p8", 4, 4, 0)}
	for i := 0; i < 2; i++ {
		if err := f.proc.Process(context.Background(), ev); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if len(f.records.records) != 1 || len(f.objects.writes) != 1 {
		t.Fatalf("expected one record and one object, got %d and %v", len(f.records.records), f.objects.writes)
	}
}

type staticSource struct {
	ev  *model.InboundEvent
	err error
}

func (s staticSource) FetchMessage(context.Context, int64) (*model.InboundEvent, error) {
	return s.ev, s.err
}

func (s staticSource) History(context.Context, int) ([]*model.InboundEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*model.InboundEvent{s.ev}, nil
}

func TestReprocessRefetchesMissingPayload(t *testing.T) {
	f := newFixture(t, &pngDownloader{}, nil, 0)
	f.proc.source = staticSource{ev: &model.InboundEvent{ID: 11, ScopeID: 1, Text: "fetched"}}
	u := &model.QueuedUnit{EventID: 11, ScopeID: 1}
	if err := f.proc.Reprocess(context.Background(), u); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if u.Event == nil || *f.records.records[11].Content != "fetched" {
		t.Fatalf("expected refetched event to be stored")
	}

	f.proc.source = staticSource{err: model.ErrNotFound}
	if err := f.proc.Reprocess(context.Background(), &model.QueuedUnit{EventID: 12}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScopeMatches(t *testing.T) {
	byName := ParseScope("@News")
	byID := ParseScope("-100123")
	cases := []struct {
		scope Scope
		ev    model.InboundEvent
		want  bool
	}{
		{byName, model.InboundEvent{ScopeName: "news"}, true},
		{byName, model.InboundEvent{ScopeName: "other", ScopeID: -100123}, false},
		{byID, model.InboundEvent{ScopeID: -100123}, true},
		{byID, model.InboundEvent{ScopeID: -100124, ScopeName: "news"}, false},
	}
	for i, tc := range cases {
		if got := tc.scope.Matches(&tc.ev); got != tc.want {
			t.Errorf("case %d: Matches = %v, want %v", i, got, tc.want)
		}
	}
	if byName.String() != "@News" || byID.String() != "-100123" {
		t.Fatalf("unexpected scope strings %s %s", byName, byID)
	}
}

func TestDispatcherIgnoresOutOfScope(t *testing.T) {
	f := newFixture(t, &pngDownloader{}, nil, 0)
	q := &capturingQueue{}
	d := NewDispatcher(ParseScope("news"), f.proc, q)
	if err := d.Handle(context.Background(), &model.InboundEvent{ID: 1, ScopeName: "elsewhere", Text: "x"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.records.records) != 0 || len(q.units) != 0 || f.stats.Snapshot().Processed != 0 {
		t.Fatalf("out-of-scope event must have no side effects")
	}
}

func TestDispatcherEnqueuesFirstFailure(t *testing.T) {
	f := newFixture(t, &pngDownloader{}, nil, 1)
	q := &capturingQueue{}
	d := NewDispatcher(ParseScope("news"), f.proc, q)
	ev := &model.InboundEvent{ID: 3, ScopeName: "news", Text: "x"}
	if err := d.Handle(context.Background(), ev); err == nil {
		t.Fatalf("expected failure")
	}
	if len(q.units) != 1 || q.units[0].RetryCount != 0 || q.units[0].Event != ev || q.units[0].LastError == "" {
		t.Fatalf("unexpected queued unit %+v", q.units)
	}
}

// stallingDownloader blocks until its context is cancelled.
type stallingDownloader struct {
	started chan struct{}
}

func (d *stallingDownloader) Download(ctx context.Context, _ string, _ io.Writer) error {
	close(d.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherQueuesUnitCancelledMidFlight(t *testing.T) {
	dl := &stallingDownloader{started: make(chan struct{})}
	f := newFixture(t, dl, nil, 0)
	q := &capturingQueue{}
	d := NewDispatcher(ParseScope("news"), f.proc, q)
	ev := &model.InboundEvent{ID: 99, ScopeName: "news", Caption: "x", Media: model.NewImage("p99", 10, 10, 100)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-dl.started
		cancel()
	}()
	if err := d.Handle(ctx, ev); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if len(q.units) != 1 || q.units[0].EventID != 99 || q.units[0].RetryCount != 0 {
		t.Fatalf("cancelled unit must be queued for retry, got %+v", q.units)
	}
	if f.stats.Snapshot().Processed != 0 || len(f.records.records) != 0 {
		t.Fatalf("cancelled unit must not be recorded as processed")
	}
}

func TestBackfillDispatchesHistory(t *testing.T) {
	f := newFixture(t, &pngDownloader{}, nil, 0)
	d := NewDispatcher(ParseScope("news"), f.proc, &capturingQueue{})
	src := staticSource{ev: &model.InboundEvent{ID: 21, ScopeName: "news", Text: "old post"}}

	n, failed, err := NewBackfill(src, d, 10).Run(context.Background())
	if err != nil || n != 1 || failed != 0 {
		t.Fatalf("backfill = %d, %d, %v", n, failed, err)
	}
	if _, ok := f.records.records[21]; !ok {
		t.Fatalf("backfilled record missing")
	}
}
