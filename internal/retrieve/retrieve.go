// Package retrieve downloads event attachments into scratch files.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// RateLimitError is returned by a Downloader when the source asks the client
// to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Downloader streams the payload identified by fileID into w.
type Downloader interface {
	Download(ctx context.Context, fileID string, w io.Writer) error
}

// File is a downloaded attachment on local disk. The caller owns it and must
// call Remove.
type File struct {
	Path string
	Size int64
}

// Remove deletes the scratch file. It is safe on a nil *File.
func (f *File) Remove() {
	if f == nil || f.Path == "" {
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Str("path", f.Path).Msg("remove scratch file")
	}
}

// Retriever fetches media with rate-limit aware retries.
type Retriever struct {
	dl       Downloader
	dir      string
	attempts int
	sleep    backoff.SleepFunc
}

// New returns a Retriever writing into dir. attempts bounds how many times a
// rate-limited download is tried.
func New(dl Downloader, dir string, attempts int) *Retriever {
	if attempts <= 0 {
		attempts = 1
	}
	return &Retriever{dl: dl, dir: dir, attempts: attempts, sleep: backoff.Sleep}
}

// Fetch downloads ev's attachment. It returns (nil, nil) for events without
// media. A rate limit suspends for the advertised duration and tries again;
// any other failure is returned immediately.
func (r *Retriever) Fetch(ctx context.Context, ev *model.InboundEvent) (*File, error) {
	if ev.MediaKind() == model.MediaNone {
		return nil, nil
	}
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		file, err := r.download(ctx, ev)
		if err == nil {
			metrics.Downloads.WithLabelValues("ok").Inc()
			return file, nil
		}
		lastErr = err

		var rl *RateLimitError
		if !errors.As(err, &rl) {
			metrics.Downloads.WithLabelValues("failed").Inc()
			return nil, err
		}
		metrics.Downloads.WithLabelValues("rate_limited").Inc()
		logging.Warn().Int64("event_id", ev.ID).Int("attempt", attempt).
			Dur("retry_after", rl.RetryAfter).Msg("media download rate limited")
		if attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, rl.RetryAfter); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("download media for event %d: %w", ev.ID, lastErr)
}

func (r *Retriever) download(ctx context.Context, ev *model.InboundEvent) (*File, error) {
	f, err := os.CreateTemp(r.dir, fmt.Sprintf("media-%d-*%s", ev.ID, ev.Media.Extension()))
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	file := &File{Path: f.Name()}

	counter := &countingWriter{w: f}
	dlErr := r.dl.Download(ctx, ev.Media.FileID(), counter)
	closeErr := f.Close()
	if dlErr != nil {
		file.Remove()
		return nil, fmt.Errorf("download %s: %w", ev.Media.FileID(), dlErr)
	}
	if closeErr != nil {
		file.Remove()
		return nil, fmt.Errorf("close scratch file: %w", closeErr)
	}
	file.Size = counter.n
	return file, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
