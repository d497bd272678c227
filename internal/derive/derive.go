// Package derive produces resized and re-encoded variants of image
// attachments and uploads each one as soon as it is encoded.
package derive

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	// Registers the webp decoder with image.Decode.
	_ "golang.org/x/image/webp"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/metrics"
	"github.com/dharsanguruparan/ChannelDrop/internal/s3storage"
)

// Formats produced by the generator.
const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
	FormatAVIF = "avif"
)

var extensions = map[string]string{
	FormatJPEG: ".jpg",
	FormatWebP: ".webp",
	FormatAVIF: ".avif",
}

// ErrSourceTooLarge means the original exceeded MaxSourceBytes and no
// derivative was attempted.
var ErrSourceTooLarge = errors.New("source image too large")

// Uploader stores one local file under key. *s3storage.Storage implements it.
type Uploader interface {
	Upload(ctx context.Context, path, key string) (string, error)
}

// Encoder writes img in one output format.
type Encoder func(w io.Writer, img image.Image) error

// Options mirror the derivative settings in config.
type Options struct {
	Sizes                  []int
	EnableWebP             bool
	EnableAVIF             bool
	EnableResizedOriginals bool
	MaxDimension           int
	MaxSourceBytes         int64
	WebPQuality            int
	AVIFQuality            int
	ScratchDir             string
	// Workers bounds how many derivatives are encoded at once.
	Workers int
}

// Artifact is the outcome of one derivative. Err is set when encoding or
// uploading failed; siblings are unaffected.
type Artifact struct {
	Variant string
	Format  string
	Key     string
	URL     string
	Err     error
}

// Generator fans an image out into its configured derivatives.
type Generator struct {
	up       Uploader
	opts     Options
	encoders map[string]Encoder
}

// Option customizes a Generator.
type Option func(*Generator)

// WithEncoder replaces the encoder used for format.
func WithEncoder(format string, enc Encoder) Option {
	return func(g *Generator) { g.encoders[format] = enc }
}

// New builds a Generator with the default jpeg, webp and avif encoders.
func New(up Uploader, opts Options, options ...Option) *Generator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	g := &Generator{up: up, opts: opts}
	g.encoders = map[string]Encoder{
		FormatJPEG: func(w io.Writer, img image.Image) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(85))
		},
		FormatWebP: func(w io.Writer, img image.Image) error {
			return webp.Encode(w, img, webp.Options{Quality: opts.WebPQuality})
		},
		FormatAVIF: func(w io.Writer, img image.Image) error {
			return avif.Encode(w, img, avif.Options{Quality: opts.AVIFQuality, Speed: 8})
		},
	}
	for _, o := range options {
		o(g)
	}
	return g
}

type task struct {
	variant string
	format  string
	suffix  string
	img     image.Image
}

// Plan lists the derivative key suffixes the current options produce, in
// generation order.
func (g *Generator) Plan() []string {
	tasks := g.tasks(nil)
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.suffix
	}
	return out
}

func (g *Generator) tasks(img image.Image) []task {
	var tasks []task
	for _, size := range g.opts.Sizes {
		var thumb image.Image
		if img != nil {
			thumb = imaging.Fit(img, size, size, imaging.Lanczos)
		}
		variant := "thumb_" + strconv.Itoa(size)
		prefix := "_" + strconv.Itoa(size)
		if g.opts.EnableResizedOriginals {
			tasks = append(tasks, task{variant, FormatJPEG, prefix + extensions[FormatJPEG], thumb})
		}
		if g.opts.EnableWebP {
			tasks = append(tasks, task{variant, FormatWebP, prefix + extensions[FormatWebP], thumb})
		}
		if g.opts.EnableAVIF {
			tasks = append(tasks, task{variant, FormatAVIF, prefix + extensions[FormatAVIF], thumb})
		}
	}
	if g.opts.EnableWebP {
		tasks = append(tasks, task{"full", FormatWebP, extensions[FormatWebP], img})
	}
	if g.opts.EnableAVIF {
		tasks = append(tasks, task{"full", FormatAVIF, extensions[FormatAVIF], img})
	}
	return tasks
}

// Generate decodes the image at path once and produces every enabled
// derivative. The returned error covers the source only (too large, not
// decodable); per-derivative failures are reported in Artifact.Err.
func (g *Generator) Generate(ctx context.Context, scopeID, eventID int64, path string) ([]Artifact, error) {
	log := logging.With().Int64("event_id", eventID).Logger()

	if g.opts.MaxSourceBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat source: %w", err)
		}
		if info.Size() > g.opts.MaxSourceBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrSourceTooLarge, info.Size())
		}
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	if limit := g.opts.MaxDimension; limit > 0 {
		b := img.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			log.Debug().Int("width", b.Dx()).Int("height", b.Dy()).Int("limit", limit).Msg("downsampling source")
			img = imaging.Fit(img, limit, limit, imaging.Lanczos)
		}
	}

	tasks := g.tasks(img)
	results := make([]Artifact, len(tasks))
	sem := make(chan struct{}, g.opts.Workers)
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = g.run(ctx, scopeID, eventID, t)
		}(i, t)
	}
	wg.Wait()

	for _, a := range results {
		if a.Err != nil {
			metrics.Derivatives.WithLabelValues(a.Format, "failed").Inc()
			log.Warn().Err(a.Err).Str("variant", a.Variant).Str("format", a.Format).Str("key", a.Key).
				Msg("derivative failed")
			continue
		}
		metrics.Derivatives.WithLabelValues(a.Format, "ok").Inc()
	}
	return results, nil
}

// run encodes and uploads one derivative. A panicking encoder is turned into
// an error for this artifact only.
func (g *Generator) run(ctx context.Context, scopeID, eventID int64, t task) (a Artifact) {
	a = Artifact{Variant: t.variant, Format: t.format, Key: s3storage.ObjectKey(scopeID, eventID, t.suffix)}
	defer func() {
		if r := recover(); r != nil {
			a.URL = ""
			a.Err = fmt.Errorf("%s encoder panic: %v", t.format, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		a.Err = err
		return a
	}

	enc, ok := g.encoders[t.format]
	if !ok {
		a.Err = fmt.Errorf("no encoder for %s", t.format)
		return a
	}
	path, err := g.encode(enc, t)
	if path != "" {
		defer os.Remove(path)
	}
	if err != nil {
		a.Err = err
		return a
	}
	url, err := g.up.Upload(ctx, path, a.Key)
	if err != nil {
		a.Err = err
		return a
	}
	a.URL = url
	return a
}

// encode writes the derivative to a scratch file. The returned path is set
// whenever a file was created, even on error, so the caller can remove it.
func (g *Generator) encode(enc Encoder, t task) (path string, err error) {
	f, err := os.CreateTemp(g.opts.ScratchDir, "derivative-*"+extensions[t.format])
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = f.Close()
			path, err = f.Name(), fmt.Errorf("%s encoder panic: %v", t.format, r)
		}
	}()
	encErr := enc(f, t.img)
	closeErr := f.Close()
	if encErr != nil {
		return f.Name(), fmt.Errorf("encode %s: %w", t.format, encErr)
	}
	if closeErr != nil {
		return f.Name(), fmt.Errorf("close scratch file: %w", closeErr)
	}
	return f.Name(), nil
}
