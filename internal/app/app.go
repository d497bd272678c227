// Package app assembles the ingest worker from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/breaker"
	"github.com/dharsanguruparan/ChannelDrop/internal/config"
	"github.com/dharsanguruparan/ChannelDrop/internal/connection"
	"github.com/dharsanguruparan/ChannelDrop/internal/database"
	"github.com/dharsanguruparan/ChannelDrop/internal/derive"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/pipeline"
	"github.com/dharsanguruparan/ChannelDrop/internal/queue"
	"github.com/dharsanguruparan/ChannelDrop/internal/repository"
	"github.com/dharsanguruparan/ChannelDrop/internal/retrieve"
	"github.com/dharsanguruparan/ChannelDrop/internal/retryqueue"
	"github.com/dharsanguruparan/ChannelDrop/internal/s3storage"
	"github.com/dharsanguruparan/ChannelDrop/internal/server"
	"github.com/dharsanguruparan/ChannelDrop/internal/source"
	"github.com/dharsanguruparan/ChannelDrop/internal/stats"
	"github.com/dharsanguruparan/ChannelDrop/internal/storage"
	"github.com/dharsanguruparan/ChannelDrop/internal/supervisor"
)

// App holds the wired worker.
type App struct {
	cfg        *config.Config
	stats      *stats.Stats
	client     *source.Client
	processor  *pipeline.Processor
	dispatcher *pipeline.Dispatcher
	retry      *retryqueue.Processor
	conn       *connection.Manager
	heartbeat  *stats.Heartbeat
	health     *server.Server
	backfill   *pipeline.Backfill

	closers []func()
}

// Build connects the stores and wires every component. The source session is
// not opened until Run.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, stats: stats.New()}

	objectBreaker := breaker.New(breaker.Config{
		Name:      "object_store",
		Threshold: cfg.BreakerThreshold,
		Timeout:   cfg.BreakerTimeout,
	})
	metadataBreaker := breaker.New(breaker.Config{
		Name:      "metadata_store",
		Threshold: cfg.BreakerThreshold,
		Timeout:   cfg.BreakerTimeout,
	})
	a.stats.AttachBreakers(objectBreaker, metadataBreaker)

	store, err := s3storage.New(cfg, objectBreaker)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		// Uploads fail through the breaker and retry queue until the store is back.
		logging.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("ensure bucket")
	}

	records, err := a.openRecords(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var dispatcher *pipeline.Dispatcher
	a.client = source.New(source.Config{
		WSURL:   cfg.SourceWSURL,
		APIURL:  cfg.SourceAPIURL,
		APIID:   cfg.APIID,
		APIHash: cfg.APIHash,
		Session: cfg.SessionString,
		Channel: cfg.Channel,
		RPS:     cfg.SourceRPS,
	}, func(ctx context.Context, ev *model.InboundEvent) {
		dispatcher.Deliver(ctx, ev)
	})

	a.processor = pipeline.NewProcessor(pipeline.Deps{
		Fetcher:  retrieve.New(a.client, cfg.ScratchDir, cfg.DownloadAttempts),
		Uploader: store,
		Deriver:  NewGenerator(cfg, store),
		Sink:     pipeline.NewMetadataSink(records, metadataBreaker, cfg.OperationTimeout),
		Source:   a.client,
		Stats:    a.stats,
		Channel:  cfg.Channel,
	})

	var opts []retryqueue.Option
	if cfg.DeadLetterEnabled {
		client := asynq.NewClient(redisOpt(cfg))
		a.closers = append(a.closers, func() { _ = client.Close() })
		opts = append(opts, retryqueue.WithDeadLetter(queue.NewDeadLetters(client)))
	}
	a.retry = retryqueue.NewProcessor(retryqueue.NewQueue(cfg.RetryQueueSize), a.processor, a.stats, retryqueue.Config{
		MaxRetries:   cfg.MaxRetries,
		Backoff:      backoff.Policy{Base: cfg.BaseDelay, Max: cfg.MaxRetryDelay},
		PollInterval: cfg.RetryPollInterval,
	}, opts...)

	dispatcher = pipeline.NewDispatcher(pipeline.ParseScope(cfg.Channel), a.processor, a.retry)
	a.dispatcher = dispatcher

	a.conn = connection.New(a.client, a.stats, connection.Config{
		PollInterval: cfg.ConnectPollInterval,
		Backoff:      backoff.Policy{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay},
		Attempts:     cfg.ReconnectAttempts,
	})
	a.heartbeat = stats.NewHeartbeat(a.stats, cfg.HeartbeatInterval, cfg.Channel)
	a.health = server.New(cfg.Addr(), a.stats, cfg.Channel)
	if cfg.BackfillOnStart {
		a.backfill = pipeline.NewBackfill(a.client, dispatcher, cfg.BackfillLimit)
	}
	return a, nil
}

func (a *App) openRecords(ctx context.Context) (pipeline.RecordStore, error) {
	if a.cfg.MetadataDriver == config.DriverMemory {
		logging.Warn().Msg("using in-memory metadata store, records are lost on exit")
		return storage.NewMemoryStore(), nil
	}
	pool, err := database.Connect(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repository.NewPostRepository(pool), nil
}

// NewGenerator builds the derivative generator from config.
func NewGenerator(cfg *config.Config, up derive.Uploader) *derive.Generator {
	return derive.New(up, derive.Options{
		Sizes:                  cfg.ImageSizes,
		EnableWebP:             cfg.EnableWebP,
		EnableAVIF:             cfg.EnableAVIF,
		EnableResizedOriginals: cfg.EnableResizedOriginals,
		MaxDimension:           cfg.MaxImageDimension,
		MaxSourceBytes:         cfg.MaxImageSizeBytes,
		WebPQuality:            cfg.WebPQuality,
		AVIFQuality:            cfg.AVIFQuality,
		ScratchDir:             cfg.ScratchDir,
	})
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// RedisOpt exposes the dead-letter Redis connection settings.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt { return redisOpt(cfg) }

// Processor is the per-event pipeline, used by the replay command.
func (a *App) Processor() *pipeline.Processor { return a.processor }

// Dispatcher is the scope-filtering entry point the live feed delivers to.
func (a *App) Dispatcher() *pipeline.Dispatcher { return a.dispatcher }

// Stats exposes the shared counters.
func (a *App) Stats() *stats.Stats { return a.stats }

// Run starts every background loop and blocks until ctx is cancelled or the
// session cannot be kept alive. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	log := logging.With().Str("channel", a.cfg.Channel).Str("instance_id", a.client.InstanceID()).Logger()
	log.Info().Msg("worker starting")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddCritical(a.conn)
	tree.Add(a.retry)
	tree.Add(a.heartbeat)
	tree.Add(a.health)
	if a.backfill != nil {
		tree.AddOnce(a.backfill.String(), func(ctx context.Context) error {
			_, _, err := a.backfill.Run(ctx)
			return err
		})
	}

	err := tree.Serve(ctx)
	a.heartbeat.Beat()
	code := ExitCode(err)
	log.Info().Err(err).Int("exit_code", code).Msg("worker stopped")
	return code
}

// ExitCode maps the error that stopped the worker to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return supervisor.ExitOK
	case errors.Is(err, model.ErrSessionConflict):
		return supervisor.ExitFatal
	default:
		return supervisor.ExitFailure
	}
}

// Close releases store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run builds the worker from cfg, runs it, and returns the exit code.
func Run(ctx context.Context, cfg *config.Config) int {
	a, err := Build(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("build worker")
		return supervisor.ExitFailure
	}
	defer a.Close()
	return a.Run(ctx)
}
