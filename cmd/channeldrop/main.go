package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ChannelDrop/internal/app"
	"github.com/dharsanguruparan/ChannelDrop/internal/config"
	"github.com/dharsanguruparan/ChannelDrop/internal/database"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
	"github.com/dharsanguruparan/ChannelDrop/internal/model"
	"github.com/dharsanguruparan/ChannelDrop/internal/queue"
	"github.com/dharsanguruparan/ChannelDrop/internal/source"
	"github.com/dharsanguruparan/ChannelDrop/internal/supervisor"
	"github.com/dharsanguruparan/ChannelDrop/internal/worker"
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "channeldrop: %v\n", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "channeldrop: %v\n", err)
	os.Exit(supervisor.ExitFailure)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channeldrop",
		Short: "ChannelDrop ingestion CLI",
		Long: `ChannelDrop mirrors a channel's posts into object storage and a metadata store.
Use it to run or supervise the worker, replay dead letters, and inspect a running worker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newRunCmd(),
		newSuperviseCmd(),
		newReplayCmd(),
		newSchemaCmd(),
		newStatusCmd(),
		newSessionCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingest worker in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if code := app.Run(cmd.Context(), cfg); code != supervisor.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

func newSuperviseCmd() *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "supervise [-- worker args...]",
		Short: "Keep the worker binary running, restarting it after failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if binary == "" {
				binary = cfg.WorkerBinary
			}
			restarter := &supervisor.Restarter{
				Run:         supervisor.ExecRunner(binary, args...),
				MaxRestarts: cfg.SupervisorMaxRestarts,
				Delay:       cfg.SupervisorRestartDelay,
			}
			logging.Info().Str("binary", binary).Int("max_restarts", cfg.SupervisorMaxRestarts).Msg("supervising worker")
			if code := restarter.Loop(cmd.Context()); code != supervisor.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "Worker binary to run (defaults to WORKER_BINARY)")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-drive dead-lettered units through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			server := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
				Concurrency: concurrency,
				Queues:      map[string]int{queue.DeadLetterQueue: 1},
			})
			processor := worker.NewProcessor(a.Processor())
			go func() {
				<-ctx.Done()
				server.Shutdown()
			}()
			logging.Info().Str("queue", queue.DeadLetterQueue).Msg("replaying dead letters")
			if err := server.Run(processor.Handler()); err != nil {
				return fmt.Errorf("replay server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Dead letters replayed at once")
	return cmd
}

func newSchemaCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the posts table in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			config.LoadDotEnv()
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return errors.New("DATABASE_URL is required")
			}
			pool, err := database.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "posts schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DATABASE_URL)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running worker's /status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				config.LoadDotEnv()
				port := os.Getenv("PORT")
				if port == "" {
					port = "8080"
				}
				url = "http://127.0.0.1:" + port + "/status"
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Status endpoint (defaults to localhost on PORT)")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch status: unexpected status %s", resp.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newSessionCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Check that the configured session can connect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := source.New(source.Config{
				WSURL:   cfg.SourceWSURL,
				APIURL:  cfg.SourceAPIURL,
				APIID:   cfg.APIID,
				APIHash: cfg.APIHash,
				Session: cfg.SessionString,
				Channel: cfg.Channel,
				RPS:     cfg.SourceRPS,
			}, nil)
			err = client.Connect(ctx)
			_ = client.Close()
			switch {
			case errors.Is(err, model.ErrSessionConflict):
				return &exitError{code: supervisor.ExitFatal, err: errors.New("session is in use by another client, issue a new SESSION_STRING")}
			case err != nil:
				return fmt.Errorf("connect: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session ok (instance %s)\n", client.InstanceID())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Handshake timeout")
	return cmd
}
