// Package supervisor runs the worker's background loops under a suture tree
// and, for `channeldrop supervise`, restarts the worker process itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
)

// Exit codes shared by the worker and the process supervisor.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitFatal means restarting cannot help, e.g. a session conflict.
	ExitFatal = 3
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree is the worker's supervisor. Services added with AddCritical stop the
// whole tree when they fail; the first such error is kept for the exit code.
type Tree struct {
	root *suture.Supervisor

	mu    sync.Mutex
	cause error
}

// NewTree builds the root supervisor, logging through logger.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	handler := &sutureslog.Handler{Logger: logger}
	root := suture.New("channeldrop", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Tree{root: root}
}

// Add registers a service that is restarted with backoff when it fails.
func (t *Tree) Add(svc suture.Service) {
	t.root.Add(svc)
}

// AddCritical registers a service whose failure ends the process.
func (t *Tree) AddCritical(svc suture.Service) {
	t.root.Add(&critical{svc: svc, tree: t})
}

// AddOnce registers a service that runs to completion a single time.
func (t *Tree) AddOnce(name string, run func(ctx context.Context) error) {
	t.root.Add(&oneShot{name: name, run: run})
}

// Serve blocks until ctx is cancelled or a critical service fails. It returns
// nil on a clean shutdown and the critical service's error otherwise.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if cause := t.Cause(); cause != nil {
		return cause
	}
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cause returns the error that terminated the tree, if any.
func (t *Tree) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *Tree) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause == nil {
		t.cause = err
	}
}

type critical struct {
	svc  suture.Service
	tree *Tree
}

func (c *critical) Serve(ctx context.Context) error {
	err := c.svc.Serve(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	c.tree.record(err)
	logging.Error().Err(err).Str("service", c.String()).Msg("critical service failed, stopping")
	return suture.ErrTerminateSupervisorTree
}

func (c *critical) String() string { return fmt.Sprint(c.svc) }

type oneShot struct {
	name string
	run  func(ctx context.Context) error
}

func (o *oneShot) Serve(ctx context.Context) error {
	if err := o.run(ctx); err != nil && ctx.Err() == nil {
		logging.Warn().Err(err).Str("service", o.name).Msg("one-shot service failed")
	}
	return suture.ErrDoNotRestart
}

func (o *oneShot) String() string { return o.name }
