package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/dharsanguruparan/ChannelDrop/internal/backoff"
	"github.com/dharsanguruparan/ChannelDrop/internal/logging"
)

// RunFunc starts the worker once and returns its exit code.
type RunFunc func(ctx context.Context) (int, error)

// Restarter keeps the worker process running. It stops on a clean exit, on
// ExitFatal, or after MaxRestarts restarts.
type Restarter struct {
	Run         RunFunc
	MaxRestarts int
	Delay       time.Duration
	Sleep       backoff.SleepFunc
}

// Loop runs the worker until it should no longer be restarted and returns the
// last exit code.
func (r *Restarter) Loop(ctx context.Context) int {
	sleep := r.Sleep
	if sleep == nil {
		sleep = backoff.Sleep
	}
	restarts := 0
	for {
		code, err := r.Run(ctx)
		log := logging.With().Int("exit_code", code).Int("restarts", restarts).Logger()
		switch {
		case ctx.Err() != nil:
			log.Info().Msg("supervisor stopping")
			return code
		case code == ExitOK:
			log.Info().Msg("worker exited cleanly")
			return code
		case code == ExitFatal:
			log.Error().Err(err).Msg("worker hit a fatal error, not restarting")
			return code
		case restarts >= r.MaxRestarts:
			log.Error().Err(err).Msg("restart limit reached")
			return code
		}
		restarts++
		log.Warn().Err(err).Dur("delay", r.Delay).Msg("worker failed, restarting")
		if err := sleep(ctx, r.Delay); err != nil {
			return code
		}
	}
}

// ExecRunner runs binary with args, forwarding stdio, and maps its exit status.
func ExecRunner(binary string, args ...string) RunFunc {
	return func(ctx context.Context) (int, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		err := cmd.Run()
		if err == nil {
			return ExitOK, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), err
		}
		return ExitFailure, err
	}
}
