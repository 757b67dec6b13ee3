package kokoro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/kokoro-worker/internal/core"
)

// Static errors.
var (
	// ErrServerExited indicates the supervised process died before the
	// health endpoint ever answered. Waiting longer cannot help, so this
	// fails the invocation immediately.
	ErrServerExited = errors.New("kokoro server process exited during startup")

	// ErrReadinessTimeout indicates the server did not become healthy
	// within the configured wait bound.
	ErrReadinessTimeout = errors.New("timed out waiting for kokoro server to become ready")
)

// Log messages for readiness progress.
const (
	logReadyFastPath = "kokoro server already healthy"
	logWaitingReady  = "kokoro server not healthy, starting it and waiting up to %s"
	logBecameReady   = "kokoro server became healthy after %s"
)

// Gate blocks callers until the inference server is healthy, starting it if
// necessary. It separates "is it up" (cheap, repeatable probe) from "start
// it" (at most one live process) from "wait with bounded patience" (the
// caller-facing contract).
type Gate struct {
	probe       core.HealthProbe
	supervisor  core.Supervisor
	waitTimeout time.Duration
	backoff     time.Duration
	log         *logger.Logger
}

// NewGate composes a health probe and a supervisor into a readiness gate
// with the given wall-clock wait bound and poll backoff.
func NewGate(
	probe core.HealthProbe,
	supervisor core.Supervisor,
	waitTimeout, backoff time.Duration,
	log *logger.Logger,
) *Gate {
	return &Gate{
		probe:       probe,
		supervisor:  supervisor,
		waitTimeout: waitTimeout,
		backoff:     backoff,
		log:         log,
	}
}

// EnsureReady returns once the server answers its health endpoint, starting
// the process first when needed. A process that exits during startup fails
// with ErrServerExited carrying its exit code; exhausting the wait bound
// fails with ErrReadinessTimeout.
func (g *Gate) EnsureReady(ctx context.Context) error {
	if g.probe.Up(ctx) {
		g.log.Info(logReadyFastPath)

		return nil
	}

	g.log.Info(logWaitingReady, g.waitTimeout)

	startErr := g.supervisor.StartIfNeeded()
	if startErr != nil {
		return fmt.Errorf("failed to start kokoro server: %w", startErr)
	}

	started := time.Now()
	deadline := started.Add(g.waitTimeout)

	for time.Now().Before(deadline) {
		exited, code := g.supervisor.ExitStatus()
		if exited {
			return fmt.Errorf("%w: exit code %d", ErrServerExited, code)
		}

		if g.probe.Up(ctx) {
			g.log.Info(logBecameReady, time.Since(started).Round(time.Millisecond))

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness wait canceled: %w", ctx.Err())
		case <-time.After(g.backoff):
		}
	}

	return fmt.Errorf("%w after %s", ErrReadinessTimeout, g.waitTimeout)
}
