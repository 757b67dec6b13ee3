package kokoro_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/kokoro-worker/internal/kokoro"
)

// stubProbe reports down for the first downPolls calls, then up.
type stubProbe struct {
	mu        sync.Mutex
	downPolls int
	calls     int
}

func (p *stubProbe) Up(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++

	return p.calls > p.downPolls
}

func (p *stubProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

// stubSupervisor records start calls and reports a fixed exit status.
type stubSupervisor struct {
	startCalls int
	startErr   error
	exited     bool
	exitCode   int
}

func (s *stubSupervisor) StartIfNeeded() error {
	s.startCalls++

	return s.startErr
}

func (s *stubSupervisor) ExitStatus() (bool, int) {
	return s.exited, s.exitCode
}

func newTestGate(
	t *testing.T,
	probe *stubProbe,
	supervisor *stubSupervisor,
	waitTimeout time.Duration,
) *kokoro.Gate {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "readiness-test.log")
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}

	t.Cleanup(func() { _ = testLogger.Close() })

	return kokoro.NewGate(probe, supervisor, waitTimeout, 10*time.Millisecond, testLogger)
}

// TestGate_EnsureReady_FastPath verifies an already-healthy server skips the
// process-start path entirely.
func TestGate_EnsureReady_FastPath(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{downPolls: 0, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: nil, exited: false, exitCode: 0}
	gate := newTestGate(t, probe, supervisor, time.Second)

	err := gate.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}

	if supervisor.startCalls != 0 {
		t.Errorf("Expected no start calls on fast path, got %d", supervisor.startCalls)
	}
}

// TestGate_EnsureReady_AfterPolls verifies the gate succeeds once the probe
// comes up, within the wait bound.
func TestGate_EnsureReady_AfterPolls(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{downPolls: 3, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: nil, exited: false, exitCode: 0}
	gate := newTestGate(t, probe, supervisor, 2*time.Second)

	err := gate.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}

	if supervisor.startCalls != 1 {
		t.Errorf("Expected exactly one start call, got %d", supervisor.startCalls)
	}

	if probe.callCount() != 4 {
		t.Errorf("Expected 4 probe calls, got %d", probe.callCount())
	}
}

// TestGate_EnsureReady_ProcessExited verifies an early process death fails
// with the exit code, not a timeout.
func TestGate_EnsureReady_ProcessExited(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{downPolls: 1000, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: nil, exited: true, exitCode: 7}
	gate := newTestGate(t, probe, supervisor, 2*time.Second)

	err := gate.EnsureReady(context.Background())
	if err == nil {
		t.Fatal("Expected error for exited process, got nil")
	}

	if !errors.Is(err, kokoro.ErrServerExited) {
		t.Errorf("Expected ErrServerExited, got: %v", err)
	}

	if errors.Is(err, kokoro.ErrReadinessTimeout) {
		t.Errorf("Expected startup failure, not timeout: %v", err)
	}

	if !strings.Contains(err.Error(), "exit code 7") {
		t.Errorf("Expected error to carry exit code 7, got: %v", err)
	}
}

// TestGate_EnsureReady_Timeout verifies a never-healthy server fails with a
// timeout error near the configured bound.
func TestGate_EnsureReady_Timeout(t *testing.T) {
	t.Parallel()

	const waitTimeout = 100 * time.Millisecond

	probe := &stubProbe{downPolls: 1000, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: nil, exited: false, exitCode: 0}
	gate := newTestGate(t, probe, supervisor, waitTimeout)

	started := time.Now()

	err := gate.EnsureReady(context.Background())
	if !errors.Is(err, kokoro.ErrReadinessTimeout) {
		t.Fatalf("Expected ErrReadinessTimeout, got: %v", err)
	}

	elapsed := time.Since(started)
	if elapsed > waitTimeout+100*time.Millisecond {
		t.Errorf("Expected EnsureReady to give up near %s, took %s", waitTimeout, elapsed)
	}
}

// TestGate_EnsureReady_StartFailure verifies a launch failure propagates.
func TestGate_EnsureReady_StartFailure(t *testing.T) {
	t.Parallel()

	errLaunch := errors.New("no launch strategy available")

	probe := &stubProbe{downPolls: 1000, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: errLaunch, exited: false, exitCode: 0}
	gate := newTestGate(t, probe, supervisor, time.Second)

	err := gate.EnsureReady(context.Background())
	if !errors.Is(err, errLaunch) {
		t.Fatalf("Expected launch error to propagate, got: %v", err)
	}
}

// TestGate_EnsureReady_ContextCanceled verifies cancellation stops the poll
// loop.
func TestGate_EnsureReady_ContextCanceled(t *testing.T) {
	t.Parallel()

	probe := &stubProbe{downPolls: 1000, calls: 0}
	supervisor := &stubSupervisor{startCalls: 0, startErr: nil, exited: false, exitCode: 0}
	gate := newTestGate(t, probe, supervisor, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gate.EnsureReady(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
}
