package kokoro_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/kokoro-worker/internal/config"
	"github.com/book-expert/kokoro-worker/internal/kokoro"
)

func newTestSupervisor(t *testing.T, cfg config.KokoroConfig) *kokoro.Supervisor {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "supervisor-test.log")
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}

	t.Cleanup(func() { _ = testLogger.Close() })

	return kokoro.NewSupervisor(cfg, testLogger)
}

// writeScript writes a shell script without the executable bit; the
// supervisor is responsible for marking it executable.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "entrypoint.sh")

	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o600)
	if err != nil {
		t.Fatalf("Failed to write test script: %v", err)
	}

	return path
}

// waitForExit polls the supervisor until the process reports exited.
func waitForExit(t *testing.T, supervisor *kokoro.Supervisor) int {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exited, code := supervisor.ExitStatus()
		if exited {
			return code
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("Supervised process did not exit within 5s")

	return 0
}

func scriptConfig(script string) config.KokoroConfig {
	cfg := config.KokoroConfig{}
	cfg.StartupScript = script
	cfg.AppDir = filepath.Dir(script)
	cfg.PythonBin = "/nonexistent-python"
	cfg.UvicornApp = config.DefaultUvicornApp
	cfg.Host = config.DefaultHost
	cfg.Port = config.DefaultPort
	cfg.Device = config.DefaultDevice
	cfg.PythonPath = config.DefaultPythonPath

	return cfg
}

// TestSupervisor_StartIfNeeded_Script verifies the startup-script strategy
// launches a live process, and that a second call is a no-op for a live one.
func TestSupervisor_StartIfNeeded_Script(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "sleep 30")
	supervisor := newTestSupervisor(t, scriptConfig(script))

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("StartIfNeeded failed: %v", err)
	}

	exited, _ := supervisor.ExitStatus()
	if exited {
		t.Fatal("Expected process to be alive")
	}

	// Idempotent while the process is alive.
	err = supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("Second StartIfNeeded failed: %v", err)
	}
}

// TestSupervisor_ExitStatus_ReportsCode verifies the exit code of a process
// that dies during startup is observable.
func TestSupervisor_ExitStatus_ReportsCode(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 7")
	supervisor := newTestSupervisor(t, scriptConfig(script))

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("StartIfNeeded failed: %v", err)
	}

	code := waitForExit(t, supervisor)
	if code != 7 {
		t.Errorf("Expected exit code 7, got %d", code)
	}
}

// TestSupervisor_StartIfNeeded_RelaunchAfterExit verifies a dead process is
// replaced on the next start attempt.
func TestSupervisor_StartIfNeeded_RelaunchAfterExit(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "exit 0")
	supervisor := newTestSupervisor(t, scriptConfig(script))

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("StartIfNeeded failed: %v", err)
	}

	waitForExit(t, supervisor)

	err = supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("Relaunch after exit failed: %v", err)
	}
}

// assertStaysAlive gives the supervised process time to produce its output
// and fails if it exits in that window.
func assertStaysAlive(t *testing.T, supervisor *kokoro.Supervisor, window time.Duration) {
	t.Helper()

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		exited, code := supervisor.ExitStatus()
		if exited {
			t.Fatalf("Expected process to stay alive, exited with code %d", code)
		}

		time.Sleep(20 * time.Millisecond)
	}
}

// TestSupervisor_StreamOutput_LongLine verifies a child emitting one long
// unterminated line (progress-meter style) keeps running while its output is
// streamed.
func TestSupervisor_StreamOutput_LongLine(t *testing.T) {
	t.Parallel()

	// 100KB on a single line, no trailing newline, then stay alive.
	script := writeScript(t, "head -c 100000 /dev/zero | tr '\\0' x\nsleep 30")
	supervisor := newTestSupervisor(t, scriptConfig(script))

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("StartIfNeeded failed: %v", err)
	}

	assertStaysAlive(t, supervisor, 500*time.Millisecond)
}

// TestSupervisor_StreamOutput_OversizedLine verifies output beyond the line
// buffer limit is still drained without killing the child.
func TestSupervisor_StreamOutput_OversizedLine(t *testing.T) {
	t.Parallel()

	// One 2MB line, larger than any line buffer; the pipe must keep being
	// drained or the child blocks and dies on write.
	script := writeScript(t, "head -c 2000000 /dev/zero | tr '\\0' x\nsleep 30")
	supervisor := newTestSupervisor(t, scriptConfig(script))

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("StartIfNeeded failed: %v", err)
	}

	assertStaysAlive(t, supervisor, time.Second)
}

// TestSupervisor_StartIfNeeded_Fallback verifies the module-invocation
// fallback is used when no startup script exists.
func TestSupervisor_StartIfNeeded_Fallback(t *testing.T) {
	t.Parallel()

	cfg := scriptConfig(filepath.Join(t.TempDir(), "missing.sh"))
	cfg.PythonBin = "/bin/echo"

	supervisor := newTestSupervisor(t, cfg)

	err := supervisor.StartIfNeeded()
	if err != nil {
		t.Fatalf("Expected fallback strategy to launch, got: %v", err)
	}
}

// TestSupervisor_StartIfNeeded_AllStrategiesFail verifies the last failure
// propagates when nothing can launch.
func TestSupervisor_StartIfNeeded_AllStrategiesFail(t *testing.T) {
	t.Parallel()

	cfg := scriptConfig(filepath.Join(t.TempDir(), "missing.sh"))
	cfg.PythonBin = "/nonexistent-python"

	supervisor := newTestSupervisor(t, cfg)

	err := supervisor.StartIfNeeded()
	if !errors.Is(err, kokoro.ErrAllStrategiesFailed) {
		t.Fatalf("Expected ErrAllStrategiesFailed, got: %v", err)
	}
}
