package kokoro

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/kokoro-worker/internal/config"
)

// Executable permission applied to the startup script before launch.
const scriptPermissions = 0o755

// Line buffer limits for child output. Progress meters can emit very long
// lines with no newline, so the limit is generous.
const (
	outputBufferSize = 64 * 1024
	maxOutputLine    = 1024 * 1024
)

// Environment variables exported to the child process before launch.
const (
	envUseGPU     = "USE_GPU"
	envDevice     = "DEVICE"
	envPythonPath = "PYTHONPATH"
)

// Log formats for child process output and lifecycle events.
const (
	logFmtChildLine      = "[kokoro pid %d] %s"
	logFmtChildExited    = "kokoro server (pid %d) exited with code %d"
	logFmtLaunched       = "launched kokoro server via %s (pid %d)"
	logFmtStrategyFailed = "launch strategy %s failed: %v"
)

// ErrAllStrategiesFailed indicates that no launch strategy produced a
// running process.
var ErrAllStrategiesFailed = errors.New("all launch strategies failed")

// launchStrategy builds a command for one way of starting the inference
// server. Strategies are tried in order; the first that starts wins.
type launchStrategy struct {
	name  string
	build func() (*exec.Cmd, error)
}

// Supervisor owns exactly one child inference-server process. It launches
// the process at most once per live instance, streams its combined output to
// the log, and exposes its exit status. The process is never explicitly
// terminated; it lives and dies with the worker container.
type Supervisor struct {
	cfg config.KokoroConfig
	log *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   bool
	exitCode int
}

// NewSupervisor creates a supervisor for the configured Kokoro server.
func NewSupervisor(cfg config.KokoroConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg: cfg,
		log: log,
	}
}

// StartIfNeeded launches the inference server unless a live process already
// exists. The liveness check and launch are guarded by a mutex so
// overlapping job invocations cannot double-launch. If every launch strategy
// fails, the last failure propagates wrapped in ErrAllStrategiesFailed.
func (s *Supervisor) StartIfNeeded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && !s.exited {
		return nil
	}

	var lastErr error

	for _, strategy := range s.launchStrategies() {
		cmd, buildErr := strategy.build()
		if buildErr != nil {
			s.log.Warn(logFmtStrategyFailed, strategy.name, buildErr)
			lastErr = buildErr

			continue
		}

		startErr := s.launch(cmd)
		if startErr != nil {
			s.log.Warn(logFmtStrategyFailed, strategy.name, startErr)
			lastErr = startErr

			continue
		}

		s.log.Info(logFmtLaunched, strategy.name, cmd.Process.Pid)

		return nil
	}

	return fmt.Errorf("%w: %w", ErrAllStrategiesFailed, lastErr)
}

// ExitStatus reports whether the supervised process has exited and its exit
// code. A supervisor that never started a process reports not-exited.
func (s *Supervisor) ExitStatus() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exited, s.exitCode
}

// launchStrategies returns the ordered launch strategies: the startup script
// when one exists at the configured path, then the direct uvicorn module
// invocation fallback.
func (s *Supervisor) launchStrategies() []launchStrategy {
	return []launchStrategy{
		{name: "startup-script", build: s.buildScriptCommand},
		{name: "uvicorn-module", build: s.buildModuleCommand},
	}
}

// buildScriptCommand prepares the configured startup script, marking it
// executable first.
func (s *Supervisor) buildScriptCommand() (*exec.Cmd, error) {
	script := s.cfg.StartupScript

	_, statErr := os.Stat(script)
	if statErr != nil {
		return nil, fmt.Errorf("startup script unavailable: %w", statErr)
	}

	chmodErr := os.Chmod(script, scriptPermissions)
	if chmodErr != nil {
		return nil, fmt.Errorf("failed to mark startup script executable: %w", chmodErr)
	}

	cmd := exec.Command(script)
	cmd.Dir = s.cfg.AppDir

	return cmd, nil
}

// buildModuleCommand prepares the fallback: invoking the server's uvicorn
// entry point directly with the configured host and port.
func (s *Supervisor) buildModuleCommand() (*exec.Cmd, error) {
	cmd := exec.Command(
		s.cfg.PythonBin,
		"-m", "uvicorn",
		s.cfg.UvicornApp,
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
	)
	cmd.Dir = s.cfg.AppDir

	return cmd, nil
}

// launch starts the command with the configured environment, wires its
// combined output into the log, and records its exit status in the
// background. Callers must hold the mutex.
func (s *Supervisor) launch(cmd *exec.Cmd) error {
	cmd.Env = append(os.Environ(),
		envUseGPU+"="+strconv.FormatBool(s.cfg.UseGPU),
		envDevice+"="+s.cfg.Device,
		envPythonPath+"="+s.cfg.PythonPath,
	)

	reader, writer, pipeErr := os.Pipe()
	if pipeErr != nil {
		return fmt.Errorf("failed to create output pipe: %w", pipeErr)
	}

	cmd.Stdout = writer
	cmd.Stderr = writer

	startErr := cmd.Start()

	// The parent's write end must close either way so the reader sees EOF
	// when the child exits.
	closeErr := writer.Close()
	if closeErr != nil {
		s.log.Warn("failed to close pipe writer: %v", closeErr)
	}

	if startErr != nil {
		closeReadErr := reader.Close()
		if closeReadErr != nil {
			s.log.Warn("failed to close pipe reader: %v", closeReadErr)
		}

		return fmt.Errorf("failed to start process: %w", startErr)
	}

	s.cmd = cmd
	s.exited = false
	s.exitCode = 0

	go s.streamOutput(cmd.Process.Pid, reader)
	go s.recordExit(cmd)

	return nil
}

// streamOutput forwards each line of the child's combined output to the log,
// tagged with the child's PID. It runs for the lifetime of the process and
// never blocks job handling. The pipe must stay open and drained until the
// child exits: closing it early would kill the child with SIGPIPE on its
// next write.
func (s *Supervisor) streamOutput(pid int, reader *os.File) {
	defer func() {
		closeErr := reader.Close()
		if closeErr != nil {
			s.log.Warn("failed to close pipe reader: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, outputBufferSize), maxOutputLine)

	for scanner.Scan() {
		s.log.Info(logFmtChildLine, pid, scanner.Text())
	}

	scanErr := scanner.Err()
	if scanErr == nil {
		return
	}

	s.log.Warn("output stream for pid %d stopped: %v", pid, scanErr)

	// Keep consuming whatever the child writes for the rest of its life.
	_, _ = io.Copy(io.Discard, reader)
}

// recordExit waits for the child and stores its exit code.
func (s *Supervisor) recordExit(cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	s.mu.Lock()

	s.exited = true
	s.exitCode = cmd.ProcessState.ExitCode()
	code := s.exitCode

	s.mu.Unlock()

	if waitErr != nil {
		s.log.Warn(logFmtChildExited, cmd.Process.Pid, code)

		return
	}

	s.log.Info(logFmtChildExited, cmd.Process.Pid, code)
}
