// main package for the kokoro-worker service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/kokoro-worker/internal/config"
	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/kokoro-worker/internal/handler"
	"github.com/book-expert/kokoro-worker/internal/kokoro"
	"github.com/book-expert/kokoro-worker/internal/objectstore"
	"github.com/book-expert/kokoro-worker/internal/worker"
)

const logFileName = "kokoro-worker.log"

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Temporary logger for the bootstrap process.
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	// 2. Load configuration using the central configurator.
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Final logger based on the loaded configuration.
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return serve(cfg, finalLog)
}

// serve wires the NATS connection, the Kokoro components, and the worker
// loop, then blocks until the process receives a termination signal.
func serve(cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	store, err := setupObjectStore(natsConnection, cfg)
	if err != nil {
		return err
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.SpeechJobsSubject,
		buildHandler(cfg, log),
		store,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	log.System(
		"kokoro-worker initialized, listening for jobs on subject: %s",
		cfg.NATS.SpeechJobsSubject,
	)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped with error: %w", runErr)
	}

	return nil
}

// setupObjectStore creates the audio object store when a bucket is
// configured; otherwise results carry only the base64 payload.
func setupObjectStore(natsConnection *nats.Conn, cfg *config.Config) (core.ObjectStore, error) {
	if cfg.NATS.AudioObjectStoreBucket == "" {
		return nil, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio object store: %w", err)
	}

	return store, nil
}

// buildHandler assembles the probe, supervisor, readiness gate, and speech
// proxy into a job handler.
func buildHandler(cfg *config.Config, log *logger.Logger) *handler.Handler {
	k := cfg.Kokoro

	client := kokoro.NewClient(
		k.BaseURL,
		time.Duration(k.ProbeTimeoutSeconds)*time.Second,
		time.Duration(k.SynthesisTimeoutSeconds)*time.Second,
	)
	supervisor := kokoro.NewSupervisor(k, log)
	gate := kokoro.NewGate(
		client,
		supervisor,
		time.Duration(k.WaitTimeoutSeconds)*time.Second,
		time.Duration(k.PollIntervalSeconds)*time.Second,
		log,
	)

	return handler.New(gate, client, k.DefaultModel, k.DefaultFormat, k.SampleRate, log)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
