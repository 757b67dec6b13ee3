// local-invoke runs one speech job against the locally supervised Kokoro
// server without a queue: it builds a sample job, runs the handler, and
// writes the decoded audio to a local file.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/kokoro-worker/internal/config"
	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/kokoro-worker/internal/handler"
	"github.com/book-expert/kokoro-worker/internal/kokoro"
)

// Flag names.
const (
	flagText   = "text"
	flagVoice  = "voice"
	flagFormat = "format"
	flagSpeed  = "speed"
	flagOutput = "output"
)

// Flag descriptions.
const (
	flagTextDesc   = "Text to synthesize"
	flagVoiceDesc  = "Voice to synthesize with"
	flagFormatDesc = "Requested audio format"
	flagSpeedDesc  = "Playback speed multiplier"
	flagOutputDesc = "Output file path"
)

// Sample job defaults, matching the worker's documented example input.
const (
	defaultText   = "Hello world!"
	defaultVoice  = "af_bella"
	defaultSpeed  = 1.0
	defaultOutput = "output.mp3"
)

// Messages.
const (
	errFailedToInitLogger = "failed to initialize logger: %w"
	errJobFailed          = "job failed: %w"
	errFailedToDecode     = "failed to decode audio: %w"
	errFailedToWrite      = "failed to write %s: %w"
	logInvokingJob        = "invoking local speech job %s"
	summaryFormat         = "mime_type=%s format=%s sample_rate=%d bytes=%d\n"
	writtenFormat         = "wrote %s\n"
)

const logFileName = "local-invoke.log"

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text   string
	voice  string
	format string
	speed  float64
	output string
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	// A serverless container usually has no project TOML; fall back to
	// defaults plus environment overrides.
	invokeLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	defer func() {
		closeErr := invokeLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	cfg, err := config.Load(invokeLog)
	if err != nil {
		invokeLog.Warn("No project configuration, using defaults: %v", err)

		cfg = config.Default()
	}

	return invoke(cfg, invokeLog, flags)
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, flagText, defaultText, flagTextDesc)
	flag.StringVar(&flags.voice, flagVoice, defaultVoice, flagVoiceDesc)
	flag.StringVar(&flags.format, flagFormat, config.DefaultFormat, flagFormatDesc)
	flag.Float64Var(&flags.speed, flagSpeed, defaultSpeed, flagSpeedDesc)
	flag.StringVar(&flags.output, flagOutput, defaultOutput, flagOutputDesc)
	flag.Parse()

	return flags
}

// buildJob constructs the sample job from the parsed flags.
func buildJob(cfg *config.Config, flags appFlags) core.Job {
	return core.Job{
		ID: uuid.NewString(),
		Input: map[string]any{
			"model":           cfg.Kokoro.DefaultModel,
			"input":           flags.text,
			"voice":           flags.voice,
			"response_format": flags.format,
			"speed":           flags.speed,
			"stream":          false,
		},
	}
}

// invoke runs one job through the handler and writes the decoded audio.
func invoke(cfg *config.Config, invokeLog *logger.Logger, flags appFlags) error {
	jobHandler := buildHandler(cfg, invokeLog)
	job := buildJob(cfg, flags)

	invokeLog.Info(logInvokingJob, job.ID)

	result, err := jobHandler.Handle(context.Background(), job)
	if err != nil {
		return fmt.Errorf(errJobFailed, err)
	}

	audio, err := base64.StdEncoding.DecodeString(result.AudioBase64)
	if err != nil {
		return fmt.Errorf(errFailedToDecode, err)
	}

	writeErr := os.WriteFile(flags.output, audio, 0o600)
	if writeErr != nil {
		return fmt.Errorf(errFailedToWrite, flags.output, writeErr)
	}

	fmt.Printf(summaryFormat, result.MimeType, result.Format, result.SampleRate, len(audio))
	fmt.Printf(writtenFormat, flags.output)

	return nil
}

// buildHandler assembles the probe, supervisor, readiness gate, and speech
// proxy into a job handler.
func buildHandler(cfg *config.Config, invokeLog *logger.Logger) *handler.Handler {
	k := cfg.Kokoro

	client := kokoro.NewClient(
		k.BaseURL,
		time.Duration(k.ProbeTimeoutSeconds)*time.Second,
		time.Duration(k.SynthesisTimeoutSeconds)*time.Second,
	)
	supervisor := kokoro.NewSupervisor(k, invokeLog)
	gate := kokoro.NewGate(
		client,
		supervisor,
		time.Duration(k.WaitTimeoutSeconds)*time.Second,
		time.Duration(k.PollIntervalSeconds)*time.Second,
		invokeLog,
	)

	return handler.New(gate, client, k.DefaultModel, k.DefaultFormat, k.SampleRate, invokeLog)
}
