// Package core defines the core types and interfaces for the kokoro-worker.
package core

import "context"

// Job is one unit of work submitted by the host queue. Input mirrors the
// OpenAI-compatible /v1/audio/speech JSON accepted by Kokoro-FastAPI, so
// unknown fields are carried through untouched.
type Job struct {
	ID    string         `json:"id,omitempty"`
	Input map[string]any `json:"input"`
}

// JobResult is the reply returned to the host queue for a completed job.
type JobResult struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`

	// AudioKey is set only when the worker is configured with an object
	// store bucket; it names the uploaded raw audio object.
	AudioKey string `json:"audio_key,omitempty"`
}

// SpeechResult holds one synthesis response: raw audio bytes plus the MIME
// type declared by the inference server. It is never persisted.
type SpeechResult struct {
	Audio    []byte
	MimeType string
}

// HealthProbe reports whether the inference server is accepting requests.
// Probe failures of any kind collapse to false; waiting and retrying is the
// caller's concern.
type HealthProbe interface {
	Up(ctx context.Context) bool
}

// Supervisor owns the lifecycle of the local inference server process.
type Supervisor interface {
	// StartIfNeeded launches the server unless a live process already
	// exists. Safe to call from overlapping invocations.
	StartIfNeeded() error

	// ExitStatus reports whether the supervised process has exited and,
	// if so, its exit code.
	ExitStatus() (exited bool, code int)
}

// ReadinessGate blocks until the inference server is healthy, starting it if
// necessary, within a bounded wait.
type ReadinessGate interface {
	EnsureReady(ctx context.Context) error
}

// Synthesizer forwards one speech payload to the inference server.
type Synthesizer interface {
	Synthesize(ctx context.Context, payload map[string]any) (*SpeechResult, error)
}

// JobProcessor handles one job end to end: validate, ensure readiness,
// synthesize, encode.
type JobProcessor interface {
	Handle(ctx context.Context, job Job) (*JobResult, error)
}

// ObjectStore is a key-value blob store for synthesized audio.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}
