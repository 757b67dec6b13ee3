// Package handler validates, normalizes, and executes speech jobs against
// the supervised Kokoro inference server.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/kokoro-worker/internal/core"
)

// Job input field names. The canonical text field is "input"; "text" is an
// accepted alias copied into the canonical field during normalization.
const (
	fieldInput          = "input"
	fieldTextAlias      = "text"
	fieldVoice          = "voice"
	fieldModel          = "model"
	fieldResponseFormat = "response_format"
)

// Static validation errors. Each distinct failure reports its own error
// before any network call is attempted.
var (
	// ErrJobInputMissing indicates the job carried no input object.
	ErrJobInputMissing = errors.New("job input must be an object")

	// ErrTextMissing indicates neither "input" nor its "text" alias held a
	// non-empty string.
	ErrTextMissing = errors.New("missing required field: input")

	// ErrVoiceMissing indicates the "voice" field was absent or empty.
	ErrVoiceMissing = errors.New("missing required field: voice")
)

// Log formats.
const (
	logFmtHandlingJob  = "handling speech job %s (voice %s, format %s)"
	logFmtJobSucceeded = "job %s synthesized %d bytes (%s)"
)

// Handler orchestrates one job: validate input, ensure the inference server
// is ready, proxy the synthesis call, and encode the result for the host
// runtime. It rejects malformed jobs before touching the network; the server
// performs full payload validation itself.
type Handler struct {
	gate          core.ReadinessGate
	synthesizer   core.Synthesizer
	defaultModel  string
	defaultFormat string
	sampleRate    int
	log           *logger.Logger
}

// New creates a job handler. The sample rate is reported as-is in every
// result; it is a configured assumption about the model's output, not a
// property derived from the audio.
func New(
	gate core.ReadinessGate,
	synthesizer core.Synthesizer,
	defaultModel, defaultFormat string,
	sampleRate int,
	log *logger.Logger,
) *Handler {
	return &Handler{
		gate:          gate,
		synthesizer:   synthesizer,
		defaultModel:  defaultModel,
		defaultFormat: defaultFormat,
		sampleRate:    sampleRate,
		log:           log,
	}
}

// Handle validates and normalizes the job, waits for the inference server,
// forwards the synthesis payload, and returns the base64-encoded result.
func (h *Handler) Handle(ctx context.Context, job core.Job) (*core.JobResult, error) {
	payload, err := normalize(job.Input, h.defaultModel)
	if err != nil {
		return nil, err
	}

	voice, _ := stringField(payload, fieldVoice)
	format := h.responseFormat(payload)

	h.log.Info(logFmtHandlingJob, job.ID, voice, format)

	readyErr := h.gate.EnsureReady(ctx)
	if readyErr != nil {
		return nil, fmt.Errorf("inference server not ready: %w", readyErr)
	}

	speech, synthErr := h.synthesizer.Synthesize(ctx, payload)
	if synthErr != nil {
		return nil, fmt.Errorf("synthesis failed: %w", synthErr)
	}

	h.log.Info(logFmtJobSucceeded, job.ID, len(speech.Audio), speech.MimeType)

	return &core.JobResult{
		AudioBase64: base64.StdEncoding.EncodeToString(speech.Audio),
		MimeType:    speech.MimeType,
		Format:      format,
		SampleRate:  h.sampleRate,
		AudioKey:    "",
	}, nil
}

// normalize validates the raw job input and returns the downstream payload:
// the text alias is folded into the canonical field, the alias key removed,
// and the model defaulted. The input map is never mutated.
func normalize(input map[string]any, defaultModel string) (map[string]any, error) {
	if input == nil {
		return nil, ErrJobInputMissing
	}

	payload := make(map[string]any, len(input))
	for key, value := range input {
		payload[key] = value
	}

	text, hasText := stringField(payload, fieldInput)
	if !hasText {
		text, hasText = stringField(payload, fieldTextAlias)
	}

	if !hasText {
		return nil, ErrTextMissing
	}

	payload[fieldInput] = text
	delete(payload, fieldTextAlias)

	_, hasVoice := stringField(payload, fieldVoice)
	if !hasVoice {
		return nil, ErrVoiceMissing
	}

	_, hasModel := stringField(payload, fieldModel)
	if !hasModel {
		payload[fieldModel] = defaultModel
	}

	return payload, nil
}

// responseFormat echoes the requested format, falling back to the configured
// default.
func (h *Handler) responseFormat(payload map[string]any) string {
	format, ok := stringField(payload, fieldResponseFormat)
	if !ok {
		return h.defaultFormat
	}

	return format
}

// stringField reads a non-empty string field from the payload.
func stringField(payload map[string]any, key string) (string, bool) {
	value, ok := payload[key].(string)
	if !ok || value == "" {
		return "", false
	}

	return value, true
}
