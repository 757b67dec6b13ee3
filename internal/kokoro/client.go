// Package kokoro integrates the locally supervised Kokoro-FastAPI inference
// server: a health probe, a process supervisor, a readiness gate, and a
// synthesis proxy.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/kokoro-worker/internal/core"
)

// API endpoints and paths.
const (
	apiSpeech = "/v1/audio/speech"
	apiHealth = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// Payload field names forced or defaulted by the proxy.
const (
	fieldStream = "stream"
)

// Static errors.
var (
	// ErrSynthesisFailed indicates the synthesis endpoint returned a
	// non-200 response.
	ErrSynthesisFailed = errors.New("synthesis request failed")

	// ErrEmptyPayload indicates a nil synthesis payload.
	ErrEmptyPayload = errors.New("synthesis payload cannot be nil")
)

// Client is an HTTP client for the Kokoro inference server. A single Client
// reuses one connection-pooled http.Client across all probes and synthesis
// calls; per-call deadlines come from request contexts rather than a global
// client timeout.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	probeTimeout     time.Duration
	synthesisTimeout time.Duration
}

// NewClient creates a client for the inference server at baseURL. The probe
// timeout bounds individual health checks; the synthesis timeout bounds
// speech generation, which may take minutes for long inputs.
func NewClient(baseURL string, probeTimeout, synthesisTimeout time.Duration) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{},
		probeTimeout:     probeTimeout,
		synthesisTimeout: synthesisTimeout,
	}
}

// Up reports whether the inference server answers its health endpoint with
// HTTP 200 within the probe timeout. Network errors, non-200 statuses, and
// timeouts all collapse to false; individual probe failures are expected
// while the server is starting, so no error surfaces to the caller.
func (c *Client) Up(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		probeCtx,
		http.MethodGet,
		c.baseURL+apiHealth,
		http.NoBody,
	)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}

	defer resp.Body.Close()

	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// Synthesize forwards one speech payload to the synthesis endpoint and
// returns the raw audio bytes with the declared content type. The payload's
// streaming flag is always forced false; the worker only supports
// synchronous whole-response delivery. Errors propagate to the caller with
// the upstream status and body; there is no retry.
func (c *Client) Synthesize(
	ctx context.Context,
	payload map[string]any,
) (*core.SpeechResult, error) {
	if payload == nil {
		return nil, ErrEmptyPayload
	}

	body := make(map[string]any, len(payload))
	for key, value := range payload {
		body[key] = value
	}

	body[fieldStream] = false

	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis payload: %w", err)
	}

	synthCtx, cancel := context.WithTimeout(ctx, c.synthesisTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		synthCtx,
		http.MethodPost,
		c.baseURL+apiSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send synthesis request to %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)

		return nil, fmt.Errorf(
			"%w: status %d: %s",
			ErrSynthesisFailed,
			resp.StatusCode,
			string(responseBody),
		)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}

	mimeType := resp.Header.Get(headerContentType)
	if mimeType == "" {
		mimeType = contentTypeBinary
	}

	return &core.SpeechResult{Audio: audio, MimeType: mimeType}, nil
}
