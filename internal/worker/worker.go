// Package worker provides a NATS worker that processes speech jobs.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/kokoro-worker/internal/core"
)

// handleMessageTimeout bounds one job end to end, including server startup
// and synthesis.
const handleMessageTimeout = 10 * time.Minute

// errorReply is the JSON reply published when a job fails.
type errorReply struct {
	Error string `json:"error"`
}

// NatsWorker listens for speech jobs on a NATS subject and processes them.
// Jobs run synchronously per message; concurrency across jobs is the queue's
// concern, not the worker's.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	processor      core.JobProcessor
	store          core.ObjectStore
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. The object store is
// optional; when nil, results carry only the base64 payload.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	processor core.JobProcessor,
	store core.ObjectStore,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		processor:      processor,
		store:          store,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages until the context
// is canceled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	job, err := parseJob(msg)
	if err != nil {
		w.log.Error("Failed to parse job: %v", err)
		w.replyError(msg, err)

		return
	}

	result, handleErr := w.processor.Handle(ctx, *job)
	if handleErr != nil {
		w.log.Error("Failed to process job %s: %v", job.ID, handleErr)
		w.replyError(msg, handleErr)

		return
	}

	storeErr := w.storeAudio(ctx, result)
	if storeErr != nil {
		// The synthesized audio is already in the reply; losing the
		// stored copy is not fatal for the job.
		w.log.Warn("Failed to store audio for job %s: %v", job.ID, storeErr)
	}

	replyErr := w.reply(msg, result)
	if replyErr != nil {
		w.log.Error("Failed to publish reply for job %s: %v", job.ID, replyErr)
	}
}

// storeAudio uploads the decoded audio under a fresh key and echoes the key
// in the result. Skipped when no object store is configured.
func (w *NatsWorker) storeAudio(ctx context.Context, result *core.JobResult) error {
	if w.store == nil {
		return nil
	}

	audio, err := base64.StdEncoding.DecodeString(result.AudioBase64)
	if err != nil {
		return fmt.Errorf("failed to decode audio for storage: %w", err)
	}

	key := uuid.NewString() + "." + result.Format

	err = w.store.Upload(ctx, key, audio)
	if err != nil {
		return fmt.Errorf("failed to upload audio object '%s': %w", key, err)
	}

	result.AudioKey = key

	return nil
}

func (w *NatsWorker) reply(msg *nats.Msg, result *core.JobResult) error {
	replyData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish job result: %w", err)
	}

	return nil
}

func (w *NatsWorker) replyError(msg *nats.Msg, jobErr error) {
	replyData, err := json.Marshal(errorReply{Error: jobErr.Error()})
	if err != nil {
		w.log.Error("Failed to marshal error reply: %v", err)

		return
	}

	respondErr := msg.Respond(replyData)
	if respondErr != nil {
		w.log.Error("Failed to publish error reply: %v", respondErr)
	}
}

func parseJob(msg *nats.Msg) (*core.Job, error) {
	var job core.Job

	err := json.Unmarshal(msg.Data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	return &job, nil
}
