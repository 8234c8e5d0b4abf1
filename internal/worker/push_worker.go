package worker

import (
	"context"
	"errors"
	"time"

	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/push"
)

// JobSource is the consuming side of the async delivery queue.
type JobSource interface {
	Start(ctx context.Context, handle func(ctx context.Context, job domain.PushJob)) error
	Close() error
}

// PushWorker drains the delivery queue and calls the push provider.
// Failures stay inside this worker: transient provider errors retry with
// backoff and are then dropped, permanent token errors drop immediately.
// Nothing here ever reaches the chat send path, which already acked.
type PushWorker struct {
	source     JobSource
	sender     push.Sender
	pool       *Pool
	maxRetries int
	backoff    time.Duration
	logger     logger.ILogger
}

func NewPushWorker(source JobSource, sender push.Sender, pool *Pool, maxRetries int, log logger.ILogger) *PushWorker {
	return &PushWorker{
		source:     source,
		sender:     sender,
		pool:       pool,
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     log,
	}
}

// Run blocks consuming jobs until the context is cancelled.
func (w *PushWorker) Run(ctx context.Context) error {
	return w.source.Start(ctx, func(ctx context.Context, job domain.PushJob) {
		w.pool.Submit(func() {
			w.process(ctx, job)
		})
	})
}

func (w *PushWorker) process(ctx context.Context, job domain.PushJob) {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff * time.Duration(attempt)):
			}
		}

		err = w.sender.Send(ctx, job)
		if err == nil {
			w.logger.Info("PushWorker", "Push delivered", map[string]interface{}{
				"room_id": job.Payload.RoomID,
			})
			return
		}
		if errors.Is(err, push.ErrUnregisteredToken) {
			// Permanent: retrying a dead token helps nobody.
			w.logger.Warn("PushWorker", "Dropping job for unregistered token", map[string]interface{}{
				"room_id": job.Payload.RoomID,
				"error":   err.Error(),
			})
			return
		}
	}

	// Best-effort path: after the retry budget the job is dropped, not
	// redelivered, and the failure is only visible in the logs.
	w.logger.Error("PushWorker", "Push delivery failed after retries", map[string]interface{}{
		"room_id": job.Payload.RoomID,
		"retries": w.maxRetries,
		"error":   err.Error(),
	})
}
