package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/push"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *fakeSender) Send(ctx context.Context, job domain.PushJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testJob() domain.PushJob {
	return domain.PushJob{
		Token: "device-token",
		Title: "New Message",
		Body:  "hello",
		Payload: domain.PushPayload{
			RoomID:      uuid.New(),
			MessageType: "chat",
		},
	}
}

func newTestWorker(sender push.Sender, maxRetries int) *PushWorker {
	w := NewPushWorker(nil, sender, nil, maxRetries, logger.NewNop())
	w.backoff = 0
	return w
}

func TestProcessSucceedsFirstAttempt(t *testing.T) {
	sender := &fakeSender{}
	w := newTestWorker(sender, 3)

	w.process(context.Background(), testJob())

	assert.Equal(t, 1, sender.callCount())
}

func TestProcessRetriesTransientFailure(t *testing.T) {
	sender := &fakeSender{failures: 2, err: domain.NewPushDeliveryError("provider returned 503", nil)}
	w := newTestWorker(sender, 3)

	w.process(context.Background(), testJob())

	// Two failures then a success.
	assert.Equal(t, 3, sender.callCount())
}

func TestProcessDropsUnregisteredTokenWithoutRetry(t *testing.T) {
	sender := &fakeSender{failures: 10, err: fmt.Errorf("send: %w", push.ErrUnregisteredToken)}
	w := newTestWorker(sender, 3)

	w.process(context.Background(), testJob())

	assert.Equal(t, 1, sender.callCount())
}

func TestProcessGivesUpAfterRetryBudget(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.New("dial tcp: timeout")}
	w := newTestWorker(sender, 2)

	w.process(context.Background(), testJob())

	// Initial attempt plus two retries.
	assert.Equal(t, 3, sender.callCount())
}

func TestProcessStopsWhenContextCancelled(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.New("dial tcp: timeout")}
	w := newTestWorker(sender, 5)
	w.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.process(ctx, testJob())

	// First attempt runs; the cancelled context stops the retry loop.
	assert.Equal(t, 1, sender.callCount())
}

func TestPoolRecoversFromPanickingTask(t *testing.T) {
	pool := NewPool(1, 4, logger.NewNop())
	done := make(chan struct{})

	require.True(t, pool.Submit(func() { panic("boom") }))
	require.True(t, pool.Submit(func() { close(done) }))

	<-done
	pool.Shutdown()
}
