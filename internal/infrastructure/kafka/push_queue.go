package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
)

// PushWorkerGroup is shared by every worker process: the push topic is a
// work queue, each job goes to exactly one worker (at-least-once).
const PushWorkerGroup = "push-workers"

// PushQueue is the durable async delivery queue. The gateway only ever
// enqueues; a separate worker pool drains it so push-provider latency
// never touches the chat path.
type PushQueue struct {
	writer *kafka.Writer
	topic  string
}

func NewPushQueue(brokers []string, topic string) *PushQueue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    1,
		BatchTimeout: 0,
		RequiredAcks: 1,
		Async:        false,
	}
	return &PushQueue{writer: writer, topic: topic}
}

func (q *PushQueue) Enqueue(ctx context.Context, job domain.PushJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic: q.topic,
		Value: data,
	})
}

func (q *PushQueue) Close() error {
	return q.writer.Close()
}

// PushConsumer dequeues jobs for the worker pool.
type PushConsumer struct {
	reader *kafka.Reader
	logger logger.ILogger
}

func NewPushConsumer(brokers []string, topic string, log logger.ILogger) *PushConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        PushWorkerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 100 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        250 * time.Millisecond,
	})
	return &PushConsumer{reader: reader, logger: log}
}

// Start blocks consuming jobs until the context is cancelled. Handler
// errors are logged only; a job is never redelivered by us (provider
// retries happen inside the worker).
func (c *PushConsumer) Start(ctx context.Context, handle func(ctx context.Context, job domain.PushJob)) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("PushConsumer", "Error reading push job", map[string]interface{}{"error": err.Error()})
			continue
		}

		var job domain.PushJob
		if err := json.Unmarshal(m.Value, &job); err != nil {
			c.logger.Warn("PushConsumer", "Dropping unparsable push job", map[string]interface{}{"error": err.Error()})
			continue
		}
		handle(ctx, job)
	}
}

func (c *PushConsumer) Close() error {
	return c.reader.Close()
}
