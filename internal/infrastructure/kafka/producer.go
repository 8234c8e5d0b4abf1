package kafka

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"marketchat-ws/internal/domain"
)

// Producer publishes fan-out events. Room events are keyed by room id so
// one partition totally orders a room; user events are keyed by the
// target user.
type Producer struct {
	writer         *kafka.Writer
	roomEventTopic string
	userEventTopic string
}

func NewProducer(brokers []string, roomEventTopic, userEventTopic string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Optimize for low latency
		BatchSize:    1, // Send immediately, don't batch
		BatchTimeout: 0,
		RequiredAcks: 1,     // Wait for leader acknowledgment only
		Async:        false, // Synchronous for immediate sending
	}
	return &Producer{
		writer:         writer,
		roomEventTopic: roomEventTopic,
		userEventTopic: userEventTopic,
	}
}

func (p *Producer) PublishRoomEvent(ctx context.Context, evt domain.RoomEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.roomEventTopic,
		Key:   []byte(evt.RoomID.String()),
		Value: data,
	})
}

func (p *Producer) PublishUserEvent(ctx context.Context, evt domain.UserEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := evt.TargetUserID.String()
	if evt.TargetUserID == uuid.Nil {
		key = evt.UserID.String()
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.userEventTopic,
		Key:   []byte(key),
		Value: data,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
