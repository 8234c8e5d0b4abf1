package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
)

// EventHandler receives every fan-out event this instance consumes.
// Implemented by the websocket manager.
type EventHandler interface {
	HandleRoomEvent(evt domain.RoomEvent)
	HandleUserEvent(evt domain.UserEvent)
}

// Consumer subscribes a gateway instance to the fan-out topics. The
// group id must be unique per instance: every instance sees every event
// and filters down to its local subscribers.
type Consumer struct {
	readers        []*kafka.Reader
	roomEventTopic string
	userEventTopic string
	handler        EventHandler
	logger         logger.ILogger
}

func NewConsumer(brokers []string, groupID, roomEventTopic, userEventTopic string, handler EventHandler, log logger.ILogger) *Consumer {
	var readers []*kafka.Reader

	for _, topic := range []string{roomEventTopic, userEventTopic} {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,    // Read immediately, don't wait for batches
			MaxBytes:       10e6, // 10MB max
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &Consumer{
		readers:        readers,
		roomEventTopic: roomEventTopic,
		userEventTopic: userEventTopic,
		handler:        handler,
		logger:         log,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	for i := range c.readers {
		go func(reader *kafka.Reader) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("FanoutConsumer", "Consumer goroutine recovered from panic", map[string]interface{}{"panic": r})
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return
				default:
					m, err := reader.ReadMessage(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						c.logger.Warn("FanoutConsumer", "Error reading fan-out message", map[string]interface{}{"error": err.Error()})
						continue
					}
					c.handleMessage(m.Topic, m.Value)
				}
			}
		}(c.readers[i])
	}

	return nil
}

func (c *Consumer) handleMessage(topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("FanoutConsumer", "Handler recovered from panic", map[string]interface{}{"topic": topic, "panic": r})
		}
	}()

	switch topic {
	case c.roomEventTopic:
		var evt domain.RoomEvent
		if err := json.Unmarshal(value, &evt); err != nil {
			c.logger.Warn("FanoutConsumer", "Dropping unparsable room event", map[string]interface{}{"error": err.Error()})
			return
		}
		c.handler.HandleRoomEvent(evt)

	case c.userEventTopic:
		var evt domain.UserEvent
		if err := json.Unmarshal(value, &evt); err != nil {
			c.logger.Warn("FanoutConsumer", "Dropping unparsable user event", map[string]interface{}{"error": err.Error()})
			return
		}
		c.handler.HandleUserEvent(evt)
	}
}

func (c *Consumer) Close() error {
	var firstErr error
	for i := range c.readers {
		if err := c.readers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
