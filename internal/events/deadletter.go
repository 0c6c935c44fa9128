package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DeadLetter is a message the consumer gave up on, with the failure details
// it was parked with.
type DeadLetter struct {
	Key               string    `json:"key"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	Error             string    `json:"error"`
	FailedAt          time.Time `json:"failed_at"`
	Event             *Event    `json:"event,omitempty"`
	Raw               string    `json:"raw,omitempty"` // set when the value is not an event
}

func ParseDeadLetter(message *sarama.ConsumerMessage) DeadLetter {
	dl := DeadLetter{Key: string(message.Key)}

	for _, header := range message.Headers {
		value := string(header.Value)
		switch string(header.Key) {
		case "original_topic":
			dl.OriginalTopic = value
		case "original_partition":
			if p, err := strconv.ParseInt(value, 10, 32); err == nil {
				dl.OriginalPartition = int32(p)
			}
		case "original_offset":
			if o, err := strconv.ParseInt(value, 10, 64); err == nil {
				dl.OriginalOffset = o
			}
		case "error_message":
			dl.Error = value
		case "failure_time":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				dl.FailedAt = t
			}
		}
	}

	var event Event
	if err := json.Unmarshal(message.Value, &event); err == nil && event.Type != "" {
		dl.Event = &event
	} else {
		dl.Raw = string(message.Value)
	}
	return dl
}

// DeadLetterMonitor reports every message landing on a DLQ topic. It never
// fails a message, so nothing it reads is dead-lettered again.
type DeadLetterMonitor struct {
	consumerGroup sarama.ConsumerGroup
	topic         string
	report        func(DeadLetter)
	logger        *logrus.Logger
	seen          atomic.Int64
}

func NewDeadLetterMonitor(brokers []string, groupID, topic string, report func(DeadLetter), logger *logrus.Logger) (*DeadLetterMonitor, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	return &DeadLetterMonitor{
		consumerGroup: consumerGroup,
		topic:         topic,
		report:        report,
		logger:        logger,
	}, nil
}

func (m *DeadLetterMonitor) Start(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := m.consumerGroup.Consume(ctx, []string{m.topic}, m); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return nil
			}
			m.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
	}
	return nil
}

func (m *DeadLetterMonitor) Seen() int64 {
	return m.seen.Load()
}

func (m *DeadLetterMonitor) Close() error {
	return m.consumerGroup.Close()
}

func (m *DeadLetterMonitor) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (m *DeadLetterMonitor) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (m *DeadLetterMonitor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m.handle(message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (m *DeadLetterMonitor) handle(message *sarama.ConsumerMessage) {
	dl := ParseDeadLetter(message)
	m.seen.Add(1)

	fields := logrus.Fields{
		"dlq_topic":      message.Topic,
		"dlq_offset":     message.Offset,
		"key":            dl.Key,
		"original_topic": dl.OriginalTopic,
		"error":          dl.Error,
		"failed_at":      dl.FailedAt,
	}
	if dl.Event != nil {
		fields["event_id"] = dl.Event.ID
		fields["event_type"] = dl.Event.Type
	}
	m.logger.WithFields(fields).Warn("Dead letter detected")

	if m.report != nil {
		m.report(dl)
	}
}
