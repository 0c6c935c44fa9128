package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// ErrMalformedEvent marks messages that can never be handled.
var ErrMalformedEvent = errors.New("malformed event")

type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// RetryableHandler lets a handler decide which of its errors are worth
// another attempt. Handlers that don't implement it get every error retried.
type RetryableHandler interface {
	Handler
	IsRetryable(err error) bool
}

type ConsumerStats struct {
	Processed  int64 `json:"processed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	DeadLetter int64 `json:"dead_lettered"`
}

type consumerStats struct {
	processed, succeeded, failed, retried, deadLetter atomic.Int64
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	deadLetter    sarama.SyncProducer
	handler       Handler
	logger        *logrus.Logger
	topics        []string
	stats         *consumerStats
}

// NewKafkaConsumer joins groupID on topic. Messages that still fail after
// MaxRetries go to topic+".dlq".
func NewKafkaConsumer(brokers []string, groupID, topic string, handler Handler, logger *logrus.Logger) (*KafkaConsumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(brokers, producerConfig)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		deadLetter:    producer,
		handler:       handler,
		logger:        logger,
		topics:        []string{topic},
		stats:         &consumerStats{},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := c.groupHandler()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Stats() ConsumerStats {
	return c.stats.snapshot()
}

func (c *KafkaConsumer) Close() error {
	if err := c.deadLetter.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumer) groupHandler() *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:    c.handler,
		deadLetter: c.deadLetter,
		logger:     c.logger,
		stats:      c.stats,
		sleep:      sleepContext,
	}
}

func (s *consumerStats) snapshot() ConsumerStats {
	return ConsumerStats{
		Processed:  s.processed.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		DeadLetter: s.deadLetter.Load(),
	}
}

type consumerGroupHandler struct {
	handler    Handler
	deadLetter sarama.SyncProducer
	logger     *logrus.Logger
	stats      *consumerStats
	sleep      func(ctx context.Context, d time.Duration) bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message and never gives up on the partition: whatever
// cannot be handled ends up in the DLQ.
func (h *consumerGroupHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.stats.processed.Add(1)

	err := h.handleWithRetry(ctx, message)
	if err == nil {
		h.stats.succeeded.Add(1)
		return
	}
	if ctx.Err() != nil {
		return
	}

	h.stats.failed.Add(1)
	h.logger.WithError(err).WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}).Error("Failed to process message after retries")

	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return
	}
	h.stats.deadLetter.Add(1)
}

func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	entry := h.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"key":        event.Key,
	})

	retryDelay := InitialRetryDelay
	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			entry.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   retryDelay,
			}).Info("Retrying event")

			if !h.sleep(ctx, retryDelay) {
				return ctx.Err()
			}
			h.stats.retried.Add(1)

			retryDelay *= 2
			if retryDelay > MaxRetryDelay {
				retryDelay = MaxRetryDelay
			}
		}

		err = h.handler.HandleEvent(ctx, event)
		if err == nil {
			return nil
		}
		if !h.retryable(err) {
			entry.WithError(err).Error("Non-retryable error handling event")
			return err
		}
		entry.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error handling event")
	}

	return fmt.Errorf("exhausted retries for event %s: %w", event.ID, err)
}

func (h *consumerGroupHandler) retryable(err error) bool {
	if errors.Is(err, ErrMalformedEvent) {
		return false
	}
	if r, ok := h.handler.(RetryableHandler); ok {
		return r.IsRetryable(err)
	}
	return true
}

func (h *consumerGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	dlqTopic := message.Topic + ".dlq"
	now := time.Now().UTC().Format(time.RFC3339)

	dlqMessage := &sarama.ProducerMessage{
		Topic: dlqTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(fmt.Sprintf("%d", message.Partition))},
			{Key: []byte("original_offset"), Value: []byte(fmt.Sprintf("%d", message.Offset))},
			{Key: []byte("error_message"), Value: []byte(processingError.Error())},
			{Key: []byte("failure_time"), Value: []byte(now)},
		},
	}

	partition, offset, err := h.deadLetter.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     dlqTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
