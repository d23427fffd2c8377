package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/vadiminshakov/papertrade/internal/domain"
	"go.uber.org/zap"
)

const (
	kafkaWriteTimeout = 5 * time.Second
	kafkaBatchTimeout = 5 * time.Millisecond
)

// KafkaSink publishes trade events to a topic keyed by user id,
// so one user's trades land in one partition in commit order.
//
// The writer is asynchronous: Publish only enqueues, and delivery
// failures are logged when the batch completes.
type KafkaSink struct {
	l *zap.Logger
	w *kafka.Writer
}

// NewKafkaSink creates a writer for topic on brokers.
func NewKafkaSink(l *zap.Logger, brokers []string, topic string) (*KafkaSink, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	k := &KafkaSink{l: l}
	k.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: kafkaWriteTimeout,
		BatchTimeout: kafkaBatchTimeout,
		Async:        true,
		Completion:   k.completed,
	}
	return k, nil
}

// Publish enqueues one message; it does not wait for the broker.
func (k *KafkaSink) Publish(ctx context.Context, evt domain.TradeEvent) error {
	msg, err := tradeMessage(evt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	return errors.Wrap(k.w.WriteMessages(ctx, msg), "write trade event to kafka")
}

func (k *KafkaSink) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, msg := range messages {
		k.l.Error("failed to deliver trade event to kafka",
			zap.String("user_id", string(msg.Key)),
			zap.Error(err))
	}
}

// Close flushes pending messages and closes the writer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}

func tradeMessage(evt domain.TradeEvent) (kafka.Message, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal trade event")
	}

	return kafka.Message{
		Key:   []byte(evt.UserID),
		Value: payload,
		Time:  evt.Record.Timestamp,
		Headers: []kafka.Header{
			{Key: "trade-type", Value: []byte(evt.Record.Type)},
		},
	}, nil
}
