package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// Kafka publishes outcomes as JSON, keyed by trader id so one trader's outcomes
// stay on one partition.
type Kafka struct {
	producer *kafka.Producer
	topic    string
	done     chan struct{}
}

// NewKafka creates a producer for brokers (comma separated).
func NewKafka(brokers, topic string) (*Kafka, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	k := &Kafka{producer: p, topic: topic, done: make(chan struct{})}
	go k.logEvents()
	return k, nil
}

// logEvents drains producer-level events; per-message reports go to their own channel.
func (k *Kafka) logEvents() {
	for {
		select {
		case ev, ok := <-k.producer.Events():
			if !ok {
				return
			}
			if kerr, ok := ev.(kafka.Error); ok {
				slog.Warn("kafka producer error", "err", kerr, "code", kerr.Code())
			}
		case <-k.done:
			return
		}
	}
}

func (k *Kafka) Publish(ctx context.Context, o *Outcome) error {
	msg, err := message(k.topic, o)
	if err != nil {
		return err
	}
	// Buffered so a report arriving after ctx is done never blocks librdkafka.
	delivery := make(chan kafka.Event, 1)
	if err := k.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce outcome %s: %w", o.EventID, err)
	}
	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery report %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("deliver outcome %s: %w", o.EventID, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deliver outcome %s: %w", o.EventID, ctx.Err())
	}
}

// Close flushes outstanding messages for up to five seconds.
func (k *Kafka) Close() {
	if left := k.producer.Flush(5000); left > 0 {
		slog.Warn("kafka close with undelivered outcomes", "count", left)
	}
	close(k.done)
	k.producer.Close()
}

func message(topic string, o *Outcome) (*kafka.Message, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode outcome %s: %w", o.EventID, err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          b,
		Headers:        []kafka.Header{{Key: "event", Value: []byte(o.Kind)}},
	}
	if o.TraderID != "" {
		msg.Key = []byte(o.TraderID)
	}
	return msg, nil
}
