// Package events ships thermostat evaluations to Kafka for long-term history.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

const DefaultTopic = "virtual-thermostat.events"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	w      MessageWriter
	logger *zap.Logger
}

// NewKafkaWriter returns an async writer keyed by thermostat name so every
// thermostat's events stay ordered within one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 500 * time.Millisecond,
		Async:        true,
	}
}

func NewKafkaSink(w MessageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{w: w, logger: logger}
}

func (s *KafkaSink) Publish(ctx context.Context, ev *util.EventLog) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.w.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Thermostat), Value: b, Time: ev.Timestamp})
	if err != nil {
		s.logger.Error("kafka write failed", zap.String("thermostat", ev.Thermostat), zap.Error(err))
		return err
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
