package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkPublish(t *testing.T) {
	w := new(recordingWriter)
	sink := NewKafkaSink(w, nil)
	ts := time.Date(2026, 2, 1, 6, 30, 0, 0, time.UTC)

	require.NoError(t, sink.Publish(context.Background(), &util.EventLog{
		Thermostat:         "hall",
		AmbientTemperature: 19.4,
		TargetTemperature:  20,
		Action:             "heating",
		Mode:               "heat",
		Timestamp:          ts,
	}))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "hall", string(msg.Key))
	assert.Equal(t, ts, msg.Time)

	var ev util.EventLog
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, 19.4, ev.AmbientTemperature)
	assert.Equal(t, "heating", ev.Action)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSinkPublishError(t *testing.T) {
	boom := errors.New("leader not available")
	sink := NewKafkaSink(&recordingWriter{err: boom}, nil)
	assert.ErrorIs(t, sink.Publish(context.Background(), &util.EventLog{Thermostat: "hall"}), boom)
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"kafka:9092"}, "")
	defer w.Close()
	assert.Equal(t, DefaultTopic, w.Topic)
	assert.True(t, w.Async)
	assert.Equal(t, "kafka:9092", w.Addr.String())
}
