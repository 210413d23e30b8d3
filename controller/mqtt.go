package controller

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MessageBus is the subset of an MQTT client the switches and sensors need.
type MessageBus interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

// MQTTSwitch commands a switch entity through its MQTT command topic and
// follows its state topic.
type MQTTSwitch struct {
	name         string
	commandTopic string
	stateTopic   string
	bus          MessageBus
	logger       *zap.Logger

	mu    sync.RWMutex
	state bool
}

// NewMQTTSwitch subscribes to stateTopic (when set) so the switch reflects
// changes made outside the thermostat.
func NewMQTTSwitch(name, commandTopic, stateTopic string, bus MessageBus, logger *zap.Logger) (*MQTTSwitch, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MQTTSwitch{
		name:         name,
		commandTopic: commandTopic,
		stateTopic:   stateTopic,
		bus:          bus,
		logger:       logger,
	}

	if stateTopic != "" {
		if err := bus.Subscribe(stateTopic, s.handleState); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MQTTSwitch) Name() string {
	return s.name
}

func (s *MQTTSwitch) Set(ctx context.Context, on bool) error {
	payload := "OFF"
	if on {
		payload = "ON"
	}
	if err := s.bus.Publish(ctx, s.commandTopic, false, []byte(payload)); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = on
	s.mu.Unlock()
	return nil
}

func (s *MQTTSwitch) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MQTTSwitch) handleState(_ string, payload []byte) {
	var state bool
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1":
		state = true
	case "off", "false", "0":
		state = false
	default:
		s.logger.Debug("ignoring switch state", zap.String("switch", s.name), zap.ByteString("payload", payload))
		return
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close stops following the state topic.
func (s *MQTTSwitch) Close() error {
	if s.stateTopic == "" {
		return nil
	}
	return s.bus.Unsubscribe(s.stateTopic)
}
