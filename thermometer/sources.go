package thermometer

import (
	"encoding/json"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/models"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

// DefaultNATSSubject is where sensor-publisher reports readings.
const DefaultNATSSubject = "otto.sensor.temperature.current"

// Subscriber is the part of an MQTT client used to follow sensor state topics.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

// MQTTSource follows the state topic of a sensor entity.
type MQTTSource struct {
	entity string
	topic  string
	units  util.TemperatureUnits
	sub    Subscriber
}

// WatchMQTT subscribes to topic and stores every parseable state under entity.
func WatchMQTT(sub Subscriber, registry *Registry, entity, topic string, units util.TemperatureUnits, logger *zap.Logger) (*MQTTSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	src := &MQTTSource{entity: entity, topic: topic, units: units, sub: sub}

	err := sub.Subscribe(topic, func(_ string, payload []byte) {
		if err := registry.UpdateState(entity, payload, units, time.Now()); err != nil {
			logger.Debug("ignoring sensor state", zap.String("entity", entity), zap.ByteString("payload", payload), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (s *MQTTSource) Close() error {
	return s.sub.Unsubscribe(s.topic)
}

// NATSSource dispatches SensorUpdate messages from one subject to the
// entities registered for their location.
type NATSSource struct {
	registry *Registry
	logger   *zap.Logger
	sub      *nats.Subscription

	mu        sync.RWMutex
	locations map[string]string
}

// WatchNATS subscribes to subject on nc.
func WatchNATS(nc *nats.Conn, subject string, registry *Registry, logger *zap.Logger) (*NATSSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	src := &NATSSource{registry: registry, logger: logger, locations: make(map[string]string)}

	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		src.Handle(m.Data, time.Now())
	})
	if err != nil {
		return nil, err
	}
	src.sub = sub
	return src, nil
}

// Route stores readings from location under entity.
func (s *NATSSource) Route(location, entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[location] = entity
}

// Handle decodes one SensorUpdate.
func (s *NATSSource) Handle(data []byte, at time.Time) {
	update := new(models.SensorUpdate)
	if err := json.Unmarshal(data, update); err != nil {
		s.logger.Warn("could not parse update from NATS", zap.Error(err))
		return
	}

	s.mu.RLock()
	entity, ok := s.locations[update.Location]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("no sensor for location", zap.String("location", update.Location))
		return
	}

	units := update.Value.Unit
	if units == "" {
		units = util.Celsius
	}
	s.registry.Update(entity, update.Value.Degrees, units, at)
}

func (s *NATSSource) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
