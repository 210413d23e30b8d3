// Package hass exposes a thermostat to Home Assistant over MQTT: discovery,
// command topics and the periodic state topic.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/models"
	"github.com/alittlebrighter/virtual-thermostat/thermometer"
)

// DiscoveryPrefix is Home Assistant's default MQTT discovery prefix.
const DiscoveryPrefix = "homeassistant"

// topic suffixes relative to the device base topic
const (
	stateTopic    = "~state"
	setTargetTemp = "~set_target_temp"
	setHighTemp   = "~set_high_temp"
	setLowTemp    = "~set_low_temp"
	setPower      = "~set_power"
	setMode       = "~set_mode"
)

var commands = map[string]string{
	setTargetTemp: "target_temp",
	setHighTemp:   "high_temp",
	setLowTemp:    "low_temp",
	setPower:      "power",
	setMode:       "mode",
}

// Bridge connects one thermostat to the broker.
type Bridge struct {
	stat   *thermostat.Thermostat
	bus    controller.MessageBus
	logger *zap.Logger

	topicBase    string
	subscription string

	publishEvery time.Duration
	timeout      time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	closed    bool
	unfollows []func()
}

type Option func(*Bridge)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPublishInterval overrides MaxTimeBetweenPublish.
func WithPublishInterval(d time.Duration) Option {
	return func(b *Bridge) { b.publishEvery = d }
}

func NewBridge(stat *thermostat.Thermostat, bus controller.MessageBus, opts ...Option) *Bridge {
	b := &Bridge{
		stat:         stat,
		bus:          bus,
		logger:       zap.NewNop(),
		topicBase:    thermostat.TopicPrefix + stat.Name() + "/",
		publishEvery: thermostat.MaxTimeBetweenPublish,
		timeout:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.subscription = b.topicBase + "#"
	return b
}

// TopicBase is the "~" every thermostat topic hangs off.
func (b *Bridge) TopicBase() string {
	return b.topicBase
}

// Discovery builds the climate discovery config for the thermostat.
func (b *Bridge) Discovery() models.ClimateDiscovery {
	cfg := b.stat.Config()
	id := thermostat.UUIDPrefix + cfg.Name

	return models.ClimateDiscovery{
		Base: b.topicBase,
		Device: models.DiscoveryDevice{
			Identifiers:  []string{id},
			Name:         cfg.FriendlyName,
			SWVersion:    thermostat.Version,
			Manufacturer: thermostat.Manufacturer,
			Model:        thermostat.Model,
		},
		Name:                       cfg.FriendlyName,
		UniqueID:                   id,
		ActionTopic:                stateTopic,
		ActionTemplate:             "{{ value_json.action }}",
		CurrentTemperatureTopic:    stateTopic,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",
		MaxTemp:                    cfg.MaxTemp,
		MinTemp:                    cfg.MinTemp,
		ModeCommandTopic:           setMode,
		ModeStateTopic:             stateTopic,
		ModeStateTemplate:          "{{value_json.mode }}",
		Modes:                      []string{string(thermostat.ModeOff), string(thermostat.ModeHeat)},
		PowerCommandTopic:          setPower,
		SwingModes:                 []string{"off"},
		TemperatureCommandTopic:    setTargetTemp,
		TemperatureStateTopic:      stateTopic,
		TemperatureStateTemplate:   "{{value_json.target_temp }}",
		TemperatureUnit:            "C",
		TempStep:                   "0.5",
	}
}

// Register announces the thermostat to Home Assistant, subscribes to its
// command topics and publishes the first state.
func (b *Bridge) Register(ctx context.Context) error {
	cfg := b.stat.Config()
	b.logger.Info("adding thermostat", zap.String("friendly_name", cfg.FriendlyName))

	payload, err := json.Marshal(b.Discovery())
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/climate/%s/config", DiscoveryPrefix, cfg.Name)
	if err := b.bus.Publish(ctx, topic, false, payload); err != nil {
		return fmt.Errorf("publishing discovery config: %w", err)
	}
	b.logger.Debug("published discovery config", zap.String("topic", topic))

	if err := b.bus.Subscribe(b.subscription, b.HandleMessage); err != nil {
		return err
	}
	b.logger.Debug("subscribed", zap.String("topic", b.subscription))

	b.EvaluateAndPublish(ctx)
	return nil
}

// FollowSensors re-evaluates the thermostat whenever one of its sensors reports.
func (b *Bridge) FollowSensors(registry *thermometer.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entity := range b.stat.Sensors() {
		entity := entity
		b.logger.Debug("subscribing to state updates", zap.String("entity", entity))
		b.unfollows = append(b.unfollows, registry.OnChange(entity, func(r thermometer.Reading) {
			b.logger.Debug("new state", zap.String("entity", entity), zap.Float64("celsius", r.Celsius))
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			b.EvaluateAndPublish(ctx)
		}))
	}
}

// HandleMessage dispatches a message received on the thermostat topics.
func (b *Bridge) HandleMessage(fullTopic string, payload []byte) {
	if !strings.HasPrefix(fullTopic, thermostat.TopicPrefix) || !strings.HasPrefix(fullTopic, b.topicBase) {
		return
	}

	topic := "~" + strings.TrimPrefix(fullTopic, b.topicBase)
	if topic == stateTopic {
		return
	}

	command, ok := commands[topic]
	if !ok {
		b.logger.Info("no handler found for topic", zap.String("topic", topic))
		return
	}

	b.logger.Debug("command received", zap.String("topic", topic), zap.ByteString("payload", payload))
	if err := b.stat.ApplyCommand(command, payload); err != nil {
		b.logger.Warn("rejected command", zap.String("topic", topic), zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	b.EvaluateAndPublish(ctx)
}

// EvaluateAndPublish runs the control loop once and reports the result.
func (b *Bridge) EvaluateAndPublish(ctx context.Context) {
	if _, err := b.stat.Evaluate(ctx); err != nil {
		b.logger.Warn("evaluation finished with errors", zap.Error(err))
	}
	if err := b.PublishState(ctx); err != nil {
		b.logger.Error("publishing state failed", zap.Error(err))
	}
}

// PublishState publishes the current snapshot and re-arms the timer that
// forces a new evaluation when nothing else triggers one.
func (b *Bridge) PublishState(ctx context.Context) error {
	snapshot := b.stat.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	b.rearm()

	if err := b.bus.Publish(ctx, b.topicBase+"state", false, payload); err != nil {
		return err
	}
	b.logger.Debug("state published", zap.ByteString("payload", payload))
	return nil
}

func (b *Bridge) rearm() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.publishEvery, b.forcePublish)
}

func (b *Bridge) forcePublish() {
	b.logger.Debug("forcing evaluation and publish")
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	b.EvaluateAndPublish(ctx)
}

// Close unsubscribes from the command topics and stops the publish timer.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	for _, unfollow := range b.unfollows {
		unfollow()
	}
	b.unfollows = nil
	b.mu.Unlock()

	b.logger.Debug("unsubscribing", zap.String("topic", b.subscription))
	return b.bus.Unsubscribe(b.subscription)
}
