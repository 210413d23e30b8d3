package hass

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/models"
	"github.com/alittlebrighter/virtual-thermostat/thermometer"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

// glog, pulled in by the embd thermometer driver, flushes from a goroutine
// started at init.
var ignoreGlog = goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, ignoreGlog)
}

type message struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	mu       sync.Mutex
	sent     []message
	handlers map[string]func(string, []byte)
	notify   chan message
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]func(string, []byte){}, notify: make(chan message, 16)}
}

func (b *fakeBus) Publish(_ context.Context, topic string, _ bool, payload []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, message{topic, payload})
	b.mu.Unlock()
	select {
	case b.notify <- message{topic, payload}:
	default:
	}
	return nil
}

func (b *fakeBus) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
	}
	return nil
}

func (b *fakeBus) messages(topic string) []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []message
	for _, m := range b.sent {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBus) lastState(t *testing.T, topic string) models.ThermostatState {
	t.Helper()
	msgs := b.messages(topic)
	require.NotEmpty(t, msgs)
	var state models.ThermostatState
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].payload, &state))
	return state
}

type stubSwitch struct {
	mu sync.Mutex
	on bool
}

func (s *stubSwitch) Name() string { return "switch.radiator" }

func (s *stubSwitch) Set(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = on
	return nil
}

func (s *stubSwitch) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func newBridge(t *testing.T, opts ...Option) (*Bridge, *fakeBus, *thermometer.Registry, *stubSwitch) {
	t.Helper()

	registry := thermometer.NewRegistry()
	sw := new(stubSwitch)
	cfg := thermostat.Config{Name: "hall", FriendlyName: "Hall", MinTemp: 12, MaxTemp: 26}
	stat, err := thermostat.New(cfg, thermostat.DefaultState(), controller.NewGroup(nil, sw), registry, []string{"sensor.hall"})
	require.NoError(t, err)

	bus := newFakeBus()
	b := NewBridge(stat, bus, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, bus, registry, sw
}

func TestDiscovery(t *testing.T) {
	b, _, _, _ := newBridge(t)
	d := b.Discovery()

	assert.Equal(t, "virtual_thermostat/hall/", d.Base)
	assert.Equal(t, "virtual_thermostat_hall", d.UniqueID)
	assert.Equal(t, []string{"virtual_thermostat_hall"}, d.Device.Identifiers)
	assert.Equal(t, "Hall", d.Device.Name)
	assert.Equal(t, thermostat.Version, d.Device.SWVersion)
	assert.Equal(t, 12.0, d.MinTemp)
	assert.Equal(t, 26.0, d.MaxTemp)
	assert.Equal(t, []string{"off", "heat"}, d.Modes)
	assert.Equal(t, "~set_target_temp", d.TemperatureCommandTopic)
	assert.Equal(t, "~state", d.ActionTopic)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "virtual_thermostat/hall/", generic["~"])
	assert.Equal(t, "0.5", generic["temp_step"])
	assert.Equal(t, "C", generic["temperature_unit"])
}

func TestRegister(t *testing.T) {
	b, bus, _, _ := newBridge(t)
	require.NoError(t, b.Register(context.Background()))

	require.Len(t, bus.messages("homeassistant/climate/hall/config"), 1)
	assert.Contains(t, bus.handlers, "virtual_thermostat/hall/#")

	state := bus.lastState(t, "virtual_thermostat/hall/state")
	assert.Equal(t, "off", state.Mode)
	assert.Equal(t, "off", state.Action)
	assert.Equal(t, 18.0, state.TargetTemp)
}

func TestHandleMessageCommands(t *testing.T) {
	b, bus, registry, sw := newBridge(t)
	require.NoError(t, b.Register(context.Background()))
	registry.Update("sensor.hall", 17.0, util.Celsius, time.Now())

	b.HandleMessage("virtual_thermostat/hall/set_mode", []byte("heat"))
	state := bus.lastState(t, "virtual_thermostat/hall/state")
	assert.Equal(t, "heat", state.Mode)
	assert.Equal(t, "heating", state.Action)
	assert.Equal(t, 17.0, state.CurrentTemperature)
	assert.True(t, sw.IsOn())

	b.HandleMessage("virtual_thermostat/hall/set_target_temp", []byte("16.5"))
	state = bus.lastState(t, "virtual_thermostat/hall/state")
	assert.Equal(t, 16.5, state.TargetTemp)
	assert.Equal(t, "idle", state.Action)
	assert.False(t, sw.IsOn())

	b.HandleMessage("virtual_thermostat/hall/set_power", []byte("OFF"))
	assert.Equal(t, "off", bus.lastState(t, "virtual_thermostat/hall/state").Mode)
}

func TestHandleMessageIgnoresForeignTopics(t *testing.T) {
	b, bus, _, _ := newBridge(t)

	b.HandleMessage("virtual_thermostat/hall/state", []byte(`{}`))
	b.HandleMessage("virtual_thermostat/bedroom/set_mode", []byte("heat"))
	b.HandleMessage("other/hall/set_mode", []byte("heat"))
	b.HandleMessage("virtual_thermostat/hall/set_fan_mode", []byte("auto"))
	b.HandleMessage("virtual_thermostat/hall/set_mode", []byte("cool"))

	assert.Empty(t, bus.messages("virtual_thermostat/hall/state"))
}

func TestPublishTimerForcesEvaluation(t *testing.T) {
	b, bus, _, _ := newBridge(t, WithPublishInterval(20*time.Millisecond))
	require.NoError(t, b.PublishState(context.Background()))

	deadline := time.After(2 * time.Second)
	published := 0
	for published < 3 {
		select {
		case m := <-bus.notify:
			if m.topic == "virtual_thermostat/hall/state" {
				published++
			}
		case <-deadline:
			t.Fatalf("only %d state publishes", published)
		}
	}

	require.NoError(t, b.Close())
	assert.NotContains(t, bus.handlers, "virtual_thermostat/hall/#")
}

func TestFollowSensors(t *testing.T) {
	b, bus, registry, _ := newBridge(t)
	b.FollowSensors(registry)

	registry.Update("sensor.hall", 21.3, util.Celsius, time.Now())
	assert.Equal(t, 21.3, bus.lastState(t, "virtual_thermostat/hall/state").CurrentTemperature)

	require.NoError(t, b.Close())
	before := len(bus.messages("virtual_thermostat/hall/state"))
	registry.Update("sensor.hall", 22, util.Celsius, time.Now())
	assert.Len(t, bus.messages("virtual_thermostat/hall/state"), before)
}
