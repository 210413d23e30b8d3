package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alittlebrighter/virtual-thermostat/models"
)

type mockSwitch struct {
	name  string
	on    bool
	err   error
	calls int
}

func (m *mockSwitch) Name() string { return m.name }

func (m *mockSwitch) Set(_ context.Context, on bool) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.on = on
	return nil
}

func (m *mockSwitch) IsOn() bool { return m.on }

func TestGroupSetAll(t *testing.T) {
	a, b := &mockSwitch{name: "switch.a"}, &mockSwitch{name: "switch.b"}
	g := NewGroup(nil, a, b)

	require.NoError(t, g.SetAll(context.Background(), true))
	assert.True(t, a.on)
	assert.True(t, b.on)
	assert.True(t, g.FirstOn())
	assert.Equal(t, []string{"switch.a", "switch.b"}, g.Names())

	require.NoError(t, g.SetAll(context.Background(), false))
	assert.False(t, g.FirstOn())
}

func TestGroupSetAllKeepsGoingOnError(t *testing.T) {
	boom := errors.New("boom")
	a := &mockSwitch{name: "switch.a", err: boom}
	b := &mockSwitch{name: "switch.b"}
	g := NewGroup(nil, a, b)

	err := g.SetAll(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "switch.a")
	assert.Equal(t, 1, b.calls)
	assert.True(t, b.on)
}

func TestGroupEmpty(t *testing.T) {
	g := NewGroup(nil)
	assert.Equal(t, 0, g.Len())
	assert.False(t, g.FirstOn())
	assert.NoError(t, g.SetAll(context.Background(), true))
}

type published struct {
	topic   string
	payload string
}

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
	sent     []published
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]func(string, []byte){}}
}

func (b *fakeBus) Publish(_ context.Context, topic string, _ bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic, string(payload)})
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
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return nil
}

func (b *fakeBus) deliver(topic, payload string) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	h(topic, []byte(payload))
}

func TestMQTTSwitch(t *testing.T) {
	bus := newFakeBus()
	s, err := NewMQTTSwitch("switch.radiator", "cmd/switch/radiator/set", "state/switch/radiator/state", bus, nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(context.Background(), true))
	require.Len(t, bus.sent, 1)
	assert.Equal(t, published{"cmd/switch/radiator/set", "ON"}, bus.sent[0])
	assert.True(t, s.IsOn())

	bus.deliver("state/switch/radiator/state", "off")
	assert.False(t, s.IsOn())

	bus.deliver("state/switch/radiator/state", "unavailable")
	assert.False(t, s.IsOn())

	bus.deliver("state/switch/radiator/state", "ON")
	assert.True(t, s.IsOn())

	require.NoError(t, s.Close())
	assert.Empty(t, bus.handlers)
}

func TestHTTPSwitch(t *testing.T) {
	var got models.SwitchCommand
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(&models.SwitchCommand{ElementOn: got.ElementOn})
	}))
	defer srv.Close()

	s := NewHTTPSwitch("switch.relay", srv.URL, 0)
	require.NoError(t, s.Set(context.Background(), true))
	assert.True(t, got.ElementOn)
	assert.True(t, s.IsOn())

	require.NoError(t, s.Set(context.Background(), false))
	assert.False(t, s.IsOn())
}

func TestHTTPSwitchReportsRelayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&models.SwitchCommand{Errors: []string{"pin stuck"}})
	}))
	defer srv.Close()

	s := NewHTTPSwitch("switch.relay", srv.URL, 0)
	err := s.Set(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pin stuck")
	assert.False(t, s.IsOn())

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	assert.Error(t, NewHTTPSwitch("switch.relay", bad.URL, 0).Set(context.Background(), true))
}
