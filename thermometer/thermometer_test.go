package thermometer

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

var t0 = time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)

func TestRegistryFresh(t *testing.T) {
	r := NewRegistry()
	r.Update("sensor.hall", 20, util.Celsius, t0)
	r.Update("sensor.kitchen", 68, util.Fahrenheit, t0.Add(-20*time.Minute))

	all := r.Fresh([]string{"sensor.hall", "sensor.kitchen", "sensor.missing"}, t0, 0)
	require.Len(t, all, 2)
	assert.Equal(t, "sensor.hall", all[0].Entity)
	assert.InDelta(t, 20.0, all[1].Celsius, 1e-9)

	fresh := r.Fresh([]string{"sensor.hall", "sensor.kitchen"}, t0, 15*time.Minute)
	require.Len(t, fresh, 1)
	assert.Equal(t, "sensor.hall", fresh[0].Entity)

	assert.Empty(t, r.Fresh([]string{"sensor.hall"}, t0.Add(time.Hour), 15*time.Minute))
}

func TestRegistryOnChange(t *testing.T) {
	r := NewRegistry()
	var got []Reading
	cancel := r.OnChange("sensor.hall", func(reading Reading) {
		got = append(got, reading)
	})

	r.Update("sensor.hall", 19.5, util.Celsius, t0)
	r.Update("sensor.other", 30, util.Celsius, t0)
	require.Len(t, got, 1)
	assert.Equal(t, 19.5, got[0].Celsius)

	cancel()
	r.Update("sensor.hall", 21, util.Celsius, t0)
	assert.Len(t, got, 1)

	last, ok := r.Get("sensor.hall")
	require.True(t, ok)
	assert.Equal(t, 21.0, last.Celsius)
}

func TestParseState(t *testing.T) {
	v, units, err := ParseState([]byte(" 21.5 "))
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)
	assert.Empty(t, units)

	v, units, err = ParseState([]byte(`{"temperature": 70.2, "unit_of_measurement": "°F"}`))
	require.NoError(t, err)
	assert.Equal(t, 70.2, v)
	assert.Equal(t, util.Fahrenheit, units)

	v, _, err = ParseState([]byte(`{"state": "19.0"}`))
	require.NoError(t, err)
	assert.Equal(t, 19.0, v)

	for _, payload := range []string{"", "unavailable", "unknown", `{"state": "unknown"}`} {
		_, _, err = ParseState([]byte(payload))
		assert.ErrorIs(t, err, ErrNoState, payload)
	}

	_, _, err = ParseState([]byte(`{"temperature":`))
	assert.Error(t, err)
}

func TestUpdateStateUsesPayloadUnits(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.UpdateState("sensor.a", []byte(`{"temperature": 212, "unit_of_measurement": "F"}`), util.Celsius, t0))
	reading, _ := r.Get("sensor.a")
	assert.InDelta(t, 100.0, reading.Celsius, 1e-9)

	require.NoError(t, r.UpdateState("sensor.b", []byte("50"), util.Fahrenheit, t0))
	reading, _ = r.Get("sensor.b")
	assert.InDelta(t, 10.0, reading.Celsius, 1e-9)

	assert.Error(t, r.UpdateState("sensor.c", []byte("unavailable"), util.Celsius, t0))
	_, ok := r.Get("sensor.c")
	assert.False(t, ok)
}

func TestParseStateRejectsNonFinite(t *testing.T) {
	for _, payload := range []string{"nan", "NaN", "inf", "-inf", "+Inf", `{"state": "nan"}`, `{"state": "-Infinity"}`} {
		_, _, err := ParseState([]byte(payload))
		assert.ErrorIs(t, err, ErrNoState, payload)
	}

	r := NewRegistry()
	r.Update("sensor.hall", 20, util.Celsius, t0)
	assert.ErrorIs(t, r.UpdateState("sensor.hall", []byte("nan"), util.Celsius, t0.Add(time.Minute)), ErrNoState)
	r.Update("sensor.hall", math.Inf(1), util.Celsius, t0.Add(time.Minute))
	r.Update("sensor.hall", math.NaN(), util.Celsius, t0.Add(time.Minute))

	reading, ok := r.Get("sensor.hall")
	require.True(t, ok)
	assert.Equal(t, 20.0, reading.Celsius)
	assert.Equal(t, t0, reading.At)
}

func TestNATSSourceHandle(t *testing.T) {
	r := NewRegistry()
	src := &NATSSource{registry: r, logger: zap.NewNop(), locations: map[string]string{}}
	src.Route("livingroom", "sensor.living_room")

	src.Handle([]byte(`{"location":"livingroom","type":"temperature","value":{"degrees":71.6,"unit":"Fahrenheit"}}`), t0)
	src.Handle([]byte(`{"location":"attic","value":{"degrees":5}}`), t0)
	src.Handle([]byte(`not json`), t0)

	reading, ok := r.Get("sensor.living_room")
	require.True(t, ok)
	assert.InDelta(t, 22.0, reading.Celsius, 1e-9)
	assert.Equal(t, t0, reading.At)
	assert.NoError(t, src.Close())
}

type fakeSub struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
}

func (f *fakeSub) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSub) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return nil
}

func TestWatchMQTT(t *testing.T) {
	sub := &fakeSub{handlers: map[string]func(string, []byte){}}
	r := NewRegistry()
	src, err := WatchMQTT(sub, r, "sensor.hall", "homeassistant/sensor/hall/state", util.Celsius, nil)
	require.NoError(t, err)

	sub.handlers["homeassistant/sensor/hall/state"]("homeassistant/sensor/hall/state", []byte("20.4"))
	sub.handlers["homeassistant/sensor/hall/state"]("homeassistant/sensor/hall/state", []byte("unavailable"))

	reading, ok := r.Get("sensor.hall")
	require.True(t, ok)
	assert.Equal(t, 20.4, reading.Celsius)

	require.NoError(t, src.Close())
	assert.Empty(t, sub.handlers)
}

type mockThermometer struct {
	mu    sync.Mutex
	reads int
	err   error
}

func (m *mockThermometer) ReadTemperature() (float64, util.TemperatureUnits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return 21.25, util.Celsius, m.err
}

func (m *mockThermometer) Shutdown() {}

func TestPollerReadsImmediately(t *testing.T) {
	r := NewRegistry()
	meter := new(mockThermometer)
	done := make(chan Reading, 1)
	r.OnChange("sensor.local", func(reading Reading) {
		select {
		case done <- reading:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	p := &Poller{Entity: "sensor.local", Meter: meter, Interval: time.Hour, Registry: r, now: func() time.Time { return t0 }}
	go func() {
		p.Run(ctx)
		close(finished)
	}()

	select {
	case reading := <-done:
		assert.Equal(t, 21.25, reading.Celsius)
		assert.Equal(t, t0, reading.At)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not read")
	}

	cancel()
	<-finished
}

func TestPollerSkipsErrors(t *testing.T) {
	r := NewRegistry()
	p := &Poller{Entity: "sensor.local", Meter: &mockThermometer{err: errors.New("i2c")}, Registry: r, Logger: zap.NewNop()}
	p.now = time.Now
	p.poll()
	_, ok := r.Get("sensor.local")
	assert.False(t, ok)
}

func TestJSONWebService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"Temperature": 70.5, "Units": "Fahrenheit"}`))
	}))
	defer srv.Close()

	meter, err := NewRemote(srv.URL)
	require.NoError(t, err)
	defer meter.Shutdown()

	temp, units, err := meter.ReadTemperature()
	require.NoError(t, err)
	assert.Equal(t, 70.5, temp)
	assert.Equal(t, util.Fahrenheit, units)
}

func TestJSONWebServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Temperature": 0, "Error": "sensor offline"}`))
	}))
	defer srv.Close()

	meter, err := NewJSONWebService(srv.URL)
	require.NoError(t, err)
	_, units, err := meter.ReadTemperature()
	assert.EqualError(t, err, "sensor offline")
	assert.Equal(t, util.Celsius, units)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	_, err = NewJSONWebService(down.URL)
	assert.Error(t, err)
}
