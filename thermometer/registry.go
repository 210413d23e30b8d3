package thermometer

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

// ErrNoState is returned for sensor states that carry no temperature
// ("unknown", "unavailable", empty payloads).
var ErrNoState = errors.New("sensor state has no temperature")

// Reading is the last known temperature of a sensor entity.
type Reading struct {
	Entity  string    `json:"entity"`
	Celsius float64   `json:"celsius"`
	At      time.Time `json:"at"`
}

// Registry keeps the latest reading of every sensor entity and notifies
// listeners when a sensor reports.
type Registry struct {
	mu        sync.RWMutex
	readings  map[string]Reading
	listeners map[string]map[int]func(Reading)
	nextID    int
}

func NewRegistry() *Registry {
	return &Registry{
		readings:  make(map[string]Reading),
		listeners: make(map[string]map[int]func(Reading)),
	}
}

// Update stores a reading and calls the entity's listeners outside the lock.
// Non-finite temperatures are dropped.
func (r *Registry) Update(entity string, temp float64, units util.TemperatureUnits, at time.Time) {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return
	}
	reading := Reading{Entity: entity, Celsius: util.ToCelsius(temp, units), At: at}

	r.mu.Lock()
	r.readings[entity] = reading
	fns := make([]func(Reading), 0, len(r.listeners[entity]))
	for _, fn := range r.listeners[entity] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(reading)
	}
}

// UpdateState parses a raw sensor state and stores it.
func (r *Registry) UpdateState(entity string, payload []byte, units util.TemperatureUnits, at time.Time) error {
	temp, parsedUnits, err := ParseState(payload)
	if err != nil {
		return err
	}
	if parsedUnits != "" {
		units = parsedUnits
	}
	r.Update(entity, temp, units, at)
	return nil
}

// Get returns the last reading of entity regardless of its age.
func (r *Registry) Get(entity string) (Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reading, ok := r.readings[entity]
	return reading, ok
}

// Fresh returns the readings of entities no older than maxAge at now, in the
// order the entities were given. A maxAge of zero accepts any age.
func (r *Registry) Fresh(entities []string, now time.Time, maxAge time.Duration) []Reading {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fresh := make([]Reading, 0, len(entities))
	for _, entity := range entities {
		reading, ok := r.readings[entity]
		if !ok {
			continue
		}
		if maxAge > 0 && now.Sub(reading.At) > maxAge {
			continue
		}
		fresh = append(fresh, reading)
	}
	return fresh
}

// OnChange registers fn for readings of entity. The returned func removes it.
func (r *Registry) OnChange(entity string, fn func(Reading)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	if r.listeners[entity] == nil {
		r.listeners[entity] = make(map[int]func(Reading))
	}
	r.listeners[entity][id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners[entity], id)
	}
}

type statePayload struct {
	Temperature *float64 `json:"temperature"`
	State       string   `json:"state"`
	Unit        string   `json:"unit_of_measurement"`
}

// ParseState understands plain numeric states ("21.5") and JSON objects
// carrying a "temperature" field or a Home Assistant style "state".
// The returned units are empty when the payload does not name any.
// NaN and infinite values count as no state.
func ParseState(payload []byte) (float64, util.TemperatureUnits, error) {
	v, units, err := parseState(payload)
	if err != nil {
		return 0, "", err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, "", ErrNoState
	}
	return v, units, nil
}

func parseState(payload []byte) (float64, util.TemperatureUnits, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return 0, "", ErrNoState
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, "", nil
	}

	if !strings.HasPrefix(s, "{") {
		return 0, "", ErrNoState
	}

	var p statePayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return 0, "", err
	}

	var units util.TemperatureUnits
	if p.Unit != "" {
		units = util.ParseUnits(p.Unit)
	}
	if p.Temperature != nil {
		return *p.Temperature, units, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(p.State), 64)
	if err != nil {
		return 0, "", ErrNoState
	}
	return v, units, nil
}
