package util

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

type TemperatureUnits string

const (
	Celsius    TemperatureUnits = "Celsius"
	Fahrenheit TemperatureUnits = "Fahrenheit"
)

// ParseUnits accepts the unit spellings seen on sensor payloads ("C", "°F", "celsius", ...).
// Anything unrecognised is treated as Celsius.
func ParseUnits(s string) TemperatureUnits {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "°")) {
	case "f", "fahrenheit":
		return Fahrenheit
	default:
		return Celsius
	}
}

// TempCToF converts temperature degrees from Celsius to Fahrenheit
func TempCToF(tempC float64) float64 {
	return tempC*9/5 + 32
}

// TempFToC converts temperature degrees from Fahrenheit to Celsius
func TempFToC(tempF float64) float64 {
	return (tempF - 32) * 5 / 9
}

// ToCelsius normalises a reading taken in the given units.
func ToCelsius(temp float64, units TemperatureUnits) float64 {
	if units == Fahrenheit {
		return TempFToC(temp)
	}
	return temp
}

// Convert expresses temp, taken in from, in the units to.
func Convert(temp float64, from, to TemperatureUnits) float64 {
	c := ToCelsius(temp, from)
	if to == Fahrenheit {
		return TempCToF(c)
	}
	return c
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// EventLog is one evaluation of a thermostat.
type EventLog struct {
	Thermostat         string    `json:"thermostat"`
	AmbientTemperature float64   `json:"ambientTemperature"`
	TargetTemperature  float64   `json:"targetTemperature"`
	Fresh              bool      `json:"fresh"`
	Action             string    `json:"action"`
	Mode               string    `json:"mode"`
	Timestamp          time.Time `json:"timestamp"`
}

type RingBuffer struct {
	mu     sync.RWMutex
	buffer []*EventLog
	index  uint
}

func NewRingBuffer(size uint) *RingBuffer {
	if size == 0 {
		size = 1
	}
	return &RingBuffer{buffer: make([]*EventLog, size)}
}

func (buf *RingBuffer) Add(item *EventLog) {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.index == uint(len(buf.buffer)) {
		buf.index = 0
	}
	buf.buffer[buf.index] = item
	buf.index = buf.index + 1
}

// GetAll returns the buffered events oldest first, skipping unused slots.
func (buf *RingBuffer) GetAll() []*EventLog {
	buf.mu.RLock()
	defer buf.mu.RUnlock()

	ordered := make([]*EventLog, 0, len(buf.buffer))
	ordered = append(ordered, buf.buffer[buf.index:]...)
	ordered = append(ordered, buf.buffer[:buf.index]...)

	out := ordered[:0]
	for _, e := range ordered {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (buf *RingBuffer) GetLast() *EventLog {
	buf.mu.RLock()
	defer buf.mu.RUnlock()

	if buf.index == 0 {
		return buf.buffer[len(buf.buffer)-1]
	}

	return buf.buffer[buf.index-1]
}

// Duration is a time.Duration that reads "90s"/"5m" strings or plain seconds
// from configuration files.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
