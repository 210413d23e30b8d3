package controller

import (
	"context"
	"sync"

	"github.com/stianeikeland/go-rpio"
)

// relays are wired active low
const (
	on  = rpio.Low
	off = rpio.High
)

// OpenGPIO maps the GPIO memory range. It must be called once before any
// RelaySwitch is created.
func OpenGPIO() error {
	return rpio.Open()
}

// CloseGPIO unmaps the GPIO memory range.
func CloseGPIO() error {
	return rpio.Close()
}

// RelaySwitch is a heating element behind a relay on a Raspberry Pi GPIO pin.
type RelaySwitch struct {
	name string
	pin  rpio.Pin

	mu    sync.Mutex
	state bool
}

// NewRelaySwitch configures pin as an output and makes sure the relay starts off.
func NewRelaySwitch(name string, pin int) *RelaySwitch {
	r := &RelaySwitch{name: name, pin: rpio.Pin(pin)}
	r.pin.Output()
	r.pin.Write(off)
	return r
}

func (r *RelaySwitch) Name() string {
	return r.name
}

func (r *RelaySwitch) Set(_ context.Context, state bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state {
		r.pin.Write(on)
	} else {
		r.pin.Write(off)
	}
	r.state = state
	return nil
}

func (r *RelaySwitch) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Shutdown turns the relay off.
func (r *RelaySwitch) Shutdown() {
	_ = r.Set(context.Background(), false)
}
