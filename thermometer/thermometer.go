package thermometer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/util"
)

// Thermometer defines the basic functions needed of a polled thermometer.
type Thermometer interface {
	ReadTemperature() (float64, util.TemperatureUnits, error)
	Shutdown()
}

// NewLocal returns a pointer to a local thermometer instance that can be used.
func NewLocal() (Thermometer, error) {
	return NewMCP9808()
}

// NewRemote returns a pointer to a thermometer service hosted remotely.
func NewRemote(endpoint string) (Thermometer, error) {
	return NewJSONWebService(endpoint)
}

// Poller feeds a Thermometer into the registry under an entity id.
type Poller struct {
	Entity   string
	Meter    Thermometer
	Interval time.Duration
	Registry *Registry
	Logger   *zap.Logger

	now func() time.Time
}

// Run polls until ctx is done. The first reading is taken right away.
func (p *Poller) Run(ctx context.Context) {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	p.poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.poll()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll() {
	temp, units, err := p.Meter.ReadTemperature()
	if err != nil {
		p.Logger.Warn("error reading temperature", zap.String("entity", p.Entity), zap.Error(err))
		return
	}
	p.Registry.Update(p.Entity, temp, units, p.now())
}
