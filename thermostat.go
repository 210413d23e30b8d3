package thermostat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/models"
	"github.com/alittlebrighter/virtual-thermostat/thermometer"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

const (
	Version      = "0.9.7"
	Manufacturer = "Valitron AB"
	Model        = "Virtual Thermostat"

	DefaultMaxTemp     = 30.0
	DefaultMinTemp     = 10.0
	DefaultTargetTemp  = 18.0
	DefaultMaxInterval = 0.8

	// DefaultPollInterval is how often polled thermometers are read.
	DefaultPollInterval = time.Minute

	// StoreStateEvery is how often set-points are written to disk.
	StoreStateEvery = 24 * time.Hour

	// MaxTimeBetweenPublish bounds how long Home Assistant can go without a state update.
	MaxTimeBetweenPublish = 5 * time.Minute

	UUIDPrefix  = "virtual_thermostat_"
	TopicPrefix = "virtual_thermostat/"
)

var (
	ErrNoSwitches     = errors.New("no heat switches configured")
	ErrInvalidMode    = errors.New("invalid mode")
	ErrInvalidTemp    = errors.New("invalid temperature")
	ErrUnknownCommand = errors.New("unknown command")
)

type Mode string

const (
	ModeOff  Mode = "off"
	ModeHeat Mode = "heat"
)

// ParseMode accepts the modes advertised to Home Assistant.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeHeat:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Action is the hvac_action reported to Home Assistant.
type Action string

const (
	ActionOff     Action = "off"
	ActionIdle    Action = "idle"
	ActionHeating Action = "heating"
)

// State is what survives a restart.
type State struct {
	TargetTemp float64 `json:"target_temp"`
	HighTemp   float64 `json:"high_temp"`
	LowTemp    float64 `json:"low_temp"`
	Mode       Mode    `json:"mode"`
}

func DefaultState() State {
	return State{
		TargetTemp: DefaultTargetTemp,
		HighTemp:   DefaultTargetTemp,
		LowTemp:    DefaultTargetTemp,
		Mode:       ModeOff,
	}
}

// EventSink receives every evaluation, e.g. for shipping to a message broker.
type EventSink interface {
	Publish(ctx context.Context, ev *util.EventLog) error
}

// Observer is notified of evaluations and switch commands.
type Observer interface {
	ObserveEvaluation(ev *util.EventLog)
	ObserveSwitchCommand(thermostat string, on bool, err error)
}

type Option func(*Thermostat)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Thermostat) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(t *Thermostat) { t.sink = sink }
}

func WithObserver(o Observer) Option {
	return func(t *Thermostat) { t.observer = o }
}

// WithEventBuffer sets how many evaluations are kept in memory.
func WithEventBuffer(size uint) Option {
	return func(t *Thermostat) { t.events = util.NewRingBuffer(size) }
}

func WithClock(now func() time.Time) Option {
	return func(t *Thermostat) { t.now = now }
}

// Thermostat switches a group of heaters on and off to keep the average of
// its sensors around the target temperature.
type Thermostat struct {
	cfg      Config
	switches *controller.Group
	sensors  []string
	registry *thermometer.Registry

	mu         sync.Mutex
	state      State
	action     Action
	errorCount uint

	events   *util.RingBuffer
	sink     EventSink
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a thermostat. sensors are the entity ids that were found; when
// none are left the thermostat still exists but keeps its switches off.
func New(cfg Config, state State, switches *controller.Group, registry *thermometer.Registry, sensors []string, opts ...Option) (*Thermostat, error) {
	if switches == nil || switches.Len() == 0 {
		return nil, ErrNoSwitches
	}
	cfg.ApplyDefaults()
	if state.Mode == "" {
		state.Mode = ModeOff
	}

	t := &Thermostat{
		cfg:      cfg,
		switches: switches,
		sensors:  sensors,
		registry: registry,
		state:    state,
		action:   ActionOff,
		events:   util.NewRingBuffer(60),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if len(sensors) == 0 {
		t.logger.Error("no matching temperature entities found")
	}
	t.logger.Debug("thermostat configured",
		zap.Strings("switches", switches.Names()),
		zap.Strings("sensors", sensors),
	)
	return t, nil
}

func (t *Thermostat) Name() string {
	return t.cfg.Name
}

func (t *Thermostat) Config() Config {
	return t.cfg
}

// Sensors lists the sensor entities the thermostat averages.
func (t *Thermostat) Sensors() []string {
	return append([]string(nil), t.sensors...)
}

func (t *Thermostat) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thermostat) Action() Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.action
}

// Events returns the recent evaluations oldest first.
func (t *Thermostat) Events() []*util.EventLog {
	return t.events.GetAll()
}

// LastEvent returns the most recent evaluation, or nil before the first one.
func (t *Thermostat) LastEvent() *util.EventLog {
	return t.events.GetLast()
}

// CurrentTemperature averages the fresh sensor readings, rounded to a tenth
// of a degree. ok is false when there is nothing to average.
func (t *Thermostat) CurrentTemperature() (temp float64, ok bool) {
	return t.currentTemperature(t.now())
}

func (t *Thermostat) currentTemperature(now time.Time) (float64, bool) {
	if len(t.sensors) == 0 {
		return 0, false
	}

	readings := t.registry.Fresh(t.sensors, now, t.cfg.MaxAge.Std())
	if len(readings) == 0 {
		return 0, false
	}

	var sum float64
	for _, r := range readings {
		sum += r.Celsius
	}
	temp := util.Round1(sum / float64(len(readings)))
	t.logger.Debug("current temperature", zap.Float64("temperature", temp), zap.Int("sensors", len(readings)))
	return temp, true
}

// Evaluate decides whether the heaters should run and drives them.
func (t *Thermostat) Evaluate(ctx context.Context) (Action, error) {
	ev, err := t.evaluate(ctx)

	if t.observer != nil {
		t.observer.ObserveEvaluation(ev)
	}
	if t.sink != nil {
		if serr := t.sink.Publish(ctx, ev); serr != nil {
			t.logger.Warn("publishing event failed", zap.Error(serr))
		}
	}
	return Action(ev.Action), err
}

func (t *Thermostat) evaluate(ctx context.Context) (*util.EventLog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ev := &util.EventLog{
		Thermostat:        t.cfg.Name,
		TargetTemperature: t.state.TargetTemp,
		Mode:              string(t.state.Mode),
		Timestamp:         now,
	}

	if t.state.Mode == ModeOff || len(t.sensors) == 0 {
		err := t.setSwitches(ctx, false)
		t.action = ActionOff
		ev.Action = string(t.action)
		t.events.Add(ev)
		return ev, err
	}

	var err error
	temp, fresh := t.currentTemperature(now)
	ev.AmbientTemperature = temp
	ev.Fresh = fresh

	if !fresh {
		t.errorCount++
		t.logger.Warn("no fresh temperature reading",
			zap.Strings("sensors", t.sensors),
			zap.Uint("errors", t.errorCount),
		)
		if t.errorCount > uint(t.cfg.MaxErrors) {
			err = t.setSwitches(ctx, false)
			t.errorCount = 0
		}
	} else {
		t.errorCount = 0
		lowest := t.state.TargetTemp - t.cfg.MaxInterval/2
		highest := t.state.TargetTemp + t.cfg.MaxInterval/2

		switch {
		case temp < lowest:
			err = t.setSwitches(ctx, true)
		case temp >= highest:
			err = t.setSwitches(ctx, false)
		}
	}

	if t.switches.FirstOn() {
		t.action = ActionHeating
	} else {
		t.action = ActionIdle
	}
	ev.Action = string(t.action)
	t.events.Add(ev)
	return ev, err
}

func (t *Thermostat) setSwitches(ctx context.Context, on bool) error {
	err := t.switches.SetAll(ctx, on)
	if t.observer != nil {
		t.observer.ObserveSwitchCommand(t.cfg.Name, on, err)
	}
	if err != nil {
		t.logger.Error("driving heat switches failed", zap.String("state", controller.StateString(on)), zap.Error(err))
	}
	return err
}

// Snapshot is the state published to Home Assistant.
func (t *Thermostat) Snapshot() models.ThermostatState {
	temp, _ := t.CurrentTemperature()

	t.mu.Lock()
	defer t.mu.Unlock()
	return models.ThermostatState{
		CurrentTemperature: temp,
		TargetTemp:         t.state.TargetTemp,
		Action:             string(t.action),
		Mode:               string(t.state.Mode),
	}
}

// CheckTemp rejects NaN and infinities. Neither compares below or above the
// hysteresis band, so a target set to one would never switch the heat off.
func CheckTemp(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTemp, v)
	}
	return nil
}

func (t *Thermostat) clamp(v float64) (float64, error) {
	if err := CheckTemp(v); err != nil {
		return 0, err
	}
	if v < t.cfg.MinTemp {
		return t.cfg.MinTemp, nil
	}
	if v > t.cfg.MaxTemp {
		return t.cfg.MaxTemp, nil
	}
	return v, nil
}

func (t *Thermostat) SetTargetTemp(v float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.clamp(v)
	if err != nil {
		return t.state.TargetTemp, err
	}
	t.state.TargetTemp = c
	return c, nil
}

func (t *Thermostat) SetHighTemp(v float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.clamp(v)
	if err != nil {
		return t.state.HighTemp, err
	}
	t.state.HighTemp = c
	return c, nil
}

func (t *Thermostat) SetLowTemp(v float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.clamp(v)
	if err != nil {
		return t.state.LowTemp, err
	}
	t.state.LowTemp = c
	return c, nil
}

func (t *Thermostat) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Mode = m
	return nil
}

// SetPower maps Home Assistant's power command onto the modes.
func (t *Thermostat) SetPower(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.state.Mode = ModeHeat
	} else {
		t.state.Mode = ModeOff
	}
}

// ApplyCommand handles a raw command payload. command is one of
// target_temp, high_temp, low_temp, mode or power.
func (t *Thermostat) ApplyCommand(command string, payload []byte) error {
	value := strings.TrimSpace(string(payload))

	switch command {
	case "target_temp", "high_temp", "low_temp":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTemp, value)
		}
		var set float64
		switch command {
		case "target_temp":
			set, err = t.SetTargetTemp(v)
		case "high_temp":
			set, err = t.SetHighTemp(v)
		default:
			set, err = t.SetLowTemp(v)
		}
		if err != nil {
			return err
		}
		t.logger.Debug("temperature set", zap.String("type", command), zap.Float64("value", set))
	case "mode":
		m, err := ParseMode(value)
		if err != nil {
			return err
		}
		return t.SetMode(m)
	case "power":
		switch strings.ToUpper(value) {
		case "ON", "TRUE", "1":
			t.SetPower(true)
		case "OFF", "FALSE", "0":
			t.SetPower(false)
		default:
			return fmt.Errorf("invalid power payload %q", value)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return nil
}
