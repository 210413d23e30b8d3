package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
	"github.com/alittlebrighter/virtual-thermostat/api"
	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/events"
	"github.com/alittlebrighter/virtual-thermostat/hass"
	"github.com/alittlebrighter/virtual-thermostat/metrics"
	"github.com/alittlebrighter/virtual-thermostat/mqttclient"
	"github.com/alittlebrighter/virtual-thermostat/thermometer"
)

// app owns every connection and background worker of a running service.
type app struct {
	cfg    *appConfig
	base   *zap.Logger
	logger *zap.Logger

	mqtt     *mqttclient.Client
	nc       *nats.Conn
	natsSrc  *thermometer.NATSSource
	sink     *events.KafkaSink
	metrics  *metrics.Metrics
	api      *api.API
	registry *thermometer.Registry

	gpioOpen bool
	sensors  map[string]bool
	switches map[string]controller.Switch
	closers  []func() error
	bridges  []*hass.Bridge

	wg sync.WaitGroup
}

// newApp takes a debug capable base logger. Only thermostats configured with
// debug, or all of them when debug is set, log below info.
func newApp(cfg *appConfig, base *zap.Logger, debug bool) *app {
	m := metrics.New()
	logger := leveled(base, debug)
	return &app{
		cfg:      cfg,
		base:     base,
		logger:   logger,
		metrics:  m,
		api:      api.New(logger.Named("http"), m),
		registry: thermometer.NewRegistry(),
		sensors:  make(map[string]bool),
		switches: make(map[string]controller.Switch),
	}
}

// run starts everything and blocks until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	defer a.shutdown()

	if err := a.connect(); err != nil {
		return err
	}

	started := 0
	for _, tc := range uniqueThermostats(a.cfg.Thermostats, a.logger) {
		if err := a.startThermostat(ctx, tc); err != nil {
			a.logger.Error("thermostat not started", zap.String("thermostat", tc.Name), zap.Error(err))
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("no thermostat could be started")
	}
	a.logger.Info("virtual thermostat running", zap.Int("thermostats", started), zap.String("version", thermostat.Version))

	if a.cfg.HTTP.ServeAt != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.Serve(ctx, a.cfg.HTTP.ServeAt); err != nil {
				a.logger.Error("http server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

func (a *app) connect() error {
	client, err := mqttclient.New(mqttclient.Options{
		Broker:   a.cfg.MQTT.Broker,
		ClientID: a.cfg.MQTT.ClientID,
		Username: a.cfg.MQTT.Username,
		Password: a.cfg.MQTT.Password,
	}, a.logger.Named("mqtt"))
	if err != nil {
		return err
	}
	a.mqtt = client

	if a.cfg.NATS.URL != "" {
		nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("virtual-thermostat"))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		a.nc = nc
		src, err := thermometer.WatchNATS(nc, a.cfg.NATS.Subject, a.registry, a.logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("subscribing to sensor updates: %w", err)
		}
		a.natsSrc = src
		a.logger.Info("connected to nats", zap.String("url", a.cfg.NATS.URL))
	}

	if len(a.cfg.Kafka.Brokers) > 0 {
		a.sink = events.NewKafkaSink(events.NewKafkaWriter(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic), a.logger.Named("kafka"))
		a.logger.Info("shipping events to kafka", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	}
	return nil
}

// uniqueThermostats drops every thermostat whose name was already taken.
// Two thermostats with one name would share topics and a state file.
func uniqueThermostats(cfgs []thermostat.Config, logger *zap.Logger) []thermostat.Config {
	seen := make(map[string]bool, len(cfgs))
	out := make([]thermostat.Config, 0, len(cfgs))
	for i, tc := range cfgs {
		if seen[tc.Name] {
			logger.Error("thermostat not started, name already in use",
				zap.String("thermostat", tc.Name),
				zap.Int("index", i),
			)
			continue
		}
		seen[tc.Name] = true
		out = append(out, tc)
	}
	return out
}

func (a *app) thermostatLogger(tc thermostat.Config) *zap.Logger {
	if tc.Debug {
		return a.base.Named(tc.Name)
	}
	return a.logger.Named(tc.Name)
}

func (a *app) startThermostat(ctx context.Context, tc thermostat.Config) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	logger := a.thermostatLogger(tc)

	var switches []controller.Switch
	for _, id := range tc.HeatSwitch {
		sw, err := a.heatSwitch(id, logger)
		if err != nil {
			logger.Error("heat switch skipped", zap.String("entity", id), zap.Error(err))
			continue
		}
		switches = append(switches, sw)
	}

	var sensors []string
	for _, id := range tc.TempSensor {
		if err := a.watchSensor(ctx, id, logger); err != nil {
			logger.Error("temperature sensor skipped", zap.String("entity", id), zap.Error(err))
			continue
		}
		sensors = append(sensors, id)
	}

	path := thermostat.StatePath(a.cfg.StateDir, tc.Name)
	state := thermostat.LoadStateOrDefault(path, logger)

	opts := []thermostat.Option{thermostat.WithLogger(logger), thermostat.WithObserver(a.metrics)}
	if a.sink != nil {
		opts = append(opts, thermostat.WithEventSink(a.sink))
	}
	stat, err := thermostat.New(tc, state, controller.NewGroup(logger, switches...), a.registry, sensors, opts...)
	if err != nil {
		return err
	}

	bridge := hass.NewBridge(stat, a.mqtt, hass.WithLogger(logger))
	if err := bridge.Register(ctx); err != nil {
		return err
	}
	bridge.FollowSensors(a.registry)
	a.bridges = append(a.bridges, bridge)
	a.api.Add(stat, bridge)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		stat.PersistEvery(ctx, path, thermostat.StoreStateEvery)
	}()
	return nil
}

// heatSwitch returns the switch for id, shared between thermostats.
func (a *app) heatSwitch(id string, logger *zap.Logger) (controller.Switch, error) {
	if sw, ok := a.switches[id]; ok {
		return sw, nil
	}

	e, err := a.cfg.resolve(id)
	if err != nil {
		return nil, err
	}

	var sw controller.Switch
	switch e.Type {
	case kindMQTT:
		s, err := controller.NewMQTTSwitch(id, e.CommandTopic, e.StateTopic, a.mqtt, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		sw = s
	case kindHTTP:
		sw = controller.NewHTTPSwitch(id, e.Endpoint, 0)
	case kindRelay:
		if !a.gpioOpen {
			if err := controller.OpenGPIO(); err != nil {
				return nil, fmt.Errorf("opening gpio: %w", err)
			}
			a.gpioOpen = true
		}
		r := controller.NewRelaySwitch(id, e.Pin)
		a.closers = append(a.closers, func() error { r.Shutdown(); return nil })
		sw = r
	default:
		return nil, fmt.Errorf("%s entities cannot be used as heat_switch", e.Type)
	}

	a.switches[id] = sw
	return sw, nil
}

// watchSensor starts feeding id into the registry unless that already happened.
func (a *app) watchSensor(ctx context.Context, id string, logger *zap.Logger) error {
	if a.sensors[id] {
		return nil
	}

	e, err := a.cfg.resolve(id)
	if err != nil {
		return err
	}

	switch e.Type {
	case kindMQTT:
		src, err := thermometer.WatchMQTT(a.mqtt, a.registry, id, e.StateTopic, e.units(), logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, src.Close)
	case kindNATS:
		if a.natsSrc == nil {
			return errors.New("nats sensor configured without nats.url")
		}
		a.natsSrc.Route(e.Location, id)
	case kindMCP9808, kindHTTP:
		var meter thermometer.Thermometer
		if e.Type == kindMCP9808 {
			meter, err = thermometer.NewLocal()
		} else {
			meter, err = thermometer.NewRemote(e.Endpoint)
		}
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { meter.Shutdown(); return nil })
		poller := &thermometer.Poller{
			Entity:   id,
			Meter:    meter,
			Interval: e.Interval.Std(),
			Registry: a.registry,
			Logger:   logger,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			poller.Run(ctx)
		}()
	default:
		return fmt.Errorf("%s entities cannot be used as temp_sensor", e.Type)
	}

	a.sensors[id] = true
	return nil
}

func (a *app) shutdown() {
	for _, b := range a.bridges {
		if err := b.Close(); err != nil {
			a.logger.Warn("closing bridge", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.logger.Warn("background workers did not stop in time")
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing", zap.Error(err))
		}
	}
	if a.natsSrc != nil {
		_ = a.natsSrc.Close()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("closing kafka writer", zap.Error(err))
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.gpioOpen {
		_ = controller.CloseGPIO()
	}
	_ = a.logger.Sync()
}
