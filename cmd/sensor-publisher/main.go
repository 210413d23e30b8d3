// Command sensor-publisher reads a thermometer and reports it on NATS for the
// virtual thermostat.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/models"
	"github.com/alittlebrighter/virtual-thermostat/thermometer"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

type options struct {
	natsURL  string
	subject  string
	location string
	endpoint string
	units    string
	interval time.Duration
}

// publishReading reports one reading. units converts the reading before it
// is sent; empty keeps the thermometer's own units.
func publishReading(pub publisher, subject, location string, units util.TemperatureUnits, meter thermometer.Thermometer) (*models.SensorUpdate, error) {
	temp, read, err := meter.ReadTemperature()
	if err != nil {
		return nil, err
	}
	if units == "" {
		units = read
	} else {
		temp = util.Convert(temp, read, units)
	}

	update := &models.SensorUpdate{
		Location: location,
		Type:     "temperature",
		Value:    models.Temperature{Degrees: temp, Unit: units},
	}
	data, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return update, pub.Publish(subject, data)
}

func run(ctx context.Context, pub publisher, meter thermometer.Thermometer, opts options, logger *zap.Logger) {
	var units util.TemperatureUnits
	if opts.units != "" {
		units = util.ParseUnits(opts.units)
	}
	tick := func() {
		update, err := publishReading(pub, opts.subject, opts.location, units, meter)
		if err != nil {
			logger.Warn("could not publish reading", zap.Error(err))
			return
		}
		logger.Debug("published reading", zap.Float64("degrees", update.Value.Degrees), zap.String("unit", string(update.Value.Unit)))
	}

	tick()
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "sensor-publisher",
		Short:        "Publish thermometer readings to NATS",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if opts.location == "" {
				return errors.New("--location is required")
			}
			if opts.interval <= 0 {
				opts.interval = time.Minute
			}

			var meter thermometer.Thermometer
			if opts.endpoint != "" {
				meter, err = thermometer.NewRemote(opts.endpoint)
			} else {
				meter, err = thermometer.NewLocal()
			}
			if err != nil {
				return fmt.Errorf("getting thermometer: %w", err)
			}
			defer meter.Shutdown()

			nc, err := nats.Connect(opts.natsURL, nats.Name("sensor-publisher-"+opts.location))
			if err != nil {
				return fmt.Errorf("connecting to message bus: %w", err)
			}
			defer nc.Close()
			logger.Info("connected to nats", zap.String("url", opts.natsURL), zap.String("subject", opts.subject))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			run(ctx, nc, meter, opts, logger.With(zap.String("location", opts.location)))
			return nc.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "URL of the NATS server.")
	cmd.Flags().StringVar(&opts.subject, "subject", thermometer.DefaultNATSSubject, "Subject readings are published on.")
	cmd.Flags().StringVar(&opts.location, "location", "", "Location reported with every reading, e.g. hall.")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Read a remote JSON thermometer instead of the local MCP9808.")
	cmd.Flags().StringVar(&opts.units, "units", "", "Publish in C or F instead of the thermometer's own units.")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Minute, "Time between readings.")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
