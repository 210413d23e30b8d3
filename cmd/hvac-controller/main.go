// Command hvac-controller exposes relays on a Raspberry Pi's GPIO pins as
// switches over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alittlebrighter/virtual-thermostat/controller"
)

const defaultConfig = "/etc/hvac-controller.yaml"

type controllerConfig struct {
	ServeAt string `json:"serve_at"`
	// Switches maps a switch name to its BCM pin number.
	Switches map[string]int `json:"switches"`
}

func readConfig(path string) (*controllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	config := new(controllerConfig)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if config.ServeAt == "" {
		config.ServeAt = ":8081"
	}
	if len(config.Switches) == 0 {
		return nil, errors.New("no switches configured")
	}
	return config, nil
}

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:          "hvac-controller",
		Short:        "Serve GPIO relays as HTTP switches",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			config, err := readConfig(configFile)
			if err != nil {
				return err
			}

			if err := controller.OpenGPIO(); err != nil {
				return fmt.Errorf("opening GPIO: %w", err)
			}
			defer func() { _ = controller.CloseGPIO() }()

			names := make([]string, 0, len(config.Switches))
			for name := range config.Switches {
				names = append(names, name)
			}
			sort.Strings(names)

			var switches []controller.Switch
			for _, name := range names {
				relay := controller.NewRelaySwitch(name, config.Switches[name])
				defer relay.Shutdown()
				switches = append(switches, relay)
				logger.Info("relay configured", zap.String("switch", name), zap.Int("pin", config.Switches[name]))
			}

			srv := &http.Server{
				Addr:              config.ServeAt,
				Handler:           handlers.LoggingHandler(os.Stdout, newServer(logger, switches...).router()),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("starting web server", zap.String("addr", config.ServeAt))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", defaultConfig, "The configuration file for the controller.")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
