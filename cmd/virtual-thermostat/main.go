package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	thermostat "github.com/alittlebrighter/virtual-thermostat"
)

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	flags := new(rootFlags)

	root := &cobra.Command{
		Use:           "virtual-thermostat",
		Short:         "Hysteresis thermostat for Home Assistant over MQTT",
		Long:          `Drives heat switches from averaged temperature sensors and exposes every thermostat as a Home Assistant climate entity.`,
		Version:       thermostat.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "Path to the configuration file.")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Log at debug level.")

	root.AddCommand(newRunCmd(flags), newValidateCmd(flags), newStateCmd(flags))
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured thermostats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := newLogger()
			if err != nil {
				return err
			}
			logger := leveled(base, flags.debug)

			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			for _, err := range cfg.check() {
				logger.Error("configuration problem", zap.Error(err))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newApp(cfg, base, flags.debug).run(ctx)
		},
	}
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			errs := cfg.check()
			for _, err := range errs {
				fmt.Fprintln(out, "ERROR:", err)
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d configuration problem(s)", len(errs))
			}
			fmt.Fprintf(out, "%d thermostat(s) OK\n", len(cfg.Thermostats))
			return nil
		},
	}
}

func newStateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state [name...]",
		Short: "Print the persisted set-points",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				for _, tc := range cfg.Thermostats {
					names = append(names, tc.Name)
				}
			}

			states := make(map[string]thermostat.State, len(names))
			for _, name := range names {
				state, err := thermostat.LoadState(thermostat.StatePath(cfg.StateDir, name))
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("%s: %w", name, err)
				}
				states[name] = state
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "    ")
			return enc.Encode(states)
		},
	}
}

// newLogger builds the process logger at debug level. Loggers derived with
// leveled share its core, so syncing it flushes them all.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return cfg.Build()
}

func leveled(base *zap.Logger, debug bool) *zap.Logger {
	if debug {
		return base
	}
	return base.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
