// Package realtime implements the main monitoring command: it wires the
// datastore, event bus and station monitor together and runs until a
// termination signal arrives.
package realtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/events"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/monitor"
)

// Command creates the realtime monitoring command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Monitor radio streams in realtime",
		Long:  "Pull the configured station streams, recognize airplay and record detections until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the realtime command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().IntVar(&settings.Monitor.MaxStations, "maxstations", viper.GetInt("monitor.maxstations"), "Maximum number of stations monitored concurrently")
	cmd.Flags().StringVar(&settings.Puller.FfmpegPath, "ffmpeg", viper.GetString("puller.ffmpegpath"), "Path to the ffmpeg binary")
	cmd.Flags().DurationVar(&settings.Monitor.StatusInterval, "statusinterval", viper.GetDuration("monitor.statusinterval"), "Period of status_update broadcasts")
	cmd.Flags().BoolVar(&settings.MQTT.Enabled, "mqtt", viper.GetBool("mqtt.enabled"), "Republish detections to the configured MQTT broker")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

// run owns the process lifetime: everything started here is stopped, in
// reverse order, before it returns.
func run(settings *conf.Settings) error {
	if settings.Main.Log.Enabled {
		closeLog, err := logging.EnableFileOutput(settings.Main.Log.Path, logging.FileLoggerOptions{
			MaxSizeMB:  settings.Main.Log.MaxSize,
			MaxBackups: settings.Main.Log.MaxBackups,
			MaxAgeDays: settings.Main.Log.MaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer closeLog() //nolint:errcheck // best-effort flush on exit
	}
	logger := logging.ForService("main")

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close datastore", "error", err)
		}
	}()

	bus := events.NewBus(settings.EventBus)
	defer bus.Close()
	events.BridgeErrors(bus)

	if settings.MQTT.Enabled {
		pub, err := events.StartMQTTPublisher(settings.MQTT, bus)
		if err != nil {
			// The monitor is useful without MQTT; log and move on.
			logger.Error("MQTT publisher failed to start", "broker", settings.MQTT.Broker, "error", err)
		} else {
			defer pub.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting station monitor", "node", settings.Main.Name)
	return monitor.New(settings, store, bus).Run(ctx)
}
