package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latoulicious/sinkstream/internal/config"
	"github.com/latoulicious/sinkstream/internal/handlers"
	"github.com/latoulicious/sinkstream/internal/notify"
	"github.com/latoulicious/sinkstream/pkg/cron"
	"github.com/latoulicious/sinkstream/pkg/database"
	"github.com/latoulicious/sinkstream/pkg/events"
	"github.com/latoulicious/sinkstream/pkg/pipeline"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "sinkstream",
	Short:         "Stream system audio over HTTP",
	Long:          `sinkstream captures a virtual sink's monitor with ffmpeg and serves it as a live WAV stream on /stream`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP audio server",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{ConfigFile: cfgFile, Flags: cmd.Flags()})
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sinkstream v%s\n", version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./sinkstream.yaml or /etc/sinkstream/sinkstream.yaml)")
	flags.String("addr", "", "bind address (default 0.0.0.0)")
	flags.Int("port", 0, "listen port (default 5000)")
	flags.String("source", "", "capture source (default virtual_sink.monitor)")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{ConfigFile: cfgFile, Flags: cmd.Flags()})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := pipeline.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting sinkstream",
		pipeline.String("version", version),
		pipeline.String("source", cfg.Capture.Source),
		pipeline.String("address", cfg.ListenAddr()),
	)

	metrics := pipeline.NewMetrics()
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	}

	var (
		history   handlers.HistoryReader
		store     *database.Store
		retention *cron.RetentionManager
	)
	if cfg.History.Enabled {
		store, err = database.Open(cfg.History, logger)
		if err != nil {
			return fmt.Errorf("failed to open session history: %w", err)
		}
		defer store.Close()

		retention, err = cron.NewRetentionManager(cfg.History.CleanupSchedule, cfg.History.Retention, store.DeleteOlderThan, logger)
		if err != nil {
			return err
		}
		retention.Start()
		defer retention.Stop()

		history = store
		opts = append(opts, pipeline.WithHistory(store))
	}

	if cfg.Events.Enabled {
		publisher := events.NewMQTTPublisher(cfg.Events, logger)
		if err := publisher.Connect(ctx); err != nil {
			logger.Warn("MQTT broker unavailable, retrying in background", pipeline.Error(err))
		}
		defer publisher.Disconnect()
		opts = append(opts, pipeline.WithEvents(publisher))
	}

	if cfg.Alerts.Enabled() {
		notifier, err := notify.NewDiscordNotifier(cfg.Alerts, logger)
		if err != nil {
			return fmt.Errorf("failed to create alert notifier: %w", err)
		}
		opts = append(opts, pipeline.WithNotifier(notifier))
	}

	manager, err := pipeline.NewManager(pipeline.ManagerConfig{
		Source:      cfg.Capture.Source,
		Encoder:     cfg.Encoder,
		MaxSessions: cfg.Server.MaxSessions,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	handler := handlers.NewHandler(manager, metrics, history, logger)
	server := handlers.NewServer(cfg.ListenAddr(), handler, cfg.Server.ReadHeaderTimeout, logger)
	if err := server.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-server.Err():
		serveErr = err
	}

	return shutdown(cfg.Server.ShutdownTimeout, server, manager, logger, serveErr)
}

// shutdown stops the listener and the sessions together: in-flight stream
// requests only return once their session is cancelled.
func shutdown(timeout time.Duration, server *handlers.Server, manager *pipeline.Manager, logger pipeline.Logger, serveErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Shutdown(ctx)
	}()

	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("Sessions did not stop in time", pipeline.Error(err))
	}
	if err := <-serverDone; err != nil {
		logger.Error("HTTP server did not stop cleanly", pipeline.Error(err))
	}

	logger.Info("sinkstream stopped")
	return serveErr
}
