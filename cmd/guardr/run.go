package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/guardr/internal/config"
	"github.com/loykin/guardr/internal/history"
	"github.com/loykin/guardr/internal/history/factory"
	"github.com/loykin/guardr/internal/logger"
	"github.com/loykin/guardr/internal/metrics"
	"github.com/loykin/guardr/internal/process"
	"github.com/loykin/guardr/internal/server"
	"github.com/loykin/guardr/internal/supervisor"
)

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise an app in the foreground",
		Long: `Run one app from the config file until stopped.

Signals:
  SIGINT, SIGTERM  stop the app and exit
  SIGHUP           restart the app now (also leaves halted)
  SIGUSR1          reset the restart history

Examples:
  guardr run --config guardr.toml
  guardr run --config guardr.toml --app api --pid-file /run/guardr.pid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalFlags.ConfigPath == "" {
				return fmt.Errorf("--config is required")
			}
			fc, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			return runSupervisor(cmd.Context(), fc, *runFlags)
		},
	}
	cmd.Flags().StringVar(&runFlags.App, "app", "", "app name (optional when the config has one app)")
	cmd.Flags().StringVar(&runFlags.PIDFile, "pid-file", "", "write the supervisor pid to this file")
	return cmd
}

// runSupervisor wires the configured stack around one supervisor and blocks
// until it stops.
func runSupervisor(ctx context.Context, fc *config.FileConfig, flags RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := fc.App(flags.App)
	if err != nil {
		return err
	}
	log, closer, err := logger.Setup(fc.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	globalEnv, err := fc.GlobalEnv()
	if err != nil {
		return err
	}

	opts := fc.Options(app)
	opts.Launcher = &process.Launcher{Env: globalEnv}
	opts.Logger = log

	if fc.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		rec := history.NewRecorder(fc.History.Timeout, sink)
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn("close history sink", "error", err)
			}
		}()
		opts.Recorder = rec
	}

	if flags.PIDFile != "" {
		if err := process.WritePIDFile(flags.PIDFile, process.Self()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	sup := supervisor.New(opts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resources *metrics.ProcessMetricsCollector
	if fc.Metrics.Enabled {
		resources = metrics.NewProcessMetricsCollector(fc.Metrics)
		if err := resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
		resources.Start(ctx, func() map[string]int32 {
			return map[string]int32{sup.Name(): int32(sup.Status().PID)}
		})
		defer resources.Stop()
	}

	if fc.HTTP.Listen != "" {
		srv := server.NewServer(fc.HTTP.Listen, server.NewRouter(sup, resources, fc.HTTP.BasePath))
		log.Info("http status endpoint listening", "addr", fc.HTTP.Listen, "base", fc.HTTP.BasePath)
		defer func() { _ = server.Shutdown(srv, 5*time.Second) }()
	}

	stopSignals := handleSignals(ctx, sup, log)
	defer stopSignals()

	err = sup.Run(ctx)
	st := sup.Status()
	slog.Info("guardr exiting", "app", st.Name, "state", st.State, "restarts", st.Restarts)
	return err
}
