package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/loykin/guardr/internal/config"
	"github.com/loykin/guardr/internal/process"
	"github.com/loykin/guardr/internal/supervisor"
)

// errNotRunning is returned when the recorded supervisor is gone.
var errNotRunning = errors.New("guardr supervisor is not running")

func addControlFlags(cmd *cobra.Command, flags *ControlFlags) {
	cmd.Flags().StringVar(&flags.App, "app", "", "app name when reading the status file location from --config")
	cmd.Flags().StringVar(&flags.StatusFile, "status-file", "", "status file written by guardr run")
	cmd.Flags().StringVar(&flags.PIDFile, "pid-file", "", "pid file written by guardr run --pid-file")
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags, flags *ControlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running supervisor",
		Long: `Read the status file written by guardr run.

Examples:
  guardr status --config guardr.toml
  guardr status --status-file /run/guardr/api.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := statusFilePath(globalFlags, flags)
			if err != nil {
				return err
			}
			sf, err := supervisor.ReadStatusFile(path)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), sf)
			}
			printStatus(cmd.OutOrStdout(), sf, time.Now())
			return nil
		},
	}
	addControlFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw status as JSON")
	return cmd
}

// createControlCommand creates a subcommand that signals the running supervisor
func createControlCommand(action, short string, globalFlags *GlobalFlags, flags *ControlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := locateSupervisor(globalFlags, flags)
			if err != nil {
				return err
			}
			sig, err := controlSignal(action)
			if err != nil {
				return err
			}
			if err := process.SignalPID(id.PID, sig); err != nil {
				return fmt.Errorf("signal guardr pid %d: %w", id.PID, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s requested (sent %s to pid %d)\n", action, sig, id.PID)
			return nil
		},
	}
	addControlFlags(cmd, flags)
	return cmd
}

// statusFilePath picks --status-file or the status_file of the config.
func statusFilePath(globalFlags *GlobalFlags, flags *ControlFlags) (string, error) {
	if flags.StatusFile != "" {
		return flags.StatusFile, nil
	}
	if globalFlags.ConfigPath == "" {
		return "", errors.New("one of --status-file or --config is required")
	}
	fc, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		return "", err
	}
	app, err := fc.App(flags.App)
	if err != nil {
		return "", err
	}
	path := fc.Options(app).StatusFile
	if path == "" {
		return "", fmt.Errorf("app %s has no status_file configured", app.Name)
	}
	return path, nil
}

// locateSupervisor finds the live supervisor from a pid file or status file.
func locateSupervisor(globalFlags *GlobalFlags, flags *ControlFlags) (process.Identity, error) {
	var id process.Identity
	if flags.PIDFile != "" {
		got, err := process.ReadPIDFile(flags.PIDFile)
		if err != nil {
			return id, err
		}
		id = got
	} else {
		path, err := statusFilePath(globalFlags, flags)
		if err != nil {
			return id, err
		}
		sf, err := supervisor.ReadStatusFile(path)
		if err != nil {
			return id, err
		}
		id = sf.Supervisor
	}
	if id.PID <= 0 || !id.Alive() {
		return id, fmt.Errorf("%w (pid %d)", errNotRunning, id.PID)
	}
	return id, nil
}

func printStatus(w io.Writer, sf supervisor.StatusFile, now time.Time) {
	st := sf.Status
	table := tablewriter.NewWriter(w)
	table.Header("Name", "State", "PID", "Uptime", "Restarts", "Unstable", "In Window", "Last Exit")
	pid := "-"
	if st.PID > 0 {
		pid = fmt.Sprintf("%d", st.PID)
	}
	lastExit := "-"
	if st.LastExitReason != "" {
		lastExit = st.LastExitReason
		if st.LastExitSignal != "" {
			lastExit += " (" + st.LastExitSignal + ")"
		} else {
			lastExit += fmt.Sprintf(" (code %d)", st.LastExitCode)
		}
	}
	table.Append(
		st.Name,
		string(st.State),
		pid,
		st.Uptime(now).Truncate(time.Second).String(),
		fmt.Sprintf("%d", st.Restarts),
		fmt.Sprintf("%d", st.UnstableRestarts),
		fmt.Sprintf("%d", st.RestartsInWindow),
		lastExit,
	)
	table.Render()

	if st.HaltReason != "" && st.State == supervisor.StateHalted {
		_, _ = fmt.Fprintf(w, "halted: %s\n", st.HaltReason)
	}
	if st.Degraded != "" {
		_, _ = fmt.Fprintf(w, "degraded: %s\n", st.Degraded)
	}
	if !st.NextRestartAt.IsZero() && st.State == supervisor.StateRestarting {
		_, _ = fmt.Fprintf(w, "next restart in %s\n", st.NextRestartAt.Sub(now).Truncate(time.Millisecond))
	}
	if st.State != supervisor.StateStopped && !sf.Supervisor.Alive() {
		_, _ = fmt.Fprintf(w, "warning: supervisor pid %d is not running; status is stale\n", sf.Supervisor.PID)
	}
}
