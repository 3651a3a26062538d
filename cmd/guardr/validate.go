package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/loykin/guardr/internal/config"
)

// createValidateCommand creates the validate subcommand
func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and list its apps",
		Long: `Load and validate the config file, then print the effective settings of
every app.

Examples:
  guardr validate --config guardr.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalFlags.ConfigPath == "" {
				return fmt.Errorf("--config is required")
			}
			fc, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Name", "Command", "Watch", "Max Memory", "Autorestart", "Storm")
			for _, a := range fc.Apps {
				opts := fc.Options(a)
				argv := strings.TrimSpace(strings.Join(append([]string{a.Interpreter}, a.Script), " "))
				watch := "off"
				if a.Watch.Enabled {
					watch = "on"
					if len(a.Watch.Paths) > 0 {
						watch = strings.Join(a.Watch.Paths, ",")
					}
				}
				mem := "-"
				if a.MaxMemoryRestart > 0 {
					mem = a.MaxMemoryRestart.String()
				}
				table.Append(
					a.Name,
					argv,
					watch,
					mem,
					fmt.Sprintf("%t", !opts.DisableAutoRestart),
					fmt.Sprintf("%d/%s", opts.Policy.StormThreshold, opts.Policy.StormWindow),
				)
			}
			table.Render()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nconfig ok: %d app(s)\n", len(fc.Apps))
			return nil
		},
	}
}
