package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	App     string
	PIDFile string
}

// ControlFlags locate a running supervisor for status and signal commands
type ControlFlags struct {
	App        string
	StatusFile string
	PIDFile    string
	JSON       bool
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	controlFlags := &ControlFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createValidateCommand(globalFlags),
		createStatusCommand(globalFlags, controlFlags),
		createControlCommand("restart", "Restart the app now, bypassing backoff (also leaves halted)", globalFlags, controlFlags),
		createControlCommand("stop", "Stop the app and end the supervisor", globalFlags, controlFlags),
		createControlCommand("reset", "Clear the restart history of the app", globalFlags, controlFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "guardr",
		Short: "Single-app process supervisor",
		Long: `Guardr keeps one application running: it restarts it on crash, when it
exceeds its memory ceiling or when watched source files change, and halts
when restarts turn into a storm.

Examples:
  guardr run --config guardr.toml
  guardr status --config guardr.toml
  guardr restart --status-file /run/guardr/api.json`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (toml, yaml or json)")
	return root
}
