// Command taskflow runs declarative task workflows: load a YAML workflow
// file, stage it by dependencies, and execute the tasks against AI providers,
// scripts, and MCP tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/config"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err.Error()))
		os.Exit(1)
	}
}

// NewRootCommand builds the taskflow command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskflow",
		Short: "Dependency-aware workflow engine for AI, script, input, and output tasks",
		Long: `taskflow executes workflow files: tasks staged by their dependencies,
run in parallel where the graph allows, with budget caps, retries with
provider fallback, checkpoints, and MCP tool access for AI tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.taskflow/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	viper.SetEnvPrefix("TASKFLOW")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newModelsCommand())

	return rootCmd
}

// loadRuntimeConfig assembles the runtime config with CLI-level overrides
// layered on top of file and environment values.
func loadRuntimeConfig(overrides config.Overrides) (config.RuntimeConfig, config.Metadata, error) {
	opts := []config.Option{}
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	if level := viper.GetString("log_level"); level != "" {
		overrides.LogLevel = &level
	}
	opts = append(opts, config.WithOverrides(overrides))
	return config.Load(opts...)
}
