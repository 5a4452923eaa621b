package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mercator-hq/costguard/pkg/cli"
	"mercator-hq/costguard/pkg/config"
)

var (
	// Global flags
	cfgFile string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "costguard",
	Short: "Costguard - cost anomaly detection and budget enforcement for LLM workloads",
	Long: `Costguard is a control plane for LLM spend. It ingests usage records,
detects cost anomalies, forecasts budget exhaustion and enforces budgets
before requests run.

Configuration is read from a YAML file. Any field can be overridden with
COSTGUARD_* environment variables, which may also be kept in a .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
	},
}

// Execute runs the root command and exits with its status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "costguard.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with COSTGUARD_* overrides")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return cli.WrapConfigError(path, err)
}

// loadConfig reads the configuration file with environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.WrapConfigError(cfgFile, err)
	}
	return cfg, nil
}
