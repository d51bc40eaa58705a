package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Build metadata injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "evaloor",
	Short: "AI-agent evaluation run tracking service",
	Long: `Evaloor is a multi-tenant record-keeping service for AI-agent
evaluation workflows. It tracks evaluation runs through their lifecycle,
validates run dependencies, stores artifacts in object storage and caches
frequently-read metadata.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evaloor %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level (trace..panic)")

	rootCmd.AddCommand(versionCmd)
}

func configureLogging(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(parsed)

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}
