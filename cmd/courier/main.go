package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/glimte/courier-go/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		envFile string
		verbose bool
		cfg     *config.Config
	)

	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Resilient batch delivery of events",
		Long: `Courier accepts events over HTTP or AMQP, batches them and delivers the
batches to RabbitMQ through retries and a circuit breaker. Batches that cannot
be delivered are kept in a dead-letter store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			loaded, err := config.Load(files...)
			if err != nil {
				return err
			}
			if verbose {
				loaded.LogLevel = slog.LevelDebug
			}
			*cfg = *loaded
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
			return nil
		},
	}
	cfg = &config.Config{}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load settings from this .env file (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCommand(cfg), newDeadLettersCommand(cfg))
	return rootCmd
}
