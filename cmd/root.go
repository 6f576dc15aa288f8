// Package cmd holds the command-line interface
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sentinel/bootstrap"
	"sentinel/config"
)

// Version is stamped at build time
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Security event correlation and alerting engine",
	Long: `Sentinel consumes security events from a partitioned log, evaluates
threshold, pattern, correlation and anomaly rules over sliding windows,
deduplicates the firings into alert instances and drives them through an
escalation lifecycle with multi-channel notifications.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := bootstrap.NewApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}
