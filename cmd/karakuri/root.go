package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "karakuri",
	Short: "Karakuri automation engine",
	Long: `Karakuri runs event listeners and scheduled automations. Events arrive
over HTTP or chat adapters, matching listeners enqueue tasks, and a worker
pool executes them as sandboxed scripts or LLM wake-ups.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			cfg.Server.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.karakuri/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "Target workspace ID")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format (table, json, yaml)")
}
