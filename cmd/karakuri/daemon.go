package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	"github.com/harunnryd/karakuri/internal/daemon"
	"github.com/harunnryd/karakuri/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the automation engine in the foreground",
	Long: `Starts the HTTP ingress, chat adapters, scheduler, task executor and
retention janitor for one workspace. Runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := runtime.ResolveWorkspaceID(cmd)
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, cfg.Store)
		engineComp := components.NewEngineComponent(cfg, storeComp)
		adaptersComp := components.NewAdaptersComponent(cfg.Adapters, engineComp)
		executorComp := components.NewExecutorComponent(cfg, engineComp, adaptersComp)
		schedulerComp := components.NewSchedulerComponent(cfg.Scheduler, engineComp)
		janitorComp := components.NewJanitorComponent(cfg.Events, engineComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, cfg, engineComp, adaptersComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(engineComp)
		daemonMgr.AddComponent(adaptersComp)
		daemonMgr.AddComponent(executorComp)
		daemonMgr.AddComponent(schedulerComp)
		daemonMgr.AddComponent(janitorComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Karakuri daemon starting up", "port", cfg.Server.Port, "workspace", workspaceID)
		err = daemonMgr.Start(commandContext(cmd))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Karakuri daemon stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Karakuri daemon stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
	daemonCmd.Flags().Int("server.port", 0, "HTTP port (overrides server.port from config)")
}
