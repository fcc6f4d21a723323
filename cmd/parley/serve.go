package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/parley/internal/daemon"
	"github.com/harunnryd/parley/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateway",
	Long:  `Starts the store, session pool and HTTP API under the component lifecycle manager and serves until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}
		workspaceID := resolveWorkspaceID(cmd)
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		d, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		d.SetForceCleanup(forceClean)

		storeComp := components.NewStoreWorkerComponent(workspaceID, cfg.Daemon.WorkspacePath, &cfg.Store)
		poolComp := components.NewSessionPoolComponent(cfg, storeComp)
		httpComp := components.NewHTTPServerComponent(d, cfg, poolComp)

		d.AddComponent(storeComp)
		d.AddComponent(poolComp)
		d.AddComponent(httpComp)

		slog.Info("Parley starting up...", "host", cfg.Server.Host, "port", cfg.Server.Port, "workspace", workspaceID)
		if err := d.Start(context.Background()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Parley stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Parley stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	serveCmd.Flags().String("server.host", "", "listen address")
	serveCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
