package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley chat gateway",
	Long:  `Parley relays chat turns between browser clients and long-lived agent sessions, streaming every reply as it is produced.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspaceID prefers the --workspace flag, then the configured store
// workspace.
func resolveWorkspaceID(cmd *cobra.Command) string {
	if workspaceID, _ := cmd.Flags().GetString("workspace"); workspaceID != "" {
		return workspaceID
	}
	if cfg != nil && cfg.Store.WorkspaceID != "" {
		return cfg.Store.WorkspaceID
	}
	return config.DefaultWorkspaceID
}

func workspaceRoot() string {
	if cfg == nil {
		return ""
	}
	return cfg.Daemon.WorkspacePath
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.parley/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")
}
