package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/parley/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//go:embed templates/config.yaml
var embeddedDefaultConfig []byte

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the Parley configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Dump fully resolved configuration",
	Long:  `Display current configuration with all defaults applied, environment variables resolved and API keys masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadedCfg, err := loadConfigForCommand(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(configView(loadedCfg.Redacted())); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize default configuration",
	Long:  `Create a default configuration file at $HOME/.parley/config.yaml if it doesn't exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		configDir := filepath.Join(home, ".parley")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}

		out := cmd.OutOrStdout()
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			fmt.Fprintf(out, "Config already exists at %s\n", configPath)
			fmt.Fprintln(out, "Use 'parley config view' to see current configuration.")
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to check config file: %w", err)
		}

		defaultConfig := strings.TrimSpace(string(embeddedDefaultConfig)) + "\n"
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", configPath, err)
		}

		fmt.Fprintf(out, "✓ Initialized config at %s\n", configPath)
		fmt.Fprintln(out, "\nNext steps:")
		fmt.Fprintln(out, "1. Export ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY")
		fmt.Fprintln(out, "2. Run 'parley serve' and open a chat with 'parley chat'")
		return nil
	},
}

func loadConfigForCommand(cmd *cobra.Command) (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd)
}

// configView converts the config into a koanf-keyed map so the YAML output
// uses the same keys the config file accepts.
func configView(c config.Config) map[string]any {
	registry := make([]map[string]any, 0, len(c.Models.Registry))
	for _, m := range c.Models.Registry {
		entry := map[string]any{"name": m.Name, "provider": m.Provider, "model": m.Model}
		if m.BaseURL != "" {
			entry["base_url"] = m.BaseURL
		}
		if m.APIKey != "" {
			entry["api_key"] = m.APIKey
		}
		if m.RequestTimeout != "" {
			entry["request_timeout"] = m.RequestTimeout
		}
		if m.MaxTokens > 0 {
			entry["max_tokens"] = m.MaxTokens
		}
		registry = append(registry, entry)
	}

	return map[string]any{
		"server": map[string]any{
			"host":             c.Server.Host,
			"port":             c.Server.Port,
			"log_level":        c.Server.LogLevel,
			"read_timeout":     c.Server.ReadTimeout,
			"write_timeout":    c.Server.WriteTimeout,
			"idle_timeout":     c.Server.IdleTimeout,
			"shutdown_timeout": c.Server.ShutdownTimeout,
		},
		"pool": map[string]any{
			"max_sessions":     c.Pool.MaxSessions,
			"session_timeout":  c.Pool.SessionTimeout,
			"cleanup_schedule": c.Pool.CleanupSchedule,
			"connect_timeout":  c.Pool.ConnectTimeout,
		},
		"history": map[string]any{
			"max_context_messages": c.History.MaxContextMessages,
			"max_message_length":   c.History.MaxMessageLength,
		},
		"stream":  map[string]any{"persist_timeout": c.Stream.PersistTimeout},
		"request": map[string]any{"max_message_chars": c.Request.MaxMessageChars},
		"models":  map[string]any{"default": c.Models.Default, "registry": registry},
		"store": map[string]any{
			"workspace_id":                c.Store.WorkspaceID,
			"lock_timeout":                c.Store.LockTimeout,
			"lock_retry":                  c.Store.LockRetry,
			"lock_max_retry":              c.Store.LockMaxRetry,
			"inbox_size":                  c.Store.InboxSize,
			"transcript_rotate_max_bytes": c.Store.TranscriptRotateMaxBytes,
		},
		"daemon": map[string]any{
			"shutdown_timeout":         c.Daemon.ShutdownTimeout,
			"health_check_interval":    c.Daemon.HealthCheckInterval,
			"startup_shutdown_timeout": c.Daemon.StartupShutdownTimeout,
			"stale_lock_ttl":           c.Daemon.StaleLockTTL,
			"workspace_path":           c.Daemon.WorkspacePath,
		},
	}
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
