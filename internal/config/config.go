package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Pool    PoolConfig    `koanf:"pool"`
	History HistoryConfig `koanf:"history"`
	Stream  StreamConfig  `koanf:"stream"`
	Request RequestConfig `koanf:"request"`
	Models  ModelsConfig  `koanf:"models"`
	Store   StoreConfig   `koanf:"store"`
	Daemon  DaemonConfig  `koanf:"daemon"`
}

type ServerConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type PoolConfig struct {
	MaxSessions     int    `koanf:"max_sessions"`
	SessionTimeout  string `koanf:"session_timeout"`
	CleanupSchedule string `koanf:"cleanup_schedule"`
	ConnectTimeout  string `koanf:"connect_timeout"`
}

type HistoryConfig struct {
	MaxContextMessages int `koanf:"max_context_messages"`
	MaxMessageLength   int `koanf:"max_message_length"`
}

type StreamConfig struct {
	PersistTimeout string `koanf:"persist_timeout"`
}

type RequestConfig struct {
	MaxMessageChars int `koanf:"max_message_chars"`
}

type ModelsConfig struct {
	Default  string          `koanf:"default"`
	Registry []ModelRegistry `koanf:"registry"`
}

type ModelRegistry struct {
	Name           string `koanf:"name"`
	Provider       string `koanf:"provider"`
	Model          string `koanf:"model"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
	MaxTokens      int    `koanf:"max_tokens"`
}

type StoreConfig struct {
	WorkspaceID              string `koanf:"workspace_id"`
	LockTimeout              string `koanf:"lock_timeout"`
	LockRetry                string `koanf:"lock_retry"`
	LockMaxRetry             int    `koanf:"lock_max_retry"`
	InboxSize                int    `koanf:"inbox_size"`
	TranscriptRotateMaxBytes int64  `koanf:"transcript_rotate_max_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
	WorkspacePath          string `koanf:"workspace_path"`
}

const (
	DefaultWorkspaceID                   = "default"
	DefaultServerHost                    = "127.0.0.1"
	DefaultServerPort                    = 8080
	DefaultServerLogLevel                = "info"
	DefaultServerReadTimeout             = "10s"
	DefaultServerWriteTimeout            = "0s"
	DefaultServerIdleTimeout             = "60s"
	DefaultServerShutdownTimeout         = "5s"
	DefaultPoolMaxSessions               = 1000
	DefaultPoolSessionTimeout            = "30m"
	DefaultPoolCleanupSchedule           = "@every 5m"
	DefaultPoolConnectTimeout            = "30s"
	DefaultHistoryMaxContextMessages     = 20
	DefaultHistoryMaxMessageLength       = 1000
	DefaultStreamPersistTimeout          = "10s"
	DefaultRequestMaxMessageChars        = 10000
	DefaultModelDefault                  = "claude-sonnet"
	DefaultModelMaxTokens                = 4096
	DefaultModelRequestTimeout           = "120s"
	DefaultOpenAIBaseURL                 = "https://api.openai.com/v1"
	DefaultOllamaBaseURL                 = "http://localhost:11434/v1"
	DefaultOllamaAPIKey                  = "ollama"
	DefaultStoreLockTimeout              = "30s"
	DefaultStoreLockRetry                = "100ms"
	DefaultStoreLockMaxRetry             = 300
	DefaultStoreInboxSize                = 100
	DefaultStoreTranscriptRotateMaxBytes = 10 * 1024 * 1024
	DefaultDaemonShutdownTimeout         = "30s"
	DefaultDaemonHealthCheckInterval     = "30s"
	DefaultDaemonStartupShutdownTimeout  = "10s"
	DefaultDaemonStaleLockTTL            = "15m"
)

// Load resolves configuration from defaults, the YAML file, PARLEY_ env vars
// and command flags, in increasing precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.host":                       DefaultServerHost,
		"server.port":                       DefaultServerPort,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"pool.max_sessions":                 DefaultPoolMaxSessions,
		"pool.session_timeout":              DefaultPoolSessionTimeout,
		"pool.cleanup_schedule":             DefaultPoolCleanupSchedule,
		"pool.connect_timeout":              DefaultPoolConnectTimeout,
		"history.max_context_messages":      DefaultHistoryMaxContextMessages,
		"history.max_message_length":        DefaultHistoryMaxMessageLength,
		"stream.persist_timeout":            DefaultStreamPersistTimeout,
		"request.max_message_chars":         DefaultRequestMaxMessageChars,
		"models.default":                    DefaultModelDefault,
		"models.registry":                   defaultRegistry(),
		"store.workspace_id":                DefaultWorkspaceID,
		"store.lock_timeout":                DefaultStoreLockTimeout,
		"store.lock_retry":                  DefaultStoreLockRetry,
		"store.lock_max_retry":              DefaultStoreLockMaxRetry,
		"store.inbox_size":                  DefaultStoreInboxSize,
		"store.transcript_rotate_max_bytes": DefaultStoreTranscriptRotateMaxBytes,
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":      DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":   DefaultDaemonStartupShutdownTimeout,
		"daemon.stale_lock_ttl":             DefaultDaemonStaleLockTTL,
		"daemon.workspace_path":             filepath.Join(os.Getenv("HOME"), ".parley", "workspaces"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".parley", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	k.Load(env.Provider("PARLEY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PARLEY_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "anthropic"
		}
		if m.Model == "" {
			cfg.Models.Registry[i].Model = m.Name
		}
	}

	workspacePath, err := ExpandPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	injectAPIKey(&cfg, "openai", os.Getenv("OPENAI_API_KEY"))
	injectAPIKey(&cfg, "anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	injectAPIKey(&cfg, "gemini", os.Getenv("GEMINI_API_KEY"))
	injectAPIKey(&cfg, "http", os.Getenv("PARLEY_AGENT_TOKEN"))

	return &cfg, nil
}

func defaultRegistry() []ModelRegistry {
	return []ModelRegistry{
		{Name: "claude-sonnet", Provider: "anthropic", Model: "claude-sonnet-4-5"},
		{Name: "claude-haiku", Provider: "anthropic", Model: "claude-haiku-4-5"},
		{Name: "gpt-4o", Provider: "openai", Model: "gpt-4o"},
		{Name: "gemini-flash", Provider: "gemini", Model: "gemini-2.5-flash"},
		{Name: "local-llama", Provider: "ollama", Model: "llama3.2", BaseURL: DefaultOllamaBaseURL},
		{Name: "echo", Provider: "echo"},
	}
}

func injectAPIKey(cfg *Config, provider, key string) {
	if key == "" {
		return
	}
	for i, m := range cfg.Models.Registry {
		if m.Provider == provider && m.APIKey == "" {
			cfg.Models.Registry[i].APIKey = key
		}
	}
}

// ModelNames lists the registry entry names in configured order.
func (c ModelsConfig) ModelNames() []string {
	names := make([]string, 0, len(c.Registry))
	for _, m := range c.Registry {
		names = append(names, m.Name)
	}
	return names
}

// Lookup returns the registry entry called name.
func (c ModelsConfig) Lookup(name string) (ModelRegistry, bool) {
	for _, m := range c.Registry {
		if m.Name == name {
			return m, true
		}
	}
	return ModelRegistry{}, false
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	out.Models.Registry = make([]ModelRegistry, len(c.Models.Registry))
	copy(out.Models.Registry, c.Models.Registry)
	for i := range out.Models.Registry {
		if out.Models.Registry[i].APIKey != "" {
			out.Models.Registry[i].APIKey = "***"
		}
	}
	return out
}

// ExpandPath resolves environment variables and "~/" home shortcuts.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(expanded, "~"), "/"))
	}

	return filepath.Clean(expanded), nil
}

func homeDir() (string, error) {
	if home, err := os.UserHomeDir(); err == nil && home != "" && !strings.HasPrefix(home, "~") {
		return home, nil
	}
	if current, err := user.Current(); err == nil && current.HomeDir != "" {
		return current.HomeDir, nil
	}
	return "", fmt.Errorf("HOME is not set")
}
