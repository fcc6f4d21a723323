package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func clearProviderKeys(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("PARLEY_AGENT_TOKEN", "")
}

func TestLoadDefaults(t *testing.T) {
	clearProviderKeys(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Pool.MaxSessions != DefaultPoolMaxSessions {
		t.Errorf("Expected max sessions %d, got %d", DefaultPoolMaxSessions, cfg.Pool.MaxSessions)
	}
	if cfg.Pool.SessionTimeout != DefaultPoolSessionTimeout {
		t.Errorf("Expected session timeout %s, got %s", DefaultPoolSessionTimeout, cfg.Pool.SessionTimeout)
	}
	if cfg.Pool.CleanupSchedule != DefaultPoolCleanupSchedule {
		t.Errorf("Expected cleanup schedule %s, got %s", DefaultPoolCleanupSchedule, cfg.Pool.CleanupSchedule)
	}
	if cfg.History.MaxContextMessages != DefaultHistoryMaxContextMessages {
		t.Errorf("Expected max context messages %d, got %d", DefaultHistoryMaxContextMessages, cfg.History.MaxContextMessages)
	}
	if cfg.History.MaxMessageLength != DefaultHistoryMaxMessageLength {
		t.Errorf("Expected max message length %d, got %d", DefaultHistoryMaxMessageLength, cfg.History.MaxMessageLength)
	}
	if cfg.Models.Default != DefaultModelDefault {
		t.Errorf("Expected default model %s, got %s", DefaultModelDefault, cfg.Models.Default)
	}
	if _, ok := cfg.Models.Lookup("echo"); !ok {
		t.Errorf("Expected echo model in default registry, got %v", cfg.Models.ModelNames())
	}
	if cfg.Store.TranscriptRotateMaxBytes != DefaultStoreTranscriptRotateMaxBytes {
		t.Errorf("Expected rotate bytes %d, got %d", DefaultStoreTranscriptRotateMaxBytes, cfg.Store.TranscriptRotateMaxBytes)
	}
	wantWorkspace := filepath.Join(os.Getenv("HOME"), ".parley", "workspaces")
	if cfg.Daemon.WorkspacePath != wantWorkspace {
		t.Errorf("Expected workspace path %s, got %s", wantWorkspace, cfg.Daemon.WorkspacePath)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	clearProviderKeys(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
pool:
  max_sessions: 5
  session_timeout: 10m
models:
  default: fast
  registry:
    - name: fast
      provider: openai
      model: gpt-4o-mini
    - name: remote
      provider: http
      base_url: http://agent.local/turns
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PARLEY_SERVER_PORT", "9191")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", path, "")

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Pool.MaxSessions != 5 {
		t.Errorf("Expected max sessions 5, got %d", cfg.Pool.MaxSessions)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Expected env port 9191, got %d", cfg.Server.Port)
	}
	fast, ok := cfg.Models.Lookup("fast")
	if !ok {
		t.Fatalf("Expected fast model, got %v", cfg.Models.ModelNames())
	}
	if fast.APIKey != "sk-test" {
		t.Errorf("Expected injected api key, got %q", fast.APIKey)
	}
	remote, _ := cfg.Models.Lookup("remote")
	if remote.Model != "remote" {
		t.Errorf("Expected model to default to name, got %q", remote.Model)
	}
	if got := cfg.Redacted().Models.Registry[0].APIKey; got != "***" {
		t.Errorf("Expected redacted key, got %q", got)
	}
	if cfg.Models.Registry[0].APIKey != "sk-test" {
		t.Errorf("Redacted mutated original config")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearProviderKeys(t)

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", filepath.Join(t.TempDir(), "missing.yaml"), "")

	if _, err := Load(cmd); err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestDurationOrDefault(t *testing.T) {
	tests := []struct {
		value, def string
		want       time.Duration
		wantErr    bool
	}{
		{"", "5m", 5 * time.Minute, false},
		{" 2s ", "5m", 2 * time.Second, false},
		{"", "", 0, true},
		{"soon", "5m", 0, true},
		{"-1s", "5m", 0, true},
		{"0s", "5m", 0, false},
	}
	for _, tt := range tests {
		got, err := DurationOrDefault(tt.value, tt.def)
		if (err != nil) != tt.wantErr {
			t.Errorf("DurationOrDefault(%q, %q) error = %v, wantErr %v", tt.value, tt.def, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("DurationOrDefault(%q, %q) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PARLEY_TEST_DIR", "data")

	got, err := ExpandPath("~/x/$PARLEY_TEST_DIR")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if want := filepath.Join(home, "x", "data"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	got, _ = ExpandPath("  ")
	if got != "" {
		t.Errorf("Expected empty path, got %q", got)
	}
}
