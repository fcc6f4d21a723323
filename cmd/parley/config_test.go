package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/parley/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func TestConfigInitCmd(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("Config init failed: %v", err)
	}

	configPath := filepath.Join(tmpDir, ".parley", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Config file not created at %s: %v", configPath, err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("template is not valid YAML: %v", err)
	}
	for _, section := range []string{"server", "pool", "models", "store", "daemon"} {
		if _, ok := parsed[section]; !ok {
			t.Errorf("template missing %q section", section)
		}
	}

	if err := configInitCmd.RunE(cmd, nil); err != nil {
		t.Errorf("Config init should succeed when config exists: %v", err)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Errorf("expected existing config notice, got %q", out.String())
	}
}

func TestConfigViewMasksSecrets(t *testing.T) {
	previous := cfg
	t.Cleanup(func() { cfg = previous })
	cfg = &config.Config{
		Server: config.ServerConfig{Port: 9090},
		Models: config.ModelsConfig{
			Default: "m1",
			Registry: []config.ModelRegistry{
				{Name: "m1", Provider: "anthropic", APIKey: "sk-secret-123456"},
			},
		},
	}

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := configViewCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("config view failed: %v", err)
	}

	text := out.String()
	if strings.Contains(text, "sk-secret-123456") {
		t.Fatal("API key leaked into config view")
	}
	if !strings.Contains(text, "api_key: '***'") && !strings.Contains(text, `api_key: "***"`) {
		t.Errorf("expected masked api_key, got:\n%s", text)
	}
	if !strings.Contains(text, "port: 9090") {
		t.Errorf("expected snake_case keys from config, got:\n%s", text)
	}
	if cfg.Models.Registry[0].APIKey != "sk-secret-123456" {
		t.Error("view must not mutate the loaded config")
	}
}
