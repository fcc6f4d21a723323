package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/conversation"
	"github.com/harunnryd/parley/internal/store"

	"github.com/spf13/cobra"
)

func withWorkspace(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	previous := cfg
	t.Cleanup(func() { cfg = previous })
	cfg = &config.Config{Daemon: config.DaemonConfig{WorkspacePath: root}, Store: config.StoreConfig{WorkspaceID: "ws"}}
	return root, "ws"
}

func seed(t *testing.T, root, workspaceID string, msgs ...conversation.Message) {
	t.Helper()
	w, err := store.NewWorker(workspaceID, root, store.RuntimeConfig{LockTimeout: 200 * time.Millisecond, LockRetry: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	w.Start()
	defer w.Stop()
	for _, m := range msgs {
		if err := w.SaveMessage(context.Background(), "conv-1", m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
}

func newCmd(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().StringP("workspace", "w", "", "")
	cmd.Flags().Int("limit", 0, "")
	cmd.SetOut(out)
	return cmd
}

func TestConversationsLsAndShow(t *testing.T) {
	root, ws := withWorkspace(t)

	var out bytes.Buffer
	if err := conversationsLsCmd.RunE(newCmd(&out), nil); err != nil {
		t.Fatalf("ls on empty workspace: %v", err)
	}
	if !strings.Contains(out.String(), "No conversations found") {
		t.Errorf("unexpected ls output: %q", out.String())
	}

	reply := conversation.NewAssistant()
	reply.Content = "hi back"
	seed(t, root, ws, conversation.NewUser("hi"), reply)

	out.Reset()
	if err := conversationsLsCmd.RunE(newCmd(&out), nil); err != nil {
		t.Fatalf("ls: %v", err)
	}
	if !strings.Contains(out.String(), "conv-1") {
		t.Errorf("expected conv-1 in listing, got %q", out.String())
	}

	out.Reset()
	if err := conversationsShowCmd.RunE(newCmd(&out), []string{"conv-1"}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "hi back") {
		t.Errorf("expected transcript in show output, got %q", out.String())
	}
}

func TestConversationsReset(t *testing.T) {
	root, ws := withWorkspace(t)
	seed(t, root, ws, conversation.NewUser("hi"))

	var out bytes.Buffer
	if err := conversationsResetCmd.RunE(newCmd(&out), []string{"conv-1"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	msgs, err := store.ReadTranscriptFile(root, ws, "conv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty transcript after reset, got %d", len(msgs))
	}
}

func TestConversationsResetFailsWhileWorkspaceHeld(t *testing.T) {
	root, ws := withWorkspace(t)
	w, err := store.NewWorker(ws, root, store.RuntimeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	var out bytes.Buffer
	if err := conversationsResetCmd.RunE(newCmd(&out), []string{"conv-1"}); err == nil {
		t.Fatal("expected reset to fail while another worker holds the lock")
	}
}

func TestModelsCmdMarksDefault(t *testing.T) {
	previous := cfg
	t.Cleanup(func() { cfg = previous })
	cfg = &config.Config{Models: config.ModelsConfig{
		Default:  "echo",
		Registry: []config.ModelRegistry{{Name: "echo", Provider: "echo"}, {Name: "gpt-4o", Provider: "openai"}},
	}}

	var out bytes.Buffer
	if err := modelsCmd.RunE(newCmd(&out), nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "gpt-4o") || !strings.Contains(out.String(), "*") {
		t.Errorf("unexpected models output: %q", out.String())
	}
}
