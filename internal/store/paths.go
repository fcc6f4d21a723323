package store

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/parley/internal/config"
	"github.com/zeebo/blake3"
)

const (
	conversationsDirName = "conversations"
	indexFileName        = "index.json"
	lockFileName         = "workspace.lock"
	transcriptExt        = ".jsonl"
	archiveExt           = ".jsonl.zst"
)

// ResolveWorkspaceRootPath resolves the configured workspace root.
// If empty, it falls back to ~/.parley/workspaces.
func ResolveWorkspaceRootPath(workspaceRootPath string) (string, error) {
	if trimmed := strings.TrimSpace(workspaceRootPath); trimmed != "" {
		return config.ExpandPath(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".parley", "workspaces"), nil
}

// GetWorkspacePath returns the base path for a workspace.
func GetWorkspacePath(workspaceID string, workspaceRootPath string) (string, error) {
	root, err := ResolveWorkspaceRootPath(workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, workspaceID), nil
}

// GetConversationsDir returns the transcript directory for a workspace.
func GetConversationsDir(workspaceID string, workspaceRootPath string) (string, error) {
	base, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, conversationsDirName), nil
}

// TranscriptName is the file stem used for a conversation. Conversation ids
// are client supplied, so they are hashed rather than used as paths.
func TranscriptName(conversationID string) string {
	sum := blake3.Sum256([]byte(conversationID))
	return hex.EncodeToString(sum[:16])
}

func transcriptPath(dir, conversationID string) string {
	return filepath.Join(dir, TranscriptName(conversationID)+transcriptExt)
}
