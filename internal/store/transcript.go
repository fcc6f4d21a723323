package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/harunnryd/parley/internal/conversation"

	"github.com/klauspost/compress/zstd"
)

const maxLineBytes = 16 * 1024 * 1024

// ReadTranscriptFile reads a conversation straight from disk without going
// through a running worker. It never takes the workspace lock, so it is safe
// to use while a daemon owns the workspace.
func ReadTranscriptFile(workspaceRootPath, workspaceID, conversationID string, limit int) ([]conversation.Message, error) {
	dir, err := GetConversationsDir(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}
	return readMessages(dir, conversationID, limit)
}

// ReadConversationIndex lists the workspace's conversations straight from
// the index file, most recently updated first. Like ReadTranscriptFile it
// does not take the workspace lock.
func ReadConversationIndex(workspaceRootPath, workspaceID string) ([]ConversationMeta, error) {
	dir, err := GetConversationsDir(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if os.IsNotExist(err) {
		return []ConversationMeta{}, nil
	}
	if err != nil {
		return nil, err
	}
	var index ConversationIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse conversation index: %w", err)
	}
	return sortedConversations(&index), nil
}

// readMessages returns the newest limit messages (all when limit <= 0),
// oldest first, walking back through rotated archives as needed.
func readMessages(dir, conversationID string, limit int) ([]conversation.Message, error) {
	f, err := os.Open(transcriptPath(dir, conversationID))
	var msgs []conversation.Message
	switch {
	case err == nil:
		msgs, err = decodeLines(f)
		f.Close()
		if err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if limit <= 0 || len(msgs) < limit {
		archives, err := listArchives(dir, conversationID)
		if err != nil {
			return nil, err
		}
		for i := len(archives) - 1; i >= 0; i-- {
			if limit > 0 && len(msgs) >= limit {
				break
			}
			older, err := readArchive(archives[i])
			if err != nil {
				slog.Warn("Skipping unreadable transcript archive", "path", archives[i], "error", err)
				continue
			}
			msgs = append(older, msgs...)
		}
	}

	if msgs == nil {
		msgs = []conversation.Message{}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func decodeLines(r io.Reader) ([]conversation.Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var msgs []conversation.Message
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg conversation.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("Skipping malformed transcript line", "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, scanner.Err()
}

func readArchive(path string) ([]conversation.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decodeLines(dec)
}

func archivePath(dir, conversationID string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", TranscriptName(conversationID), at.Format("20060102T150405.000000000"), archiveExt))
}

// listArchives returns rotated archives oldest first.
func listArchives(dir, conversationID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, TranscriptName(conversationID)+".*"+archiveExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// rotate compresses src into dst and removes src. src is left untouched if
// compression fails.
func rotate(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to compress transcript: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
