package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/parley/internal/config"
	"github.com/harunnryd/parley/internal/conversation"
	parleyErrors "github.com/harunnryd/parley/internal/errors"

	"github.com/natefinch/atomic"
)

type Operation int

const (
	OpSaveMessage Operation = iota
	OpLoadRecent
	OpResetConversation
	OpListConversations
)

type Request struct {
	Op      Operation
	Payload any
	Reply   chan Reply
}

type Reply struct {
	Value any
	Err   error
}

type SaveMessagePayload struct {
	ConversationID string
	Message        conversation.Message
}

type LoadRecentPayload struct {
	ConversationID string
	Limit          int // 0 = all
}

type ResetConversationPayload struct {
	ConversationID string
}

// Worker owns a workspace directory. Every mutation runs on its single loop
// goroutine, so the in-memory index needs no locking.
type Worker struct {
	workspaceID              string
	basePath                 string
	dir                      string
	inbox                    chan Request
	fileLock                 *FileLock
	quit                     chan struct{}
	done                     chan struct{}
	stopOnce                 sync.Once
	wg                       sync.WaitGroup
	index                    *ConversationIndex
	started                  stdatomic.Bool
	running                  stdatomic.Bool
	transcriptRotateMaxBytes int64
}

type RuntimeConfig struct {
	LockTimeout              time.Duration
	LockRetry                time.Duration
	LockMaxRetry             int
	InboxSize                int
	TranscriptRotateMaxBytes int64
}

func NewWorker(workspaceID string, workspaceRootPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	basePath, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(basePath, conversationsDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dir %s: %w", dir, err)
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	runtimeCfg.LockMaxRetry = config.PositiveOrDefault(runtimeCfg.LockMaxRetry, config.DefaultStoreLockMaxRetry)
	runtimeCfg.InboxSize = config.PositiveOrDefault(runtimeCfg.InboxSize, config.DefaultStoreInboxSize)
	if runtimeCfg.TranscriptRotateMaxBytes <= 0 {
		runtimeCfg.TranscriptRotateMaxBytes = config.DefaultStoreTranscriptRotateMaxBytes
	}

	fileLock, err := NewFileLock(workspaceID, basePath, &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	index := &ConversationIndex{Conversations: make(map[string]ConversationMeta)}
	if data, err := os.ReadFile(filepath.Join(dir, indexFileName)); err == nil {
		if err := json.Unmarshal(data, index); err != nil {
			slog.Warn("Failed to parse conversation index, starting fresh", "error", err)
			index = &ConversationIndex{Conversations: make(map[string]ConversationMeta)}
		}
		if index.Conversations == nil {
			index.Conversations = make(map[string]ConversationMeta)
		}
	}

	return &Worker{
		workspaceID:              workspaceID,
		basePath:                 basePath,
		dir:                      dir,
		inbox:                    make(chan Request, runtimeCfg.InboxSize),
		fileLock:                 fileLock,
		quit:                     make(chan struct{}),
		done:                     make(chan struct{}),
		index:                    index,
		transcriptRotateMaxBytes: runtimeCfg.TranscriptRotateMaxBytes,
	}, nil
}

func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("StoreWorker started", "workspace", w.workspaceID)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		close(w.done)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			w.serve(req)
		case <-w.quit:
			// Requests already queued still get an answer.
			for {
				select {
				case req := <-w.inbox:
					w.serve(req)
				default:
					slog.Info("StoreWorker stopping")
					return
				}
			}
		}
	}
}

func (w *Worker) serve(req Request) {
	value, err := w.handle(req)
	if req.Reply != nil {
		req.Reply <- Reply{Value: value, Err: err}
	}
}

func (w *Worker) handle(req Request) (any, error) {
	switch req.Op {
	case OpSaveMessage:
		p, ok := req.Payload.(SaveMessagePayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for SaveMessage")
		}
		return nil, w.saveMessage(p.ConversationID, p.Message)
	case OpLoadRecent:
		p, ok := req.Payload.(LoadRecentPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for LoadRecent")
		}
		return readMessages(w.dir, p.ConversationID, p.Limit)
	case OpResetConversation:
		p, ok := req.Payload.(ResetConversationPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for ResetConversation")
		}
		return nil, w.resetConversation(p.ConversationID)
	case OpListConversations:
		return w.listConversations(), nil
	default:
		return nil, fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (w *Worker) saveMessage(conversationID string, msg conversation.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return parleyErrors.Wrap(err, "encode message")
	}

	path := transcriptPath(w.dir, conversationID)
	if err := w.checkAndRotate(conversationID, path); err != nil {
		slog.Warn("Failed to rotate transcript", "conversation_id", conversationID, "error", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	now := time.Now().UTC()
	meta, ok := w.index.Conversations[conversationID]
	if !ok {
		meta = ConversationMeta{ID: conversationID, File: TranscriptName(conversationID), CreatedAt: now}
	}
	meta.MessageCount++
	meta.UpdatedAt = now
	w.index.Conversations[conversationID] = meta
	return w.saveIndex()
}

func (w *Worker) resetConversation(conversationID string) error {
	path := transcriptPath(w.dir, conversationID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	archives, err := listArchives(w.dir, conversationID)
	if err != nil {
		return err
	}
	for _, a := range archives {
		if err := os.Remove(a); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if _, ok := w.index.Conversations[conversationID]; !ok {
		return nil
	}
	delete(w.index.Conversations, conversationID)
	return w.saveIndex()
}

func (w *Worker) listConversations() []ConversationMeta {
	return sortedConversations(w.index)
}

// sortedConversations orders the index most recently updated first.
func sortedConversations(index *ConversationIndex) []ConversationMeta {
	out := make([]ConversationMeta, 0, len(index.Conversations))
	for _, meta := range index.Conversations {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (w *Worker) saveIndex() error {
	data, err := json.MarshalIndent(w.index, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(w.dir, indexFileName), bytes.NewReader(data))
}

func (w *Worker) checkAndRotate(conversationID, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < w.transcriptRotateMaxBytes {
		return nil
	}

	slog.Info("Rotating transcript", "conversation_id", conversationID, "size", info.Size())
	return rotate(path, archivePath(w.dir, conversationID, time.Now().UTC()))
}

// Public API for other components

func (w *Worker) submit(ctx context.Context, op Operation, payload any) (any, error) {
	reply := make(chan Reply, 1)
	select {
	case w.inbox <- Request{Op: op, Payload: payload, Reply: reply}:
	case <-w.quit:
		return nil, errStopped()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		select {
		case r := <-reply:
			return r.Value, r.Err
		default:
			return nil, errStopped()
		}
	}
}

func errStopped() error {
	return parleyErrors.Wrap(parleyErrors.ErrInternal, "store worker stopped")
}

// SaveMessage appends msg to the conversation transcript.
func (w *Worker) SaveMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if conversationID == "" {
		return parleyErrors.InvalidInput("conversation id is required")
	}
	_, err := w.submit(ctx, OpSaveMessage, SaveMessagePayload{ConversationID: conversationID, Message: msg})
	return err
}

// LoadRecentMessages returns up to limit of the newest messages, oldest
// first. Rotated archives are consulted when the live file holds fewer.
func (w *Worker) LoadRecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	if conversationID == "" {
		return nil, parleyErrors.InvalidInput("conversation id is required")
	}
	val, err := w.submit(ctx, OpLoadRecent, LoadRecentPayload{ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return val.([]conversation.Message), nil
}

func (w *Worker) ResetConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return parleyErrors.InvalidInput("conversation id is required")
	}
	_, err := w.submit(ctx, OpResetConversation, ResetConversationPayload{ConversationID: conversationID})
	return err
}

// ListConversations returns index entries, most recently updated first.
func (w *Worker) ListConversations(ctx context.Context) ([]ConversationMeta, error) {
	val, err := w.submit(ctx, OpListConversations, nil)
	if err != nil {
		return nil, err
	}
	return val.([]ConversationMeta), nil
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("StoreWorker Stop called", "workspace", w.workspaceID, "lock_held", w.fileLock.IsLocked())
		close(w.quit)
		if !w.started.CompareAndSwap(false, true) {
			w.wg.Wait()
		} else {
			close(w.done)
		}
		w.fileLock.Unlock()
	})
}

func (w *Worker) IsLockHeld() bool {
	return w.fileLock.IsLocked()
}

func (w *Worker) IsRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}

func (w *Worker) BasePath() string {
	return w.basePath
}
