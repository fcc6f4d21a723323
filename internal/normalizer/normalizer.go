// Package normalizer maps the loosely typed upstream event vocabulary onto
// the canonical event set.
package normalizer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/parley/internal/event"
	"github.com/harunnryd/parley/internal/upstream"
)

// UnknownErrorMessage is reported when an error event carries no usable text.
const UnknownErrorMessage = "Unknown error from agent"

// Kind is the canonical handler a raw tag resolves to.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindToolCall
	KindToolResult
	KindPlan
	KindFinish
	KindError
)

func defaultAliases() map[string]Kind {
	return map[string]Kind{
		"text":          KindText,
		"text-delta":    KindText,
		"text_delta":    KindText,
		"assistant":     KindText,
		"tool-call":     KindToolCall,
		"tool_call":     KindToolCall,
		"tool_use":      KindToolCall,
		"tool-result":   KindToolResult,
		"tool_result":   KindToolResult,
		"plan":          KindPlan,
		"plan_update":   KindPlan,
		"todo":          KindPlan,
		"done":          KindFinish,
		"finish":        KindFinish,
		"result":        KindFinish,
		"turn_complete": KindFinish,
		"error":         KindError,
	}
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	mu      sync.RWMutex
	aliases map[string]Kind
	logger  *slog.Logger
}

func New() *Normalizer {
	return &Normalizer{
		aliases: defaultAliases(),
		logger:  slog.Default().With("component", "normalizer"),
	}
}

// Register maps an additional raw tag onto a canonical kind.
func (n *Normalizer) Register(alias string, kind Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aliases[alias] = kind
}

func (n *Normalizer) lookup(tag string) Kind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.aliases[tag]
}

// Normalize converts raw into a canonical event. ok is false for events that
// should be skipped.
func (n *Normalizer) Normalize(raw upstream.RawEvent) (ev event.Event, ok bool) {
	if raw == nil {
		return nil, false
	}

	tag := raw.Type()
	switch n.lookup(tag) {
	case KindText:
		return textDelta(raw), true
	case KindToolCall:
		return toolCall(raw, false), true
	case KindToolResult:
		return toolCall(raw, true), true
	case KindPlan:
		return plan(raw), true
	case KindFinish:
		return finish(raw), true
	case KindError:
		return errorEvent(raw), true
	default:
		n.logger.Warn("Unknown upstream event type", "type", tag)
		return nil, false
	}
}

func textDelta(raw upstream.RawEvent) event.TextDelta {
	ev := event.TextDelta{Text: extractText(raw)}
	if info := agentInfo(raw); info != nil {
		ev.AgentInfo = info
	}
	return ev
}

func extractText(raw upstream.RawEvent) string {
	switch c := raw["content"].(type) {
	case string:
		if c != "" {
			return c
		}
	case map[string]any:
		if s := str(c, "text"); s != "" {
			return s
		}
	case []any:
		var b strings.Builder
		for _, part := range c {
			if m, ok := part.(map[string]any); ok {
				b.WriteString(str(m, "text"))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	if chunk, ok := raw["chunk"].(map[string]any); ok {
		if s := firstString(chunk, "text", "content"); s != "" {
			return s
		}
	}
	return firstString(raw, "text", "delta")
}

func agentInfo(raw upstream.RawEvent) *event.AgentInfo {
	if m, ok := raw["agentInfo"].(map[string]any); ok {
		if name := str(m, "name"); name != "" {
			return &event.AgentInfo{Name: name, Model: str(m, "model")}
		}
	}
	if name := firstString(raw, "agent", "agent_name"); name != "" {
		return &event.AgentInfo{Name: name, Model: str(raw, "model")}
	}
	return nil
}

func toolCall(raw upstream.RawEvent, isResult bool) event.ToolCallEvent {
	tc := event.ToolCall{
		ID:       firstString(raw, "toolCallId", "tool_call_id", "id"),
		ToolName: firstString(raw, "toolName", "tool_name", "name"),
		Label:    firstString(raw, "label", "title", "description"),
	}
	if tc.ToolName == "" {
		tc.ToolName = "unknown"
	}
	for _, k := range []string{"args", "input", "arguments", "parameters"} {
		if args, ok := toolArgs(raw[k]); ok {
			tc.Args = args
			break
		}
	}
	for _, k := range []string{"result", "output"} {
		if v, ok := raw[k]; ok && v != nil {
			tc.Result = v
			break
		}
	}

	errText := firstString(raw, "error")
	if m, ok := raw["error"].(map[string]any); ok {
		errText = str(m, "message")
	}
	isError, _ := raw["is_error"].(bool)
	if isError && errText == "" {
		if s, ok := tc.Result.(string); ok {
			errText = s
		}
	}
	tc.Error = errText

	tc.Status = toolStatus(str(raw, "status"))
	if tc.Status == "" {
		switch {
		case errText != "" || isError:
			tc.Status = event.ToolFailed
		case isResult:
			tc.Status = event.ToolCompleted
		default:
			tc.Status = event.ToolExecuting
		}
	}
	return event.ToolCallEvent{ToolCall: tc}
}

// toolArgs accepts an argument object, or a string holding one as the
// function-calling wire format sends it. A string that is not a JSON object is
// kept verbatim under "raw".
func toolArgs(v any) (map[string]any, bool) {
	switch a := v.(type) {
	case map[string]any:
		return a, true
	case string:
		text := strings.TrimSpace(a)
		if text == "" {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(text), &m); err == nil && m != nil {
			return m, true
		}
		return map[string]any{"raw": a}, true
	default:
		return nil, false
	}
}

func toolStatus(s string) event.ToolStatus {
	switch strings.ToLower(s) {
	case "pending", "queued":
		return event.ToolPending
	case "executing", "running", "in_progress", "started":
		return event.ToolExecuting
	case "completed", "complete", "success", "succeeded", "done":
		return event.ToolCompleted
	case "failed", "error", "errored", "cancelled":
		return event.ToolFailed
	default:
		return ""
	}
}

func plan(raw upstream.RawEvent) event.Plan {
	var items []any
	for _, k := range []string{"entries", "todos", "items"} {
		if v, ok := raw[k].([]any); ok {
			items = v
			break
		}
	}
	if items == nil {
		if p, ok := raw["plan"].(map[string]any); ok {
			items, _ = p["entries"].([]any)
		}
	}

	entries := make([]event.PlanEntry, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content := firstString(m, "content", "text", "title")
		entry := event.PlanEntry{
			ID:         firstString(m, "id"),
			Content:    content,
			ActiveForm: firstString(m, "activeForm", "active_form"),
			Status:     planStatus(str(m, "status")),
			Priority:   str(m, "priority"),
		}
		if entry.ID == "" {
			entry.ID = fmt.Sprintf("%d", i+1)
		}
		if entry.ActiveForm == "" {
			entry.ActiveForm = content
		}
		entries = append(entries, entry)
	}
	return event.Plan{Entries: entries}
}

func planStatus(s string) event.PlanStatus {
	switch strings.ToLower(s) {
	case "in_progress", "in-progress", "active", "running":
		return event.PlanInProgress
	case "completed", "complete", "done":
		return event.PlanCompleted
	case "failed", "error", "cancelled":
		return event.PlanFailed
	default:
		return event.PlanPending
	}
}

func finish(raw upstream.RawEvent) event.Finish {
	reason := firstString(raw, "stopReason", "stop_reason", "reason")
	if reason == "" {
		reason = event.DefaultStopReason
	}
	return event.Finish{StopReason: reason}
}

func errorEvent(raw upstream.RawEvent) event.Error {
	ev := event.Error{Message: errorMessage(raw), Code: str(raw, "code")}
	if ev.Code == "" {
		if m, ok := raw["error"].(map[string]any); ok {
			ev.Code = str(m, "code")
		}
	}
	return ev
}

func errorMessage(raw upstream.RawEvent) string {
	if s := str(raw, "message"); s != "" {
		return s
	}
	switch e := raw["error"].(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]any:
		if s := str(e, "message"); s != "" {
			return s
		}
	}
	if s := firstString(raw, "detail", "reason"); s != "" {
		return s
	}
	return UnknownErrorMessage
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m, k); s != "" {
			return s
		}
	}
	return ""
}
