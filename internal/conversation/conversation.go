// Package conversation holds the client-side transcript model and the reducer
// that folds canonical stream events into it.
package conversation

import (
	"log/slog"
	"time"

	"github.com/harunnryd/parley/internal/event"
	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	AgentInfo  *event.AgentInfo  `json:"agentInfo,omitempty"`
	ToolCalls  []event.ToolCall  `json:"toolCalls,omitempty"`
	Plan       []event.PlanEntry `json:"plan,omitempty"`
	StopReason string            `json:"stopReason,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func NewUser(text string) Message {
	return Message{ID: ulid.Make().String(), Role: RoleUser, Content: text, CreatedAt: time.Now()}
}

// NewAssistant returns the empty placeholder a streamed turn is folded into.
func NewAssistant() Message {
	return Message{ID: ulid.Make().String(), Role: RoleAssistant, CreatedAt: time.Now()}
}

// Apply folds ev into the last message, which must be an assistant message.
// The input slice and its messages are never mutated; only the last element
// of the result is a fresh copy.
func Apply(messages []Message, ev event.Event) []Message {
	if ev == nil || ev.Type() == event.TypeError {
		return messages
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != RoleAssistant {
		slog.Warn("Stream event without assistant message", "type", ev.Type())
		return messages
	}

	last := messages[len(messages)-1]
	switch e := ev.(type) {
	case event.TextDelta:
		last.Content = e.Text
		if e.AgentInfo != nil {
			info := *e.AgentInfo
			last.AgentInfo = &info
		}
	case event.ToolCallEvent:
		last.ToolCalls = MergeToolCall(last.ToolCalls, e.ToolCall)
	case event.Plan:
		last.Plan = append([]event.PlanEntry(nil), e.Entries...)
	case event.Finish:
		last.StopReason = e.StopReason
	default:
		return messages
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	out[len(out)-1] = last
	return out
}

// Fold applies every event in order.
func Fold(messages []Message, events ...event.Event) []Message {
	for _, ev := range events {
		messages = Apply(messages, ev)
	}
	return messages
}

// MergeToolCall returns a new slice where tc replaces the entry with the same
// tool name, or is appended when none exists. Empty fields of tc keep the
// previous values.
func MergeToolCall(calls []event.ToolCall, tc event.ToolCall) []event.ToolCall {
	out := make([]event.ToolCall, len(calls), len(calls)+1)
	copy(out, calls)
	for i := range out {
		if out[i].ToolName != tc.ToolName {
			continue
		}
		merged := out[i]
		if tc.ID != "" {
			merged.ID = tc.ID
		}
		if tc.Status != "" {
			merged.Status = tc.Status
		}
		if tc.Label != "" {
			merged.Label = tc.Label
		}
		if tc.Args != nil {
			merged.Args = tc.Args
		}
		if tc.Result != nil {
			merged.Result = tc.Result
		}
		if tc.Error != "" {
			merged.Error = tc.Error
		}
		out[i] = merged
		return out
	}
	return append(out, tc)
}

// ErrorText returns the message to surface for an error event, or "" when ev
// is not an error.
func ErrorText(ev event.Event) string {
	if e, ok := ev.(event.Error); ok {
		return e.Message
	}
	return ""
}
