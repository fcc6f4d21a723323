// Package event defines the canonical stream event set shared by the server
// coordinator and stream clients.
package event

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator of a canonical event.
type Type string

const (
	TypeTextDelta Type = "text-delta"
	TypeToolCall  Type = "tool-call"
	TypePlan      Type = "plan"
	TypeFinish    Type = "finish"
	TypeError     Type = "error"
)

// DefaultStopReason is used when a finish carries no reason.
const DefaultStopReason = "end_turn"

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// PlanStatus is the state of a single plan entry.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
)

type AgentInfo struct {
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

type ToolCall struct {
	ID       string         `json:"id,omitempty"`
	ToolName string         `json:"toolName"`
	Status   ToolStatus     `json:"status"`
	Label    string         `json:"label,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type PlanEntry struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"activeForm"`
	Status     PlanStatus `json:"status"`
	Priority   string     `json:"priority,omitempty"`
}

// Event is one canonical stream event. Exactly one of the concrete types
// below implements it per value.
type Event interface {
	Type() Type
}

// TextDelta carries the full current assistant text, not an increment.
type TextDelta struct {
	Text      string     `json:"text"`
	AgentInfo *AgentInfo `json:"agentInfo,omitempty"`
}

type ToolCallEvent struct {
	ToolCall
}

type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

type Finish struct {
	StopReason string `json:"stopReason"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (TextDelta) Type() Type     { return TypeTextDelta }
func (ToolCallEvent) Type() Type { return TypeToolCall }
func (Plan) Type() Type          { return TypePlan }
func (Finish) Type() Type        { return TypeFinish }
func (Error) Type() Type         { return TypeError }

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev Event) bool {
	if ev == nil {
		return false
	}
	t := ev.Type()
	return t == TypeFinish || t == TypeError
}

// Marshal encodes ev as a JSON object carrying a "type" discriminator.
func Marshal(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case TextDelta:
		return json.Marshal(struct {
			Type Type `json:"type"`
			TextDelta
		}{e.Type(), e})
	case ToolCallEvent:
		return json.Marshal(struct {
			Type Type `json:"type"`
			ToolCall
		}{e.Type(), e.ToolCall})
	case Plan:
		if e.Entries == nil {
			e.Entries = []PlanEntry{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			Plan
		}{e.Type(), e})
	case Finish:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Finish
		}{e.Type(), e})
	case Error:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Error
		}{e.Type(), e})
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
}

// Unmarshal decodes a JSON object produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case TypeTextDelta:
		var e TextDelta
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeToolCall:
		var e ToolCallEvent
		err := json.Unmarshal(data, &e.ToolCall)
		return e, err
	case TypePlan:
		var e Plan
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeFinish:
		var e Finish
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeError:
		var e Error
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
}
