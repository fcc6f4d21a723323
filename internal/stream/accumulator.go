package stream

import (
	"github.com/harunnryd/parley/internal/conversation"
	"github.com/harunnryd/parley/internal/event"
)

// Accumulator is the running fold of one streamed turn: text is overwritten,
// agent info and plan keep the latest value, tool calls merge by tool name.
type Accumulator struct {
	Text       string
	AgentInfo  *event.AgentInfo
	ToolCalls  []event.ToolCall
	Plan       []event.PlanEntry
	StopReason string
	Err        *event.Error
}

func (a *Accumulator) Apply(ev event.Event) {
	switch e := ev.(type) {
	case event.TextDelta:
		a.Text = e.Text
		if e.AgentInfo != nil {
			info := *e.AgentInfo
			a.AgentInfo = &info
		}
	case event.ToolCallEvent:
		a.ToolCalls = conversation.MergeToolCall(a.ToolCalls, e.ToolCall)
	case event.Plan:
		a.Plan = append([]event.PlanEntry(nil), e.Entries...)
	case event.Finish:
		a.StopReason = e.StopReason
	case event.Error:
		errCopy := e
		a.Err = &errCopy
	}
}

// Empty reports whether nothing worth persisting was produced.
func (a *Accumulator) Empty() bool {
	return a.Text == "" && len(a.ToolCalls) == 0 && len(a.Plan) == 0
}

// Message renders the accumulated turn as an assistant message.
func (a *Accumulator) Message() conversation.Message {
	msg := conversation.NewAssistant()
	msg.Content = a.Text
	msg.AgentInfo = a.AgentInfo
	msg.ToolCalls = a.ToolCalls
	msg.Plan = a.Plan
	msg.StopReason = a.StopReason
	return msg
}
