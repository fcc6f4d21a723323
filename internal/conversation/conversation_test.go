package conversation

import (
	"testing"

	"github.com/harunnryd/parley/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTextReplacesContent(t *testing.T) {
	msgs := []Message{NewUser("hi"), NewAssistant()}

	msgs = Apply(msgs, event.TextDelta{Text: "Hello"})
	msgs = Apply(msgs, event.TextDelta{Text: "Hello world", AgentInfo: &event.AgentInfo{Name: "claude"}})

	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, "claude", msgs[1].AgentInfo.Name)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestApplyToolCallMergesByName(t *testing.T) {
	msgs := []Message{NewAssistant()}

	msgs = Apply(msgs, event.ToolCallEvent{ToolCall: event.ToolCall{ToolName: "Read", Status: event.ToolExecuting, Args: map[string]any{"p": "a"}}})
	msgs = Apply(msgs, event.ToolCallEvent{ToolCall: event.ToolCall{ToolName: "Bash", Status: event.ToolExecuting}})
	msgs = Apply(msgs, event.ToolCallEvent{ToolCall: event.ToolCall{ToolName: "Read", Status: event.ToolCompleted, Result: "ok"}})

	calls := msgs[0].ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "Read", calls[0].ToolName)
	assert.Equal(t, event.ToolCompleted, calls[0].Status)
	assert.Equal(t, "ok", calls[0].Result)
	assert.Equal(t, map[string]any{"p": "a"}, calls[0].Args)
	assert.Equal(t, "Bash", calls[1].ToolName)
}

func TestApplyPlanReplacesAndFinishSetsReason(t *testing.T) {
	msgs := []Message{NewAssistant()}

	msgs = Fold(msgs,
		event.Plan{Entries: []event.PlanEntry{{ID: "1", Content: "a"}, {ID: "2", Content: "b"}}},
		event.Plan{Entries: []event.PlanEntry{{ID: "3", Content: "c"}}},
		event.Finish{StopReason: "end_turn"},
	)

	require.Len(t, msgs[0].Plan, 1)
	assert.Equal(t, "c", msgs[0].Plan[0].Content)
	assert.Equal(t, "end_turn", msgs[0].StopReason)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	orig := []Message{NewUser("q"), NewAssistant()}
	orig = Apply(orig, event.ToolCallEvent{ToolCall: event.ToolCall{ToolName: "Read", Status: event.ToolExecuting}})

	next := Apply(orig, event.TextDelta{Text: "changed"})
	next = Apply(next, event.ToolCallEvent{ToolCall: event.ToolCall{ToolName: "Read", Status: event.ToolFailed}})

	assert.Equal(t, "", orig[1].Content)
	assert.Equal(t, event.ToolExecuting, orig[1].ToolCalls[0].Status)
	assert.Equal(t, "changed", next[1].Content)
	assert.Equal(t, event.ToolFailed, next[1].ToolCalls[0].Status)
	assert.Equal(t, orig[0], next[0])
}

func TestApplyRequiresAssistantTail(t *testing.T) {
	msgs := []Message{NewUser("q")}
	out := Apply(msgs, event.TextDelta{Text: "x"})
	assert.Equal(t, msgs, out)

	assert.Empty(t, Apply(nil, event.TextDelta{Text: "x"}))
}

func TestApplyErrorLeavesTranscript(t *testing.T) {
	msgs := []Message{NewAssistant()}
	ev := event.Error{Message: "overloaded"}

	out := Apply(msgs, ev)
	assert.Equal(t, msgs, out)
	assert.Equal(t, "overloaded", ErrorText(ev))
	assert.Equal(t, "", ErrorText(event.Finish{}))
}
