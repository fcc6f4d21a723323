package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCarriesDiscriminator(t *testing.T) {
	data, err := Marshal(TextDelta{Text: "Hello", AgentInfo: &AgentInfo{Name: "claude"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text-delta","text":"Hello","agentInfo":{"name":"claude"}}`, string(data))

	data, err = Marshal(ToolCallEvent{ToolCall{ToolName: "Read", Status: ToolExecuting, Args: map[string]any{"path": "a.go"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool-call","toolName":"Read","status":"executing","args":{"path":"a.go"}}`, string(data))

	data, err = Marshal(Plan{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"plan","entries":[]}`, string(data))

	data, err = Marshal(Error{Message: "boom", Code: "upstream"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"boom","code":"upstream"}`, string(data))
}

func TestUnmarshalToolCallAndFinish(t *testing.T) {
	ev, err := Unmarshal([]byte(`{"type":"tool-call","toolName":"Bash","status":"completed","result":"ok"}`))
	require.NoError(t, err)
	tc, ok := ev.(ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "Bash", tc.ToolName)
	assert.Equal(t, ToolCompleted, tc.Status)
	assert.Equal(t, "ok", tc.Result)

	ev, err = Unmarshal([]byte(`{"type":"finish","stopReason":"max_tokens"}`))
	require.NoError(t, err)
	assert.Equal(t, Finish{StopReason: "max_tokens"}, ev)
	assert.True(t, IsTerminal(ev))
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"audio"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(nil))
	assert.False(t, IsTerminal(TextDelta{}))
	assert.False(t, IsTerminal(Plan{}))
	assert.True(t, IsTerminal(Error{Message: "x"}))
}
