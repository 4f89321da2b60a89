package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelta(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Delta
	}{
		{"content", `{"choices":[{"delta":{"content":"hi"}}]}`, Delta{Kind: DeltaContent, Text: "hi"}},
		{"empty content", `{"choices":[{"delta":{"content":""}}]}`, Delta{Kind: DeltaContent}},
		{"reasoning", `{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`, Delta{Kind: DeltaReasoning, Text: "hmm"}},
		{"empty reasoning", `{"choices":[{"delta":{"reasoning_content":""}}]}`, Delta{Kind: DeltaReasoning}},
		{"both prefers reasoning", `{"choices":[{"delta":{"reasoning_content":"r","content":"c"}}]}`, Delta{Kind: DeltaReasoning, Text: "r"}},
		{"null reasoning falls to content", `{"choices":[{"delta":{"reasoning_content":null,"content":"c"}}]}`, Delta{Kind: DeltaContent, Text: "c"}},
		{"both null", `{"choices":[{"delta":{"reasoning_content":null,"content":null}}]}`, Delta{Kind: DeltaEmpty}},
		{"role only", `{"choices":[{"delta":{"role":"assistant"}}]}`, Delta{Kind: DeltaEmpty}},
		{"no choices", `{"id":"abc"}`, Delta{Kind: DeltaEmpty}},
		{"only first choice", `{"choices":[{"delta":{}},{"delta":{"content":"second"}}]}`, Delta{Kind: DeltaEmpty}},
		{"invalid json", `{"choices":[`, Delta{Kind: DeltaUnparseable}},
		{"plain text", `hello`, Delta{Kind: DeltaUnparseable}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDelta([]byte(tt.payload)))
		})
	}
}

func TestContentFrameEnvelope(t *testing.T) {
	frame := ContentFrame(`say "hi" <b> & \ bye`)
	require.Equal(t, "data: ", string(frame[:6]))
	require.Equal(t, "\n\n", string(frame[len(frame)-2:]))

	var env map[string]any
	require.NoError(t, json.Unmarshal(frame[6:len(frame)-2], &env))
	assert.Equal(t, map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": `say "hi" <b> & \ bye`}},
		},
	}, env)
}

func TestThinkFrameWrapsText(t *testing.T) {
	assert.Equal(t, "<think>abc</think>", decodeFrame(t, ThinkFrame("abc")))
	assert.Equal(t, "[DONE]", decodeFrame(t, DoneFrame))
}
