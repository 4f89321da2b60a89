package stream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DeltaKind tags the variant of a parsed upstream record.
type DeltaKind int

const (
	// DeltaEmpty is valid JSON without reasoning or content text, such as a
	// role-only or finish_reason chunk.
	DeltaEmpty DeltaKind = iota
	DeltaReasoning
	DeltaContent
	DeltaUnparseable
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaEmpty:
		return "empty"
	case DeltaReasoning:
		return "reasoning"
	case DeltaContent:
		return "content"
	case DeltaUnparseable:
		return "unparseable"
	}
	return "unknown"
}

// Delta is one upstream record reduced to the part the transformer acts on.
// Text is only meaningful for DeltaReasoning and DeltaContent.
type Delta struct {
	Kind DeltaKind
	Text string
}

// ParseDelta classifies a data payload by its first choice's delta. A
// non-null reasoning_content wins over content when both are present; an
// empty string still counts as present.
func ParseDelta(payload []byte) Delta {
	if !gjson.ValidBytes(payload) {
		return Delta{Kind: DeltaUnparseable}
	}

	delta := gjson.GetBytes(payload, "choices.0.delta")
	if !delta.IsObject() {
		return Delta{Kind: DeltaEmpty}
	}

	if rc := delta.Get("reasoning_content"); rc.Exists() && rc.Type != gjson.Null {
		return Delta{Kind: DeltaReasoning, Text: rc.String()}
	}
	if c := delta.Get("content"); c.Exists() && c.Type != gjson.Null {
		return Delta{Kind: DeltaContent, Text: c.String()}
	}
	return Delta{Kind: DeltaEmpty}
}

const frameTemplate = `{"choices":[{"delta":{}}]}`

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")

	// DoneFrame is the terminal sentinel frame.
	DoneFrame = []byte("data: [DONE]\n\n")
)

// ContentFrame builds `data: {"choices":[{"delta":{"content":text}}]}\n\n`.
func ContentFrame(text string) []byte {
	payload, err := sjson.SetBytes([]byte(frameTemplate), "choices.0.delta.content", text)
	if err != nil {
		// The template and path are fixed, so this only fails on a bug.
		panic("stream: building content frame: " + err.Error())
	}

	frame := make([]byte, 0, len(framePrefix)+len(payload)+len(frameSuffix))
	frame = append(frame, framePrefix...)
	frame = append(frame, payload...)
	return append(frame, frameSuffix...)
}

// ThinkFrame wraps coalesced reasoning text in <think> tags as a content frame.
func ThinkFrame(reasoning string) []byte {
	return ContentFrame("<think>" + reasoning + "</think>")
}
