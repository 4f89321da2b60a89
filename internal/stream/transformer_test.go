package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out the given chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func reasoningLine(s string) string {
	b, _ := json.Marshal(s)
	return fmt.Sprintf(`data: {"choices":[{"delta":{"reasoning_content":%s}}]}`+"\n", b)
}

func contentLine(s string) string {
	b, _ := json.Marshal(s)
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%s}}]}`+"\n", b)
}

const doneLine = "data: [DONE]\n"

// decodeFrame turns an outbound frame back into its content text, or
// "[DONE]" for the sentinel.
func decodeFrame(t *testing.T, frame []byte) string {
	t.Helper()
	s := string(frame)
	require.True(t, strings.HasPrefix(s, "data: "), "frame %q", s)
	require.True(t, strings.HasSuffix(s, "\n\n"), "frame %q", s)
	payload := strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")
	if payload == "[DONE]" {
		return payload
	}

	var env struct {
		Choices []struct {
			Delta map[string]any `json:"delta"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &env))
	require.Len(t, env.Choices, 1)
	require.Len(t, env.Choices[0].Delta, 1)
	content, ok := env.Choices[0].Delta["content"].(string)
	require.True(t, ok, "frame %q has no string content", s)
	return content
}

// drain reads every frame from t and returns the decoded texts plus the
// terminal error.
func drain(t *testing.T, tr *Transformer) ([]string, error) {
	t.Helper()
	var out []string
	for {
		frame, err := tr.Next()
		if err != nil {
			return out, err
		}
		out = append(out, decodeFrame(t, frame))
	}
}

func transformString(t *testing.T, in string) []string {
	t.Helper()
	out, err := drain(t, NewTransformer(strings.NewReader(in)))
	require.ErrorIs(t, err, io.EOF)
	return out
}

func TestTransformer_ReasoningRunCoalescedBeforeContent(t *testing.T) {
	in := reasoningLine("ab") + reasoningLine("cd") + contentLine("hi") + doneLine

	assert.Equal(t, []string{"<think>abcd</think>", "hi", "[DONE]"}, transformString(t, in))
}

func TestTransformer_UpstreamCloseFlushesReasoningWithoutSentinel(t *testing.T) {
	in := contentLine("answer") + reasoningLine("still ") + reasoningLine("thinking")

	tr := NewTransformer(strings.NewReader(in))
	out, err := drain(t, tr)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"answer", "<think>still thinking</think>"}, out)
	assert.False(t, tr.Stats().DoneSeen)
	assert.Equal(t, 1, tr.Stats().ThinkFrames)
}

func TestTransformer_ReasoningFlushedBeforeSentinel(t *testing.T) {
	in := reasoningLine("only thoughts") + doneLine
	assert.Equal(t, []string{"<think>only thoughts</think>", "[DONE]"}, transformString(t, in))
}

func TestTransformer_ContentOnlyPassesThrough(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		var (
			in   strings.Builder
			want []string
		)
		for n := rng.IntN(10); n >= 0; n-- {
			text := fmt.Sprintf("tok-%d-%d ünï \"q\" \\ <b>", i, n)
			in.WriteString(contentLine(text))
			want = append(want, text)
		}
		in.WriteString(doneLine)
		want = append(want, "[DONE]")

		assert.Equal(t, want, transformString(t, in.String()))
	}
}

func TestTransformer_EachReasoningRunEmittedOnce(t *testing.T) {
	in := reasoningLine("a") + reasoningLine("b") + contentLine("1") + contentLine("2") +
		reasoningLine("c") + contentLine("3") + reasoningLine("d") + reasoningLine("e") + doneLine

	assert.Equal(t, []string{
		"<think>ab</think>", "1", "2",
		"<think>c</think>", "3",
		"<think>de</think>", "[DONE]",
	}, transformString(t, in))
}

func TestTransformer_EmptyReasoningEntersThinkButEmitsNothing(t *testing.T) {
	in := reasoningLine("") + contentLine("hi") + doneLine
	assert.Equal(t, []string{"hi", "[DONE]"}, transformString(t, in))

	in = reasoningLine("") + reasoningLine("x") + contentLine("") + doneLine
	assert.Equal(t, []string{"<think>x</think>", "", "[DONE]"}, transformString(t, in))
}

func TestTransformer_ReasoningTakesPriorityOverContent(t *testing.T) {
	in := `data: {"choices":[{"delta":{"content":"visible","reasoning_content":"hidden"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"next","reasoning_content":null}}]}` + "\n" + doneLine

	assert.Equal(t, []string{"<think>hidden</think>", "next", "[DONE]"}, transformString(t, in))
}

func TestTransformer_SkipsUnparseableAndEmpty(t *testing.T) {
	in := "data: {not json\n" +
		`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
		`data: {"choices":[]}` + "\n" +
		`data: {"choices":[{"delta":{"content":null},"finish_reason":"stop"}]}` + "\n" +
		`data: {"id":"x"}` + "\n" +
		contentLine("ok") +
		"data: \n" +
		doneLine

	var skipped []string
	tr := NewTransformer(strings.NewReader(in))
	tr.OnSkip = func(p []byte) { skipped = append(skipped, string(p)) }

	out, err := drain(t, tr)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"ok", "[DONE]"}, out)
	assert.Equal(t, []string{"{not json"}, skipped)
	assert.Equal(t, 1, tr.Stats().Skipped)
}

func TestTransformer_IgnoresNonDataLines(t *testing.T) {
	in := ": keep-alive\r\n" +
		"event: message\r\n" +
		"id: 7\r\n" +
		"\r\n" +
		`data:{"choices":[{"delta":{"content":"crlf"}}]}` + "\r\n\r\n" +
		"data: [DONE]\r\n"

	assert.Equal(t, []string{"crlf", "[DONE]"}, transformString(t, in))
}

func TestTransformer_OversizedLineIsSkipped(t *testing.T) {
	huge := contentLine(strings.Repeat("z", 4096))
	in := reasoningLine("ab") + huge + contentLine("hi") + doneLine

	// Chunks smaller than the line so it arrives across many reads.
	var chunks [][]byte
	for data := []byte(in); len(data) > 0; {
		n := min(100, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}

	tr := NewTransformer(&chunkReader{chunks: chunks})
	tr.MaxLineSize = 1024
	var skipped []int
	tr.OnSkip = func(payload []byte) { skipped = append(skipped, len(payload)) }

	out, err := drain(t, tr)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"<think>ab</think>", "hi", "[DONE]"}, out)
	assert.Equal(t, []int{1024}, skipped)
	assert.Equal(t, 1, tr.Stats().Skipped)
}

func TestTransformer_LongLineWithinLimitIsKept(t *testing.T) {
	// Longer than the internal read buffer, shorter than the default cap.
	text := strings.Repeat("é", 40_000)
	tr := NewTransformer(strings.NewReader(contentLine(text) + doneLine))

	out, err := drain(t, tr)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{text, "[DONE]"}, out)
}

func TestTransformer_OversizedTrailingLineAtEOF(t *testing.T) {
	in := reasoningLine("ab") + "data: " + strings.Repeat("q", 200)
	tr := NewTransformer(strings.NewReader(in))
	tr.MaxLineSize = 64

	out, err := drain(t, tr)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"<think>ab</think>"}, out)
	assert.Equal(t, 1, tr.Stats().Skipped)
}

func TestTransformer_SentinelIsTerminal(t *testing.T) {
	in := contentLine("a") + doneLine + contentLine("after") + reasoningLine("late")
	assert.Equal(t, []string{"a", "[DONE]"}, transformString(t, in))

	tr := NewTransformer(strings.NewReader(doneLine))
	_, err := tr.Next()
	require.NoError(t, err)
	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTransformer_TrailingLineWithoutNewline(t *testing.T) {
	in := reasoningLine("r") + strings.TrimSuffix(contentLine("tail"), "\n")
	assert.Equal(t, []string{"<think>r</think>", "tail"}, transformString(t, in))
}

func TestTransformer_SameInputSameOutput(t *testing.T) {
	in := reasoningLine("plan ") + reasoningLine("more") + contentLine("x") +
		"data: garbage\n" + reasoningLine("z") + contentLine("y") + doneLine

	first := transformString(t, in)
	second := transformString(t, in)
	assert.Equal(t, first, second)
}

// splitRandomly cuts data into chunks at random byte offsets, including in
// the middle of multi-byte characters.
func splitRandomly(rng *rand.Rand, data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := 1 + rng.IntN(min(len(data), 17))
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		chunks = append(chunks, chunk)
		data = data[n:]
	}
	return chunks
}

func TestTransformer_ChunkBoundariesDoNotMatter(t *testing.T) {
	in := []byte(reasoningLine("思考中…") + reasoningLine("🙂 emoji") + contentLine("héllo wörld") +
		"data: {broken\n" + contentLine("日本語テキスト") + reasoningLine("tail ✓") + contentLine("end") + doneLine)

	want := transformString(t, string(in))
	require.Equal(t, []string{
		"<think>思考中…🙂 emoji</think>", "héllo wörld", "日本語テキスト",
		"<think>tail ✓</think>", "end", "[DONE]",
	}, want)

	// One byte at a time.
	var single [][]byte
	for i := range in {
		single = append(single, []byte{in[i]})
	}
	got, err := drain(t, NewTransformer(&chunkReader{chunks: single}))
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, want, got)

	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 200; i++ {
		got, err := drain(t, NewTransformer(&chunkReader{chunks: splitRandomly(rng, in)}))
		require.ErrorIs(t, err, io.EOF)
		require.Equal(t, want, got, "split #%d", i)
	}
}

func TestTransformer_ReadErrorFlushesThenFails(t *testing.T) {
	boom := errors.New("connection reset")
	src := &chunkReader{
		chunks: [][]byte{[]byte(reasoningLine("partial") + `data: {"choices":[{"del`)},
		err:    boom,
	}

	out, err := drain(t, NewTransformer(src))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"<think>partial</think>"}, out)
}

func TestTransformer_CloseUnblocksNext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	tr := NewTransformer(pr)
	go func() {
		_, _ = io.WriteString(pw, contentLine("first"))
	}()

	frame, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", decodeFrame(t, frame))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Next()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
