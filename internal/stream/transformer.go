// Package stream re-frames an upstream chat completion SSE stream for the
// client. Runs of reasoning deltas are coalesced into a single
// <think>...</think> content frame; content deltas pass through.
package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultMaxLineSize bounds a single upstream line when MaxLineSize is unset.
const DefaultMaxLineSize = 1 << 20

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("stream: transformer closed")

// Stats counts what a Transformer produced and skipped.
type Stats struct {
	ContentFrames int
	ThinkFrames   int
	Skipped       int
	DoneSeen      bool
}

// Transformer is a pull-based frame source over an upstream SSE body.
// Each call to Next returns one complete outbound frame or io.EOF after the
// last one. It is not safe for concurrent Next calls; Close may be called
// from any goroutine to abort a blocked Next.
type Transformer struct {
	r      *bufio.Reader
	closer io.Closer

	inThink   bool
	reasoning strings.Builder

	pending [][]byte
	// end is returned once pending is drained: io.EOF on a normal finish,
	// the read error otherwise. nil while the stream is still open.
	end   error
	stats Stats

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// OnSkip, if set, is called with each data payload that could not be
	// parsed. For an oversized line it gets the retained head of the line.
	OnSkip func(payload []byte)
	// MaxLineSize caps one upstream line. Longer lines are drained and
	// skipped. Zero means DefaultMaxLineSize.
	MaxLineSize int
}

// NewTransformer reads from src. If src is an io.Closer, Close closes it.
func NewTransformer(src io.Reader) *Transformer {
	t := &Transformer{
		r: bufio.NewReaderSize(src, 32*1024),
	}
	if c, ok := src.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Next returns the next outbound frame. It returns io.EOF once the stream
// has ended, either after the [DONE] sentinel or after the upstream closed.
// Any other error is an upstream read failure; frames flushed because of
// it are returned before the error.
func (t *Transformer) Next() ([]byte, error) {
	for {
		if len(t.pending) > 0 {
			frame := t.pending[0]
			t.pending[0] = nil
			t.pending = t.pending[1:]
			return frame, nil
		}
		if t.end != nil {
			return nil, t.end
		}

		line, tooLong, err := t.readLine()
		switch {
		case tooLong:
			t.skip(line)
		case len(line) > 0 && (err == nil || err == io.EOF):
			// A trailing line without terminator is still processed at EOF.
			t.processLine(line)
		}
		if t.end != nil {
			continue
		}
		if err != nil {
			t.flushReasoning()
			if err == io.EOF {
				t.end = io.EOF
			} else {
				t.end = t.readError(err)
			}
		}
	}
}

// Stats returns the counters collected so far.
func (t *Transformer) Stats() Stats {
	return t.stats
}

// Close releases the upstream body. It is safe to call more than once and
// concurrently with a blocked Next.
func (t *Transformer) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}

func (t *Transformer) readError(err error) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return err
}

// readLine returns the next line with its terminator. Once a line grows
// past the size limit the rest of it is read and discarded, and only the
// head is returned with tooLong set.
func (t *Transformer) readLine() (line []byte, tooLong bool, err error) {
	limit := t.MaxLineSize
	if limit <= 0 {
		limit = DefaultMaxLineSize
	}
	for {
		chunk, err := t.r.ReadSlice('\n')
		if !tooLong {
			if room := limit - len(line); len(chunk) > room {
				line = append(line, chunk[:room]...)
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

func (t *Transformer) skip(payload []byte) {
	t.stats.Skipped++
	if t.OnSkip != nil {
		t.OnSkip(payload)
	}
}

func (t *Transformer) processLine(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		// Comments, event:/id: fields and blank separators.
		return
	}

	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		t.flushReasoning()
		t.pending = append(t.pending, DoneFrame)
		t.stats.DoneSeen = true
		t.end = io.EOF
		return
	}

	t.apply(ParseDelta(payload), payload)
}

func (t *Transformer) apply(d Delta, payload []byte) {
	switch d.Kind {
	case DeltaReasoning:
		t.reasoning.WriteString(d.Text)
		t.inThink = true
	case DeltaContent:
		t.flushReasoning()
		t.pending = append(t.pending, ContentFrame(d.Text))
		t.stats.ContentFrames++
	case DeltaUnparseable:
		t.skip(payload)
	case DeltaEmpty:
	}
}

// flushReasoning ends the current think block, emitting it only if it
// collected any text.
func (t *Transformer) flushReasoning() {
	if !t.inThink {
		return
	}
	if t.reasoning.Len() > 0 {
		t.pending = append(t.pending, ThinkFrame(t.reasoning.String()))
		t.stats.ThinkFrames++
	}
	t.reasoning.Reset()
	t.inThink = false
}
