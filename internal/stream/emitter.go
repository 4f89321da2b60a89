package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// FrameSource is anything that yields outbound frames until io.EOF.
type FrameSource interface {
	Next() ([]byte, error)
	Close() error
}

// WriteError is a failed write to the client connection.
type WriteError struct {
	Frames int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing frame %d to client: %v", e.Frames+1, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// EmitResult summarizes one emitted stream.
type EmitResult struct {
	Frames int
	Bytes  int64
}

// Emitter writes frames to the client as they are produced. If the writer
// has a Flush method it is called after every frame.
type Emitter struct {
	w      io.Writer
	flush  func()
	logger zerolog.Logger
}

func NewEmitter(w io.Writer, logger zerolog.Logger) *Emitter {
	e := &Emitter{w: w, logger: logger}
	if f, ok := w.(interface{ Flush() }); ok {
		e.flush = f.Flush
	}
	return e
}

// Emit drains src into the client. It returns nil when src is exhausted,
// ctx's error when the client went away, a *WriteError when writing failed,
// or the upstream read error. src is always closed on return, and as soon
// as ctx is done, so a blocked upstream read is released promptly.
func (e *Emitter) Emit(ctx context.Context, src FrameSource) (EmitResult, error) {
	var res EmitResult

	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()
	defer src.Close()

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Debug().Int("frames", res.Frames).Msg("Client gone, stopping stream")
			return res, err
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				e.logger.Debug().Int("frames", res.Frames).Msg("Client gone, stopping stream")
				return res, ctxErr
			}
			e.logger.Warn().Err(err).Int("frames", res.Frames).Msg("Upstream stream failed mid-response")
			return res, fmt.Errorf("reading upstream stream: %w", err)
		}

		n, err := e.w.Write(frame)
		res.Bytes += int64(n)
		if err != nil {
			e.logger.Warn().Err(err).Int("frames", res.Frames).Msg("Failed to write frame to client")
			return res, &WriteError{Frames: res.Frames, Err: err}
		}
		if e.flush != nil {
			e.flush()
		}
		res.Frames++
	}
}
