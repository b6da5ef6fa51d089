package snappyframe

import (
	"context"
	"io"
)

// NewReaderContext is like NewReader, but the returned Reader checks ctx
// at every transport boundary and stops with ctx's error once it is
// cancelled. Cancellation is permanent, like any other Reader error.
//
// The frame logic is identical to the blocking form; only the transport
// differs.
func NewReaderContext(ctx context.Context, r io.Reader) *Reader {
	return NewReader(&ctxReader{ctx: ctx, r: r})
}

// NewWriterContext is like NewWriter, but the returned Writer checks ctx
// at every transport boundary and stops with ctx's error once it is
// cancelled. Cancellation is permanent, like any other Writer error.
func NewWriterContext(ctx context.Context, w io.Writer) *Writer {
	return NewWriter(&ctxWriter{ctx: ctx, w: w})
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	if cl, ok := c.r.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func (c *ctxWriter) Close() error {
	if cl, ok := c.w.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
