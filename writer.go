package snappyframe

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// A frameEncoder writes frames one at a time to an underlying writer. Only
// the four writable frame types can be produced; the reserved ranges exist
// solely on the read side.
type frameEncoder struct {
	w   io.Writer
	hdr [headerSize + checksumSize]byte
	dst []byte // encoded block scratch, reused across frames

	encode        func(dst, src []byte) []byte
	maxEncodedLen func(n int) int
}

func (e *frameEncoder) writeStreamID() error {
	_, err := io.WriteString(e.w, magicChunk)
	return err
}

// writeData frames src, which must not exceed MaxBlockSize, as one data
// frame. If compressing src does not save at least 12.5%, the frame is
// written uncompressed; the space saved would not be worth the
// decompression cost on the other end.
func (e *frameEncoder) writeData(src []byte) error {
	e.dst = grow(e.dst, e.maxEncodedLen(len(src)))
	compressed := e.encode(e.dst, src)

	ftype, payload := frameCompressed, compressed
	if len(compressed) >= len(src)-len(src)/8 {
		ftype, payload = frameUncompressed, src
	}

	checksum := crc(src)
	length := checksumSize + len(payload)
	e.hdr[0] = byte(ftype)
	e.hdr[1] = byte(length)
	e.hdr[2] = byte(length >> 8)
	e.hdr[3] = byte(length >> 16)
	e.hdr[4] = byte(checksum)
	e.hdr[5] = byte(checksum >> 8)
	e.hdr[6] = byte(checksum >> 16)
	e.hdr[7] = byte(checksum >> 24)

	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return err
	}
	_, err := e.w.Write(payload)
	return err
}

// writePadding emits padding frames totalling n filler bytes. The format
// allows a padding frame to declare up to 1<<24-1 bytes, but some readers
// buffer a skipped frame whole, so each frame is capped at MaxBlockSize
// and larger requests are split. The final frame declares exactly the
// remaining count.
func (e *frameEncoder) writePadding(n int) error {
	chunk := n
	if chunk > MaxBlockSize {
		chunk = MaxBlockSize
	}
	e.dst = grow(e.dst, chunk)
	zeros := e.dst[:chunk]
	for i := range zeros {
		zeros[i] = 0
	}

	for n > 0 {
		declared := n
		if declared > MaxBlockSize {
			declared = MaxBlockSize
		}
		e.hdr[0] = byte(framePadding)
		e.hdr[1] = byte(declared)
		e.hdr[2] = byte(declared >> 8)
		e.hdr[3] = byte(declared >> 16)
		if _, err := e.w.Write(e.hdr[:headerSize]); err != nil {
			return err
		}
		if _, err := e.w.Write(zeros[:declared]); err != nil {
			return err
		}
		n -= declared
	}
	return nil
}

// Writer provides an io.WriteCloser interface to a snappy framed stream.
//
// NewWriter should be used to create an instance of Writer (the zero value
// of Writer is not usable).
//
// Input is buffered until a full MaxBlockSize frame can be written; Flush
// forces out a partial frame early. The stream identifier is emitted
// before the first frame. The first error a Writer encounters is
// permanent: every later call returns it without touching the underlying
// writer again, and recovery requires Reset.
type Writer struct {
	// KeepOpen, if true, leaves the underlying writer open when the
	// Writer is closed. Otherwise Close also closes the underlying
	// writer if it implements io.Closer.
	KeepOpen bool

	enc           frameEncoder
	buf           []byte // accumulated input, at most MaxBlockSize bytes
	wroteStreamID bool
	closed        bool
	err           error
}

// NewWriter returns a new Writer that compresses to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		enc: frameEncoder{
			w:             w,
			encode:        snappy.Encode,
			maxEncodedLen: snappy.MaxEncodedLen,
		},
	}
}

// Reset discards the Writer's state, including any buffered input and any
// latched error, and makes it equivalent to the result of NewWriter
// called with w. This permits reusing a Writer rather than allocating a
// new one.
func (w *Writer) Reset(writer io.Writer) {
	w.enc.w = writer
	w.buf = w.buf[:0]
	w.wroteStreamID = false
	w.closed = false
	w.err = nil
}

// Write satisfies io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	wn := 0
	for len(p) > 0 {
		n := MaxBlockSize - len(w.buf)
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		wn += n
		if len(w.buf) == MaxBlockSize {
			if err := w.writeFrame(); err != nil {
				return wn, err
			}
		}
	}
	return wn, nil
}

// ReadFrom satisfies io.ReaderFrom, letting io.Copy feed the Writer
// without an intermediate buffer. Errors from r are returned without
// faulting the Writer; only failures on the compressed stream latch.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if cap(w.buf) < MaxBlockSize {
		b := make([]byte, len(w.buf), MaxBlockSize)
		copy(b, w.buf)
		w.buf = b
	}
	var rn int64
	for {
		n, err := r.Read(w.buf[len(w.buf):MaxBlockSize])
		w.buf = w.buf[:len(w.buf)+n]
		rn += int64(n)
		if len(w.buf) == MaxBlockSize {
			if werr := w.writeFrame(); werr != nil {
				return rn, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			return rn, err
		}
	}
}

// Flush writes any buffered input out as a data frame. Flushing ends the
// current frame, so frequent flushes hurt the compression ratio.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.writeFrame()
}

// WritePadding inserts n bytes of padding into the stream. Readers skip
// padding, so it never appears in the decompressed output; it is useful
// for aligning frames to storage boundaries. Any buffered input is
// flushed first so that the padding lands between the caller's writes.
func (w *Writer) WritePadding(n int) error {
	if w.err != nil {
		return w.err
	}
	if n < 0 {
		w.err = fmt.Errorf("snappyframe: negative padding length %d", n)
		return w.err
	}
	if err := w.writeFrame(); err != nil {
		return err
	}
	if err := w.enc.writePadding(n); err != nil {
		w.err = err
		return err
	}
	return nil
}

// writeFrame emits the stream identifier if it has not been written yet,
// then the buffered input as one data frame. Errors latch.
func (w *Writer) writeFrame() error {
	if !w.wroteStreamID {
		if err := w.enc.writeStreamID(); err != nil {
			w.err = err
			return err
		}
		w.wroteStreamID = true
	}
	if len(w.buf) == 0 {
		return nil
	}
	if err := w.enc.writeData(w.buf); err != nil {
		w.err = err
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Close flushes any buffered input (writing the stream identifier even if
// no data was ever written) and, unless KeepOpen is set, closes the
// underlying writer if it implements io.Closer. Closing a faulted Writer
// only releases the underlying writer and reports the original error.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	err := w.err
	if err == nil {
		err = w.writeFrame()
	}
	if w.err == nil {
		w.err = ErrClosed
	}
	if !w.KeepOpen {
		if c, ok := w.enc.w.(io.Closer); ok {
			cerr := c.Close()
			if err == nil {
				err = cerr
			}
		}
	}
	return err
}
