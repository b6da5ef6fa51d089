package snappyframe

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/golang/snappy"
)

// A frameDecoder reads frames one at a time from an underlying reader.
//
// The block codec is held as function values so that the decoder is not
// tied to one snappy implementation; NewReader wires in
// github.com/golang/snappy.
type frameDecoder struct {
	r   io.Reader
	hdr [headerSize]byte
	src []byte // wire payload of the current frame
	dst []byte // uncompressed bytes of the current compressed frame

	decode     func(dst, src []byte) ([]byte, error)
	decodedLen func(src []byte) (int, error)
}

// next decodes the next frame. It returns io.EOF only when the stream ends
// cleanly at a frame boundary; an end of stream anywhere inside a frame is
// ErrCorrupt. Transport errors are returned unchanged.
func (d *frameDecoder) next() (frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if err == io.EOF {
			return frame{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return frame{}, fmt.Errorf("%w: incomplete frame header", ErrCorrupt)
		}
		return frame{}, err
	}

	ftype := frameType(d.hdr[0])
	length := int(d.hdr[1]) | int(d.hdr[2])<<8 | int(d.hdr[3])<<16

	switch {
	case ftype.dataFrame():
		return d.dataFrame(ftype, length)

	case ftype == frameStreamID:
		if length != len(magicBody) {
			return frame{}, fmt.Errorf("%w: stream identifier length %d", ErrCorrupt, length)
		}
		if err := d.readPayload(length); err != nil {
			return frame{}, err
		}
		if string(d.src[:length]) != magicBody {
			return frame{}, fmt.Errorf("%w: invalid stream identifier", ErrCorrupt)
		}
		return frame{ftype: frameStreamID, dataLen: length}, nil

	case ftype == framePadding || ftype.skippable():
		if err := d.discard(length); err != nil {
			return frame{}, err
		}
		return frame{ftype: ftype, dataLen: length}, nil

	default:
		// 0x02-0x7f are reserved for frame types that readers must not
		// silently ignore.
		return frame{}, fmt.Errorf("%w: 0x%02x", ErrUnsupported, byte(ftype))
	}
}

func (d *frameDecoder) dataFrame(ftype frameType, length int) (frame, error) {
	if length < checksumSize {
		return frame{}, fmt.Errorf("%w: data frame length %d", ErrCorrupt, length)
	}
	if length > maxEncodedBlockSize+checksumSize {
		return frame{}, ErrTooLarge
	}
	if err := d.readPayload(length); err != nil {
		return frame{}, err
	}
	b := d.src[:length]
	checksum := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	payload := b[checksumSize:]

	dataLen := len(payload)
	if ftype == frameCompressed {
		n, err := d.decodedLen(payload)
		if err != nil {
			return frame{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		dataLen = n
	}
	if dataLen > MaxBlockSize {
		return frame{}, ErrTooLarge
	}
	return frame{ftype: ftype, dataLen: dataLen, checksum: checksum, payload: payload}, nil
}

// data materializes the uncompressed bytes of a data frame and verifies
// them against the frame's checksum. The returned slice is only valid
// until the next frame is decoded.
func (d *frameDecoder) data(f frame) ([]byte, error) {
	b := f.payload
	if f.ftype == frameCompressed {
		var err error
		d.dst = grow(d.dst, f.dataLen)
		b, err = d.decode(d.dst, f.payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if crc(b) != f.checksum {
		return nil, ErrChecksum
	}
	return b, nil
}

func (d *frameDecoder) readPayload(n int) error {
	d.src = grow(d.src, n)
	if _, err := io.ReadFull(d.r, d.src[:n]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}
		return err
	}
	return nil
}

// discard drops n bytes of padding or skippable-frame payload without
// buffering them.
func (d *frameDecoder) discard(n int) error {
	if _, err := io.CopyN(ioutil.Discard, d.r, int64(n)); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: truncated frame", ErrCorrupt)
		}
		return err
	}
	return nil
}

// Reader provides an io.Reader interface to a snappy framed stream.
//
// NewReader should be used to create an instance of Reader (the zero value
// of Reader is not usable).
//
// The first frame of the stream must be the stream identifier. Padding
// frames, skippable frames and empty data frames are discarded
// transparently; checksums are always verified. The first error a Reader
// encounters is permanent: every later call returns it without touching
// the underlying reader again, and recovery requires Reset.
type Reader struct {
	// KeepOpen, if true, leaves the underlying reader open when the
	// Reader is closed. Otherwise Close also closes the underlying
	// reader if it implements io.Closer.
	KeepOpen bool

	dec        frameDecoder
	data       []byte // verified uncompressed bytes of the current frame
	off        int
	readHeader bool
	closed     bool
	err        error
}

// NewReader returns a new Reader that decompresses from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		dec: frameDecoder{
			r:          r,
			decode:     snappy.Decode,
			decodedLen: snappy.DecodedLen,
		},
	}
}

// Reset discards the Reader's state, including any latched error, and
// makes it equivalent to the result of NewReader called with r. This
// permits reusing a Reader rather than allocating a new one.
func (r *Reader) Reset(reader io.Reader) {
	r.dec.r = reader
	r.data = nil
	r.off = 0
	r.readHeader = false
	r.closed = false
	r.err = nil
}

// Read satisfies io.Reader. It returns io.EOF when the underlying stream
// ends at a frame boundary; an end of stream inside a frame is reported
// as ErrCorrupt.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for r.off == len(r.data) {
		if err := r.nextData(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

// WriteTo satisfies io.WriterTo, letting io.Copy move decompressed data
// without an intermediate buffer.
func (r *Reader) WriteTo(w io.Writer) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	var wn int64
	for {
		for r.off < len(r.data) {
			n, err := w.Write(r.data[r.off:])
			wn += int64(n)
			r.off += n
			if err != nil {
				r.err = err
				return wn, err
			}
		}
		if err := r.nextData(); err != nil {
			r.err = err
			if err == io.EOF {
				err = nil
			}
			return wn, err
		}
	}
}

// nextData decodes frames until it has the verified contents of a
// non-empty data frame, or reaches the end of the stream.
func (r *Reader) nextData() error {
	for {
		f, err := r.dec.next()
		if err != nil {
			if err == io.EOF && !r.readHeader {
				return fmt.Errorf("%w: missing stream identifier", ErrCorrupt)
			}
			return err
		}
		if !r.readHeader {
			if f.ftype != frameStreamID {
				return fmt.Errorf("%w: stream does not begin with the stream identifier", ErrCorrupt)
			}
			r.readHeader = true
			continue
		}
		if !f.ftype.dataFrame() || f.dataLen == 0 {
			// Padding, skippable frames, repeated stream identifiers
			// (legal when streams are concatenated) and empty data
			// frames carry nothing.
			continue
		}
		b, err := r.dec.data(f)
		if err != nil {
			return err
		}
		r.data, r.off = b, 0
		return nil
	}
}

// Close marks the Reader unusable and, unless KeepOpen is set, closes the
// underlying reader if it implements io.Closer.
func (r *Reader) Close() error {
	if r.closed {
		return r.err
	}
	r.closed = true
	if r.err == nil || r.err == io.EOF {
		r.err = ErrClosed
	}
	if !r.KeepOpen {
		if c, ok := r.dec.r.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
