// The snappyframe package implements the snappy framing format, a
// container for snappy-compressed data suitable for unbounded streams:
// https://github.com/google/snappy/blob/master/framing_format.txt
//
// The framing format splits data into self-describing frames of at most
// 64 KiB of uncompressed data each, with a masked CRC-32C of the
// uncompressed contents. Reader and Writer hide the frame boundaries,
// presenting the framed transport as an ordinary byte stream.
package snappyframe

import (
	"errors"
	"hash/crc32"

	"github.com/golang/snappy"
)

const (
	// MaxBlockSize is the maximum number of uncompressed bytes a single
	// data frame may represent.
	MaxBlockSize = 65536

	headerSize   = 4
	checksumSize = 4

	magicBody  = "sNaPpY"
	magicChunk = "\xff\x06\x00\x00" + magicBody
)

// maxEncodedBlockSize bounds the payload allocation when decoding a data
// frame: no conformant writer produces a compressed block larger than the
// worst-case encoding of MaxBlockSize bytes.
var maxEncodedBlockSize = snappy.MaxEncodedLen(MaxBlockSize)

var (
	// ErrCorrupt reports that the stream does not follow the framing format.
	ErrCorrupt = errors.New("snappyframe: corrupt input")
	// ErrChecksum reports that a frame's contents do not match its checksum.
	ErrChecksum = errors.New("snappyframe: checksum mismatch")
	// ErrTooLarge reports a frame whose data exceeds the 64 KiB frame limit.
	ErrTooLarge = errors.New("snappyframe: frame exceeds maximum size")
	// ErrUnsupported reports a reserved frame type that conformant readers
	// must not skip.
	ErrUnsupported = errors.New("snappyframe: unsupported frame type")
	// ErrClosed is returned if Read or Write is attempted after Close.
	ErrClosed = errors.New("snappyframe: already closed")
)

type frameType byte

const (
	frameCompressed   frameType = 0x00
	frameUncompressed frameType = 0x01
	framePadding      frameType = 0xfe
	frameStreamID     frameType = 0xff
)

// dataFrame reports whether t carries stream data (and therefore a checksum).
func (t frameType) dataFrame() bool {
	return t == frameCompressed || t == frameUncompressed
}

// skippable reports whether t is in the reserved range that readers must
// silently skip. Reserved types below 0x80 are unskippable and fatal.
func (t frameType) skippable() bool {
	return t >= 0x80 && t <= 0xfd
}

// A frame is one decoded unit of the framing format. The payload of a data
// frame is owned by the decoder that produced it and is only valid until
// the next frame is decoded.
type frame struct {
	ftype    frameType
	dataLen  int    // uncompressed bytes the frame represents
	checksum uint32 // masked CRC-32C of the uncompressed bytes; data frames only
	payload  []byte // wire payload; data frames only
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// crc implements the checksum specified in section 3 of
// https://github.com/google/snappy/blob/master/framing_format.txt
func crc(b []byte) uint32 {
	c := crc32.Update(0, crcTable, b)
	return uint32(c>>15|c<<17) + 0xa282ead8
}

// grow returns b resized to n bytes, preserving its contents. When it must
// reallocate, it at least doubles the capacity so that repeated growth is
// amortized; the buffer never shrinks.
func grow(b []byte, n int) []byte {
	if n <= cap(b) {
		return b[:n]
	}
	c := 2 * cap(b)
	if c < n {
		c = n
	}
	nb := make([]byte, n, c)
	copy(nb, b)
	return nb
}
