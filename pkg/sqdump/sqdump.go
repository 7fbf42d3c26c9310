// Package sqdump implements the SQ capture file.
//
// A capture is a single memory-mappable file holding the raw submission
// queue memory of one or more streams together with the head and tail seen
// when it was taken. It records bytes only; decoding is left to the reader.
package sqdump

import (
	"encoding/binary"
	"errors"

	"github.com/samcharles93/rts/internal/chip"
)

const (
	// Magic is encoded as "SQD\0".
	Magic = "SQD\x00"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	headerSize = 40
	entrySize  = 40
	// Ring payloads start on a slot boundary.
	payloadAlign = 64
)

var (
	ErrInvalidMagic     = errors.New("sqdump: invalid magic")
	ErrUnsupportedMajor = errors.New("sqdump: unsupported major version")
	ErrCorruptFile      = errors.New("sqdump: corrupt file")
)

type Header struct {
	Magic       [4]byte
	Major       uint16
	Minor       uint16
	HeaderSize  uint32
	StreamCount uint32
	DirOffset   uint64
	FileSize    uint64
	Generation  uint32
	Flags       uint32
}

func (h *Header) Gen() chip.Generation {
	return chip.Generation(h.Generation)
}

// Stream describes one captured ring.
type Stream struct {
	StreamID uint32
	Depth    uint32
	Head     uint32
	Tail     uint32
	// Base is the device address of slot 0.
	Base   uint64
	Offset uint64
	Size   uint64
}

func (s *Stream) End() uint64 {
	return s.Offset + s.Size
}

func encodeHeader(b []byte, h *Header) {
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(b[4:], h.Major)
	binary.LittleEndian.PutUint16(b[6:], h.Minor)
	binary.LittleEndian.PutUint32(b[8:], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[12:], h.StreamCount)
	binary.LittleEndian.PutUint64(b[16:], h.DirOffset)
	binary.LittleEndian.PutUint64(b[24:], h.FileSize)
	binary.LittleEndian.PutUint32(b[32:], h.Generation)
	binary.LittleEndian.PutUint32(b[36:], h.Flags)
}

func decodeHeader(b []byte) (Header, bool) {
	if len(b) < headerSize {
		return Header{}, false
	}
	var h Header
	copy(h.Magic[:], b[0:4])
	h.Major = binary.LittleEndian.Uint16(b[4:])
	h.Minor = binary.LittleEndian.Uint16(b[6:])
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:])
	h.StreamCount = binary.LittleEndian.Uint32(b[12:])
	h.DirOffset = binary.LittleEndian.Uint64(b[16:])
	h.FileSize = binary.LittleEndian.Uint64(b[24:])
	h.Generation = binary.LittleEndian.Uint32(b[32:])
	h.Flags = binary.LittleEndian.Uint32(b[36:])
	return h, true
}

func encodeStream(b []byte, s *Stream) {
	binary.LittleEndian.PutUint32(b[0:], s.StreamID)
	binary.LittleEndian.PutUint32(b[4:], s.Depth)
	binary.LittleEndian.PutUint32(b[8:], s.Head)
	binary.LittleEndian.PutUint32(b[12:], s.Tail)
	binary.LittleEndian.PutUint64(b[16:], s.Base)
	binary.LittleEndian.PutUint64(b[24:], s.Offset)
	binary.LittleEndian.PutUint64(b[32:], s.Size)
}

func decodeStream(b []byte) (Stream, bool) {
	if len(b) < entrySize {
		return Stream{}, false
	}
	return Stream{
		StreamID: binary.LittleEndian.Uint32(b[0:]),
		Depth:    binary.LittleEndian.Uint32(b[4:]),
		Head:     binary.LittleEndian.Uint32(b[8:]),
		Tail:     binary.LittleEndian.Uint32(b[12:]),
		Base:     binary.LittleEndian.Uint64(b[16:]),
		Offset:   binary.LittleEndian.Uint64(b[24:]),
		Size:     binary.LittleEndian.Uint64(b[32:]),
	}, true
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}
