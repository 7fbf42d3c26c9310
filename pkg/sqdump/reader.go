package sqdump

import (
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/samcharles93/rts/internal/sqe"
	"golang.org/x/sys/unix"
)

type File struct {
	Data    []byte
	Header  *Header
	Streams []Stream
	mmapped bool
}

// Open maps a capture read-only and validates it. When mmap is
// unavailable the file is read into memory instead. Close releases the
// mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := st.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, perr := parse(data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return sf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

// OpenReaderAt loads a capture without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if hdr.Major != CurrentMajor {
		return nil, ErrUnsupportedMajor
	}
	if hdr.FileSize != uint64(len(data)) || hdr.HeaderSize < headerSize || hdr.StreamCount == 0 {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.DirOffset
	dirEnd := dirStart + uint64(hdr.StreamCount)*entrySize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	streams := make([]Stream, hdr.StreamCount)
	for i := range streams {
		start := int(dirStart) + i*entrySize
		s, ok := decodeStream(data[start : start+entrySize])
		if !ok {
			return nil, ErrCorruptFile
		}
		end := s.Offset + s.Size
		switch {
		case end < s.Offset || end > uint64(len(data)):
			return nil, fmt.Errorf("%w: stream %d out of bounds", ErrCorruptFile, s.StreamID)
		case s.Offset < uint64(hdr.HeaderSize):
			return nil, fmt.Errorf("%w: stream %d overlaps header", ErrCorruptFile, s.StreamID)
		case rangesOverlap(s.Offset, end, dirStart, dirEnd):
			return nil, fmt.Errorf("%w: stream %d overlaps directory", ErrCorruptFile, s.StreamID)
		case s.Offset%payloadAlign != 0:
			return nil, fmt.Errorf("%w: stream %d not %d-byte aligned", ErrCorruptFile, s.StreamID, payloadAlign)
		case s.Depth == 0 || s.Size != uint64(s.Depth)*sqe.Size:
			return nil, fmt.Errorf("%w: stream %d size %d does not match depth %d", ErrCorruptFile, s.StreamID, s.Size, s.Depth)
		case s.Head >= s.Depth || s.Tail >= s.Depth:
			return nil, fmt.Errorf("%w: stream %d head or tail beyond depth", ErrCorruptFile, s.StreamID)
		}
		streams[i] = s
	}
	return &File{Data: data, Header: &hdr, Streams: streams, mmapped: mmapped}, nil
}

func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Streams = nil
	f.mmapped = false
	return err
}

// Stream returns the capture of streamID, or nil.
func (f *File) Stream(streamID uint32) *Stream {
	for i := range f.Streams {
		if f.Streams[i].StreamID == streamID {
			return &f.Streams[i]
		}
	}
	return nil
}

// Slot returns the SQE at pos of s.
func (f *File) Slot(s *Stream, pos uint32) sqe.SQE {
	var out sqe.SQE
	if s == nil || pos >= s.Depth || f.Data == nil {
		return out
	}
	off := s.Offset + uint64(pos)*sqe.Size
	copy(out[:], f.Data[off:off+sqe.Size])
	return out
}

// Pending yields the slots between the captured head and tail.
func (f *File) Pending(s *Stream) iter.Seq2[uint32, sqe.SQE] {
	return func(yield func(uint32, sqe.SQE) bool) {
		if s == nil {
			return
		}
		for pos := s.Head; pos != s.Tail; pos = (pos + 1) % s.Depth {
			if !yield(pos, f.Slot(s, pos)) {
				return
			}
		}
	}
}
