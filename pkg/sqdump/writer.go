package sqdump

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/sqe"
)

// Writer builds a capture file. Ring payloads are written as they arrive;
// the stream directory and header are patched in by Finalise.
type Writer struct {
	f       *os.File
	gen     chip.Generation
	streams []Stream
	seen    map[uint32]struct{}
	closed  bool

	mu sync.Mutex
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File, gen chip.Generation) (*Writer, error) {
	if f == nil {
		return nil, errors.New("sqdump: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, gen: gen, seen: make(map[uint32]struct{})}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteStream appends the SQ memory of one stream. ring must hold exactly
// depth slots and each stream may be written once.
func (w *Writer) WriteStream(meta Stream, ring []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("sqdump: writer already finalised")
	}
	if _, ok := w.seen[meta.StreamID]; ok {
		return fmt.Errorf("sqdump: duplicate stream %d", meta.StreamID)
	}
	if meta.Depth == 0 || uint64(len(ring)) != uint64(meta.Depth)*sqe.Size {
		return fmt.Errorf("sqdump: stream %d ring is %d bytes for depth %d", meta.StreamID, len(ring), meta.Depth)
	}
	if meta.Head >= meta.Depth || meta.Tail >= meta.Depth {
		return fmt.Errorf("sqdump: stream %d head %d tail %d beyond depth %d", meta.StreamID, meta.Head, meta.Tail, meta.Depth)
	}
	if err := w.alignTo(payloadAlign); err != nil {
		return err
	}
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := writeFull(w.f, ring); err != nil {
		return err
	}
	meta.Offset = uint64(off)
	meta.Size = uint64(len(ring))
	w.streams = append(w.streams, meta)
	w.seen[meta.StreamID] = struct{}{}
	return nil
}

// Finalise writes the stream directory and the header. The writer cannot
// be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("sqdump: writer already finalised")
	}
	if len(w.streams) == 0 {
		return errors.New("sqdump: no streams written")
	}
	if err := w.alignTo(8); err != nil {
		return err
	}
	dirOff, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var ent [entrySize]byte
	for i := range w.streams {
		encodeStream(ent[:], &w.streams[i])
		if err := writeFull(w.f, ent[:]); err != nil {
			return err
		}
	}
	end, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	h := Header{
		Major:       CurrentMajor,
		Minor:       CurrentMinor,
		HeaderSize:  headerSize,
		StreamCount: uint32(len(w.streams)),
		DirOffset:   uint64(dirOff),
		FileSize:    uint64(end),
		Generation:  uint32(w.gen),
	}
	copy(h.Magic[:], Magic)
	var hdr [headerSize]byte
	encodeHeader(hdr[:], &h)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	w.closed = true
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pad := (n - off%n) % n; pad > 0 {
		return w.writeZeros(int(pad))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	return writeFull(w.f, make([]byte, n))
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
