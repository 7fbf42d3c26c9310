package queue

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/rts/internal/sqe"
)

// Ring is the memory backing one stream's submission queue. It is mapped
// anonymously so that it is page aligned like a device queue, and falls
// back to the heap when mmap is unavailable.
type Ring struct {
	base   uint64
	depth  uint32
	mem    []byte
	mapped bool
}

// SlotAddr is the address of queue position pos in a ring of depth slots
// starting at base.
func SlotAddr(base uint64, pos, depth uint32) uint64 {
	return base + uint64(pos%depth)<<6
}

// NewRing allocates depth slots. base is the address the device sees for
// slot zero.
func NewRing(base uint64, depth uint32) (*Ring, error) {
	if depth == 0 {
		return nil, fmt.Errorf("queue: ring depth is zero")
	}
	size := int(depth) * sqe.Size
	r := &Ring{base: base, depth: depth}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		r.mem = make([]byte, size)
		return r, nil
	}
	r.mem = mem
	r.mapped = true
	return r, nil
}

func (r *Ring) Base() uint64  { return r.base }
func (r *Ring) Depth() uint32 { return r.depth }

// SlotAddr is the device address of position pos.
func (r *Ring) SlotAddr(pos uint32) uint64 {
	return SlotAddr(r.base, pos, r.depth)
}

// Write stores s at position pos, wrapping at the end of the ring.
func (r *Ring) Write(pos uint32, s sqe.SQE) {
	off := int(pos%r.depth) * sqe.Size
	copy(r.mem[off:off+sqe.Size], s[:])
}

func (r *Ring) Read(pos uint32) sqe.SQE {
	var s sqe.SQE
	off := int(pos%r.depth) * sqe.Size
	copy(s[:], r.mem[off:off+sqe.Size])
	return s
}

// Snapshot copies the whole ring.
func (r *Ring) Snapshot() []byte {
	out := make([]byte, len(r.mem))
	copy(out, r.mem)
	return out
}

func (r *Ring) Close() error {
	if !r.mapped || r.mem == nil {
		r.mem = nil
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	r.mapped = false
	return err
}
