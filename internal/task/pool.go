package task

import (
	"fmt"
	"sync"

	"github.com/samcharles93/rts/internal/chip"
)

// StreamState is the view of a stream the store needs at allocation and
// init time.
type StreamState interface {
	StreamID() uint32
	Profile() chip.Profile
	Bound() bool
	WrCqeFlag() bool
}

// Pool is a fixed-capacity descriptor store.
type Pool struct {
	mu    sync.Mutex
	slots []Descriptor
	free  []int32
}

// NewPool preallocates capacity descriptors.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		slots: make([]Descriptor, capacity),
		free:  make([]int32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		p.slots[i].index = int32(i)
		p.free = append(p.free, int32(i))
	}
	return p
}

// Allocate takes a free descriptor for kind on s. It fails with
// ErrPoolExhausted when no slot is free and ErrUnsupportedKind when the
// stream's generation cannot run kind.
func (p *Pool) Allocate(s StreamState, kind Kind) (*Descriptor, error) {
	prof := s.Profile()
	if !Supported(prof.Generation, kind) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedKind, kind, prof.Generation)
	}

	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()

	d := &p.slots[idx]
	d.reset()
	d.Kind = kind
	d.StreamID = s.StreamID()
	d.Profile = prof
	d.StreamWrCqe = s.WrCqeFlag()
	d.state.Store(uint32(StateAllocated))
	return d, nil
}

// Recycle returns d to the pool. A task whose SQEs were queued may only be
// recycled after its completion was observed and its queue slots were
// retired.
func (p *Pool) Recycle(d *Descriptor) error {
	if d == nil || d.index < 0 || int(d.index) >= len(p.slots) || &p.slots[d.index] != d {
		return fmt.Errorf("%w: descriptor not owned by pool", ErrBadState)
	}
	if d.Queued() {
		return fmt.Errorf("%w: stream %d task %d is %s and holds queue slots", ErrInFlight, d.StreamID, d.ID, d.State())
	}
	switch st := d.State(); st {
	case StateSubmitted:
		return fmt.Errorf("%w: stream %d task %d", ErrInFlight, d.StreamID, d.ID)
	case StateFree:
		return fmt.Errorf("%w: double recycle", ErrBadState)
	default:
		if !d.state.CompareAndSwap(uint32(st), uint32(StateFree)) {
			return fmt.Errorf("%w: state changed during recycle", ErrBadState)
		}
	}
	d.reset()

	p.mu.Lock()
	p.free = append(p.free, d.index)
	p.mu.Unlock()
	return nil
}

// InUse is the number of allocated descriptors.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Cap is the pool capacity.
func (p *Pool) Cap() int {
	return len(p.slots)
}
