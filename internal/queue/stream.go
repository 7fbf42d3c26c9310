package queue

import (
	"fmt"
	"sync"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/task"
)

// headUpdateEvery is how many allocations pass between requests for the
// firmware to refresh the reported head.
const headUpdateEvery = 64

type entry struct {
	d         *task.Descriptor
	start     uint32
	count     uint32
	published bool
	consumed  bool
}

// Stream tracks one hardware submission queue. Submission and completion
// paths may call it concurrently.
type Stream struct {
	mu sync.Mutex

	id    uint32
	prof  chip.Profile
	depth uint32
	bound bool
	wrCqe bool

	head uint32
	tail uint32
	// used counts slots between head and tail.
	used       uint32
	allocTimes uint64
	sn         uint32
	slots      []*entry

	log logger.Logger
}

type Option func(*Stream)

// WithWrCqe sets the stream's default completion-entry flag.
func WithWrCqe(on bool) Option {
	return func(s *Stream) { s.wrCqe = on }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Stream) { s.log = l }
}

func NewStream(id uint32, prof chip.Profile, opts ...Option) (*Stream, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	s := &Stream{
		id:    id,
		prof:  prof,
		depth: prof.QueueDepth,
		slots: make([]*entry, prof.QueueDepth),
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("stream", id)
	return s, nil
}

func (s *Stream) StreamID() uint32      { return s.id }
func (s *Stream) Profile() chip.Profile { return s.prof }
func (s *Stream) Depth() uint32         { return s.depth }

func (s *Stream) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// SetBound records whether the stream is attached to a model.
func (s *Stream) SetBound(b bool) {
	s.mu.Lock()
	s.bound = b
	s.mu.Unlock()
}

func (s *Stream) WrCqeFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrCqe
}

// Reserve claims count contiguous slots for d at the tail and stamps its
// queue position, serial and head-update flag. On failure nothing changes.
func (s *Stream) Reserve(d *task.Descriptor, count int) (uint32, error) {
	if d == nil {
		return 0, fmt.Errorf("%w: nil descriptor", ErrNotReserved)
	}
	if count < 1 || count > task.MaxChain {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if d.StreamID != s.id {
		return 0, fmt.Errorf("%w: task for stream %d", ErrForeignTask, d.StreamID)
	}
	n := uint32(count)

	s.mu.Lock()
	defer s.mu.Unlock()
	// One slot stays empty so a full ring never reads as head == tail. The
	// default depth of 2049 is 2048 usable slots plus that sentinel, and the
	// ring is full when head == (tail+1) % depth.
	if s.used+n >= s.depth {
		return 0, fmt.Errorf("%w: stream %d has %d of %d slots in use", ErrQueueFull, s.id, s.used, s.depth)
	}
	for i := range n {
		pos := (s.tail + i) % s.depth
		if s.slots[pos] != nil {
			return 0, fmt.Errorf("%w: stream %d slot %d awaits completion", ErrQueueFull, s.id, pos)
		}
	}

	id := s.tail
	e := &entry{d: d, start: id, count: n}
	for i := range n {
		s.slots[(id+i)%s.depth] = e
	}
	s.tail = (s.tail + n) % s.depth
	s.used += n
	s.allocTimes++
	s.sn++

	d.ID = id
	d.Sn = s.sn
	d.HeadUpdate = s.allocTimes%headUpdateEvery == 0
	return id, nil
}

// entryLocked returns the reservation that starts at pos.
func (s *Stream) entryLocked(pos uint32) *entry {
	if pos >= s.depth {
		return nil
	}
	e := s.slots[pos]
	if e == nil || e.start != pos {
		return nil
	}
	return e
}

// Rollback undoes the most recent reservation when its SQEs could not be
// written.
func (s *Stream) Rollback(d *task.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(d.ID)
	if e == nil || e.d != d || e.published {
		return fmt.Errorf("%w: task %d", ErrNotReserved, d.ID)
	}
	if (e.start+e.count)%s.depth != s.tail {
		return fmt.Errorf("%w: task %d", ErrNotLatest, d.ID)
	}
	for i := range e.count {
		s.slots[(e.start+i)%s.depth] = nil
	}
	s.tail = e.start
	s.used -= e.count
	s.allocTimes--
	s.sn--
	return nil
}

// Publish makes a reserved task visible to completion lookups. Call it
// after its SQEs are in the ring.
func (s *Stream) Publish(d *task.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(d.ID)
	if e == nil || e.d != d {
		return fmt.Errorf("%w: task %d", ErrNotReserved, d.ID)
	}
	e.published = true
	return nil
}

// Lookup finds the published task at queue position taskID.
func (s *Stream) Lookup(taskID uint32) (*task.Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(taskID)
	if e == nil || !e.published {
		return nil, false
	}
	return e.d, true
}

// ObserveHardwareHead moves head forward to newHead and returns the tasks
// whose last SQE it passed. A head outside the in-flight window is stale
// and ignored, so head never moves backward.
func (s *Stream) ObserveHardwareHead(newHead uint32) []*task.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newHead >= s.depth {
		s.log.Debug("sq head out of range", "head", newHead, "depth", s.depth)
		return nil
	}
	dist := (newHead + s.depth - s.head) % s.depth
	if dist == 0 {
		return nil
	}
	if dist > s.used {
		s.log.Debug("stale sq head ignored", "head", newHead, "current", s.head, "tail", s.tail, "used", s.used)
		return nil
	}
	return s.consumeLocked(dist)
}

// AdvancePast moves head beyond the task at taskID. A completion for a
// task proves the hardware read it and everything queued before it.
func (s *Stream) AdvancePast(taskID uint32) []*task.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(taskID)
	if e == nil || e.consumed {
		return nil
	}
	end := (e.start + e.count) % s.depth
	dist := (end + s.depth - s.head) % s.depth
	if dist == 0 || dist > s.used {
		return nil
	}
	return s.consumeLocked(dist)
}

func (s *Stream) consumeLocked(dist uint32) []*task.Descriptor {
	var out []*task.Descriptor
	for i := range dist {
		pos := (s.head + i) % s.depth
		e := s.slots[pos]
		if e == nil || e.consumed {
			continue
		}
		if pos == (e.start+e.count-1)%s.depth {
			e.consumed = true
			out = append(out, e.d)
		}
	}
	s.head = (s.head + dist) % s.depth
	s.used -= dist
	return out
}

// Retire releases the slots of a consumed task once its completion has
// been handled. The descriptor may be recycled by its owner afterwards.
func (s *Stream) Retire(taskID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(taskID)
	if e == nil {
		return fmt.Errorf("%w: task %d", ErrNotReserved, taskID)
	}
	if !e.consumed {
		return fmt.Errorf("%w: task %d", ErrUnconsumed, taskID)
	}
	for i := range e.count {
		pos := (e.start + i) % s.depth
		if s.slots[pos] == e {
			s.slots[pos] = nil
		}
	}
	e.d.MarkRetired()
	return nil
}

// Position classifies taskID against the current head and tail.
func (s *Stream) Position(taskID uint32) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JudgeHeadTailPos(s.head, s.tail, taskID)
}

// Outstanding lists published tasks that have not been retired, in queue
// order starting at head.
func (s *Stream) Outstanding() []*task.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Descriptor
	seen := make(map[*entry]bool)
	for i := range s.depth {
		e := s.slots[(s.head+i)%s.depth]
		if e == nil || !e.published || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e.d)
	}
	return out
}

// Occupancy is a point-in-time view of a stream's queue.
type Occupancy struct {
	StreamID uint32 `json:"stream_id"`
	Depth    uint32 `json:"depth"`
	Head     uint32 `json:"head"`
	Tail     uint32 `json:"tail"`
	Used     uint32 `json:"used"`
	// Awaiting counts consumed tasks whose completion is still pending.
	Awaiting   int    `json:"awaiting"`
	AllocTimes uint64 `json:"alloc_times"`
	Bound      bool   `json:"bound"`
}

func (s *Stream) Occupancy() Occupancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := Occupancy{
		StreamID:   s.id,
		Depth:      s.depth,
		Head:       s.head,
		Tail:       s.tail,
		Used:       s.used,
		AllocTimes: s.allocTimes,
		Bound:      s.bound,
	}
	for pos, e := range s.slots {
		if e != nil && e.consumed && e.start == uint32(pos) {
			o.Awaiting++
		}
	}
	return o
}
