// Package sim is an in-memory device that executes SQEs deterministically.
// It decodes each queued SQE, moves the queue head and writes completion
// reports, and lets tests program heads, inject faults and force driver
// errors.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/sqe"
)

// Call names a driver method for failure injection.
type Call uint8

const (
	CallDoorbell Call = iota
	CallHead
	CallPoll
	CallErrors
	CallQuery
)

// errSqe is the completion error-type bit for a malformed SQE.
const errSqe = 1 << 3

type stream struct {
	ring hal.SlotReader
	head uint32
	tail uint32
	held bool
}

type taskKey struct {
	stream uint32
	task   uint32
}

// Driver implements hal.Driver.
type Driver struct {
	mu sync.Mutex

	gen     chip.Generation
	ras     bool
	streams map[uint32]*stream

	cqes     []hal.CQE
	records  []hal.ErrorRecord
	events   []hal.FaultEvent
	failures map[taskKey]hal.CQE
	errs     map[Call]error
	queries  int
}

type Option func(*Driver)

// WithRAS sets whether QueryFaultEvents is available.
func WithRAS(on bool) Option {
	return func(d *Driver) { d.ras = on }
}

func New(gen chip.Generation, opts ...Option) *Driver {
	d := &Driver{
		gen:      gen,
		ras:      true,
		streams:  make(map[uint32]*stream),
		failures: make(map[taskKey]hal.CQE),
		errs:     make(map[Call]error),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ hal.Driver = (*Driver)(nil)

func (d *Driver) BindQueue(streamID uint32, sq hal.SlotReader) error {
	if sq == nil || sq.Depth() == 0 {
		return fmt.Errorf("sim: stream %d has no queue memory", streamID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[streamID]; ok {
		return fmt.Errorf("sim: stream %d already bound", streamID)
	}
	d.streams[streamID] = &stream{ring: sq}
	return nil
}

func (d *Driver) UnbindQueue(streamID uint32) {
	d.mu.Lock()
	delete(d.streams, streamID)
	d.mu.Unlock()
}

// Hold stops Step from executing a stream until Release.
func (d *Driver) Hold(streamID uint32) {
	d.mu.Lock()
	if s, ok := d.streams[streamID]; ok {
		s.held = true
	}
	d.mu.Unlock()
}

func (d *Driver) Release(streamID uint32) {
	d.mu.Lock()
	if s, ok := d.streams[streamID]; ok {
		s.held = false
	}
	d.mu.Unlock()
}

// SetHead programs the head reported by GetSqHead without executing SQEs.
func (d *Driver) SetHead(streamID, head uint32) {
	d.mu.Lock()
	if s, ok := d.streams[streamID]; ok {
		s.head = head
	}
	d.mu.Unlock()
}

// FailTask makes the task at taskID report r instead of success. The report
// is written even when the task did not ask for a completion entry.
func (d *Driver) FailTask(streamID, taskID uint32, r hal.CQE) {
	r.StreamID = streamID
	r.TaskID = taskID
	d.mu.Lock()
	d.failures[taskKey{streamID, taskID}] = r
	d.mu.Unlock()
}

// PushCompletion queues a raw report.
func (d *Driver) PushCompletion(r hal.CQE) {
	d.mu.Lock()
	d.cqes = append(d.cqes, r)
	d.mu.Unlock()
}

// PushErrorRecord queues a device error record.
func (d *Driver) PushErrorRecord(r hal.ErrorRecord) {
	d.mu.Lock()
	d.records = append(d.records, r)
	d.mu.Unlock()
}

// InjectEvents adds events to the RAS event store.
func (d *Driver) InjectEvents(events ...hal.FaultEvent) {
	d.mu.Lock()
	d.events = append(d.events, events...)
	d.mu.Unlock()
}

// ClearEvents empties the RAS event store.
func (d *Driver) ClearEvents() {
	d.mu.Lock()
	d.events = nil
	d.mu.Unlock()
}

// FailNext makes the next call of c return err.
func (d *Driver) FailNext(c Call, err error) {
	d.mu.Lock()
	d.errs[c] = err
	d.mu.Unlock()
}

// Queries is the number of QueryFaultEvents calls served.
func (d *Driver) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

func (d *Driver) injectedLocked(c Call) error {
	err, ok := d.errs[c]
	if !ok {
		return nil
	}
	delete(d.errs, c)
	return err
}

// Step executes every SQE between head and the last doorbelled tail on all
// streams that are not held, and returns how many SQEs ran.
func (d *Driver) Step() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, s := range d.streams {
		if s.held {
			continue
		}
		n += d.executeLocked(id, s)
	}
	return n
}

func (d *Driver) executeLocked(id uint32, s *stream) int {
	depth := s.ring.Depth()
	n := 0
	start := s.head
	for s.head != s.tail {
		pos := s.head
		raw := s.ring.Read(pos)
		h := sqe.Decode(d.gen, raw)
		span := uint32(sqe.Span(d.gen, raw))
		if (s.tail+depth-s.head)%depth < span {
			break
		}
		s.head = (s.head + span) % depth
		n += int(span)

		if h.Op == sqe.OpInvalid {
			d.cqes = append(d.cqes, hal.CQE{StreamID: id, TaskID: start, ErrorType: errSqe})
			start = s.head
			continue
		}
		if h.Chain == sqe.ChainContinue {
			continue
		}
		if f, ok := d.failures[taskKey{id, start}]; ok {
			delete(d.failures, taskKey{id, start})
			d.cqes = append(d.cqes, f)
		} else if h.WrCqe {
			d.cqes = append(d.cqes, hal.CQE{StreamID: id, TaskID: start})
		}
		start = s.head
	}
	return n
}

func (d *Driver) RingDoorbell(_ context.Context, streamID, tail uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(CallDoorbell); err != nil {
		return err
	}
	s, ok := d.streams[streamID]
	if !ok {
		return fmt.Errorf("sim: stream %d not attached", streamID)
	}
	if tail >= s.ring.Depth() {
		return fmt.Errorf("sim: tail %d beyond depth %d", tail, s.ring.Depth())
	}
	s.tail = tail
	return nil
}

func (d *Driver) GetSqHead(_ context.Context, streamID uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(CallHead); err != nil {
		return 0, err
	}
	s, ok := d.streams[streamID]
	if !ok {
		return 0, fmt.Errorf("sim: stream %d not attached", streamID)
	}
	return s.head, nil
}

func (d *Driver) PollCompletions(_ context.Context, limit int) ([]hal.CQE, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(CallPoll); err != nil {
		return nil, err
	}
	n := len(d.cqes)
	if limit > 0 && n > limit {
		n = limit
	}
	out := append([]hal.CQE(nil), d.cqes[:n]...)
	d.cqes = d.cqes[n:]
	return out, nil
}

func (d *Driver) PollErrorRecords(_ context.Context, limit int) ([]hal.ErrorRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.injectedLocked(CallErrors); err != nil {
		return nil, err
	}
	n := len(d.records)
	if limit > 0 && n > limit {
		n = limit
	}
	out := append([]hal.ErrorRecord(nil), d.records[:n]...)
	d.records = d.records[n:]
	return out, nil
}

func (d *Driver) QueryFaultEvents(_ context.Context, _ uint32, filter hal.EventFilter) ([]hal.FaultEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ras {
		return nil, hal.ErrFeatureNotSupported
	}
	if err := d.injectedLocked(CallQuery); err != nil {
		return nil, err
	}
	d.queries++
	var out []hal.FaultEvent
	for _, ev := range d.events {
		if filter.EventID != 0 && ev.EventID != filter.EventID {
			continue
		}
		out = append(out, ev)
		if filter.Max > 0 && len(out) == filter.Max {
			break
		}
	}
	return out, nil
}

func (d *Driver) RASSupported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ras
}
