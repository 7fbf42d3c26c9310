package task

import (
	"sync"
	"sync/atomic"

	"github.com/samcharles93/rts/internal/chip"
)

// State is the lifecycle position of a descriptor.
type State uint32

const (
	StateFree State = iota
	StateAllocated
	StateInitialized
	StateSubmitted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateInitialized:
		return "initialized"
	case StateSubmitted:
		return "submitted"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is the terminal status of a task.
type Result struct {
	ErrorType uint8
	ErrorCode uint32
	// MteErrCode is the memory-subsystem sub-error reported with the failure.
	MteErrCode uint32
}

// OK reports whether the task finished without error.
func (r Result) OK() bool {
	return r.ErrorType == 0 && r.ErrorCode == 0
}

// Descriptor is one asynchronous unit of work.
type Descriptor struct {
	// ID is the queue position assigned by the stream's tracker.
	ID uint32
	// Sn is the stream-local submission serial.
	Sn       uint32
	StreamID uint32
	Kind     Kind
	Profile  chip.Profile
	WrCqe    WrCqeMode
	// StreamWrCqe is the stream default applied for WrCqeDefault.
	StreamWrCqe bool
	// HeadUpdate asks firmware to refresh the reported head after this task.
	HeadUpdate bool
	Payload    Payload

	index    int32
	sqes     int
	state    atomic.Uint32
	// queued holds from MarkSubmitted until the stream releases the task's
	// slots; recycling is refused while it is set.
	queued   atomic.Bool
	mu       sync.Mutex
	result   Result
	done     bool
	consumed bool
}

// State returns the lifecycle state.
func (d *Descriptor) State() State {
	return State(d.state.Load())
}

// SQECount is the number of SQEs the initialized task occupies.
func (d *Descriptor) SQECount() int {
	return d.sqes
}

// WantCqe resolves the completion-entry policy.
func (d *Descriptor) WantCqe() bool {
	switch d.WrCqe {
	case WrCqeNever:
		return false
	case WrCqeAlways:
		return true
	default:
		return d.StreamWrCqe
	}
}

// MarkSubmitted records that the task's SQEs are in the queue.
func (d *Descriptor) MarkSubmitted() error {
	if !d.state.CompareAndSwap(uint32(StateInitialized), uint32(StateSubmitted)) {
		return ErrBadState
	}
	d.queued.Store(true)
	return nil
}

// MarkRetired records that the queue no longer references the task.
func (d *Descriptor) MarkRetired() {
	d.queued.Store(false)
}

// Queued reports whether a queue slot still references the task.
func (d *Descriptor) Queued() bool {
	return d.queued.Load()
}

// Complete stores the terminal status. Only the first report is kept;
// later reports return false.
func (d *Descriptor) Complete(errType uint8, errCode uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.result.ErrorType = errType
	d.result.ErrorCode = errCode
	d.done = true
	d.state.Store(uint32(StateCompleted))
	return true
}

// SetErrorCode rewrites the stored code during kind-specific completion handling.
func (d *Descriptor) SetErrorCode(code uint32) {
	d.mu.Lock()
	d.result.ErrorCode = code
	d.mu.Unlock()
}

// SetMteError records the memory sub-error once.
func (d *Descriptor) SetMteError(code uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.result.MteErrCode != 0 {
		return false
	}
	d.result.MteErrCode = code
	return true
}

// Result returns the stored status without consuming it.
func (d *Descriptor) Result() (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.result, d.done
}

// TakeResult hands the stored status to a poller exactly once.
func (d *Descriptor) TakeResult() (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.done || d.consumed {
		return Result{}, false
	}
	d.consumed = true
	return d.result, true
}

func (d *Descriptor) reset() {
	d.ID = 0
	d.Sn = 0
	d.StreamID = 0
	d.Kind = 0
	d.Profile = chip.Profile{}
	d.WrCqe = WrCqeDefault
	d.StreamWrCqe = false
	d.HeadUpdate = false
	d.Payload = nil
	d.sqes = 0
	d.queued.Store(false)
	d.mu.Lock()
	d.result = Result{}
	d.done = false
	d.consumed = false
	d.mu.Unlock()
}
