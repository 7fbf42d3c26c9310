package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNoFault       = errors.New("device has no fault")
	ErrNotRepairable = errors.New("fault cannot be repaired by this action")
)

// RepairKind selects the administrative action that clears a fault.
type RepairKind uint8

const (
	RepairAICore RepairKind = iota
	RepairLink
)

func (k RepairKind) String() string {
	switch k {
	case RepairAICore:
		return "aicore"
	case RepairLink:
		return "link"
	default:
		return fmt.Sprintf("repair(%d)", uint8(k))
	}
}

// ParseRepairKind is the inverse of RepairKind.String.
func ParseRepairKind(s string) (RepairKind, error) {
	switch s {
	case "aicore":
		return RepairAICore, nil
	case "link":
		return RepairLink, nil
	}
	return 0, fmt.Errorf("fault: unknown repair kind %q", s)
}

func (k RepairKind) covers(t Type) bool {
	switch k {
	case RepairAICore:
		return t == AicoreUnknown || t == AicoreSw || t == AicoreHwL
	case RepairLink:
		return t == Link
	}
	return false
}

// Device holds the fault state of one device. The state moves from NoError
// to a terminal type exactly once and only Repair moves it back.
type Device struct {
	id       uint32
	state    atomic.Uint32
	recovers atomic.Uint32

	mu      sync.Mutex
	at      time.Time
	rec     Record
	eventID uint32
	now     func() time.Time
}

func NewDevice(id uint32) *Device {
	return &Device{id: id, now: time.Now}
}

func (d *Device) ID() uint32 {
	return d.id
}

// State is the current fault type.
func (d *Device) State() Type {
	return Type(d.state.Load())
}

// set moves the device into t. It returns false when the device already
// holds a fault.
func (d *Device) set(t Type, rec Record, eventID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.CompareAndSwap(uint32(NoError), uint32(t)) {
		return false
	}
	d.at = d.now()
	d.rec = rec
	d.eventID = eventID
	return true
}

// Repair clears the fault when kind covers it. AI-core repairs count
// toward the recover counter.
func (d *Device) Repair(kind RepairKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.State()
	if cur == NoError {
		return ErrNoFault
	}
	if !kind.covers(cur) {
		return fmt.Errorf("%w: %s does not clear %s", ErrNotRepairable, kind, cur)
	}
	d.state.Store(uint32(NoError))
	d.at = time.Time{}
	d.rec = Record{}
	d.eventID = 0
	if kind == RepairAICore {
		d.recovers.Add(1)
	}
	return nil
}

// RecoverCount is the number of AI-core repairs performed.
func (d *Device) RecoverCount() uint32 {
	return d.recovers.Load()
}

// Verbose is the detailed view of the device fault.
type Verbose struct {
	DeviceID     uint32    `json:"device_id"`
	Type         Type      `json:"type"`
	TryRepair    bool      `json:"try_repair"`
	RecoverCount uint32    `json:"recover_count"`
	At           time.Time `json:"at,omitzero"`
	EventID      uint32    `json:"event_id,omitempty"`
	Record       *Record   `json:"record,omitempty"`
}

// ErrorVerbose returns the fault with the record that caused it. TryRepair
// is set for faults a link repair can clear.
func (d *Device) ErrorVerbose() Verbose {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := Verbose{
		DeviceID:     d.id,
		Type:         d.State(),
		RecoverCount: d.recovers.Load(),
	}
	if v.Type == NoError {
		return v
	}
	rec := d.rec
	v.TryRepair = v.Type == Link
	v.At = d.at
	v.EventID = d.eventID
	v.Record = &rec
	return v
}
