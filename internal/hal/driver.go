// Package hal describes the device driver surface the runtime core depends
// on: queue head reads, completion polling, device error records and RAS
// fault-event queries.
package hal

import (
	"context"
	"errors"

	"github.com/samcharles93/rts/internal/sqe"
)

// ErrFeatureNotSupported is returned by QueryFaultEvents when the platform
// has no RAS event service.
var ErrFeatureNotSupported = errors.New("driver feature not supported")

// CQE is one completion report as delivered by the driver.
type CQE struct {
	StreamID  uint32
	TaskID    uint32
	ErrorType uint8
	ErrorCode uint32
	// SubCode carries the UB error class or the SDMA completion status.
	SubCode uint32
}

// Subsystem names the device block that raised an error record.
type Subsystem uint8

const (
	SubsystemAICore Subsystem = iota
	SubsystemAIVector
	SubsystemSDMA
	SubsystemCCU
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemAICore:
		return "aicore"
	case SubsystemAIVector:
		return "aivector"
	case SubsystemSDMA:
		return "sdma"
	case SubsystemCCU:
		return "ccu"
	default:
		return "unknown"
	}
}

// ErrorRecord is a raw device error report. ErrClass is the hardware
// error-class field; 0 means not applicable.
type ErrorRecord struct {
	DeviceID  uint32
	Subsystem Subsystem
	ErrClass  uint8
	StreamID  uint32
	TaskID    uint32
	DieID     uint8
	MissionID uint8
	InstID    uint16
	CoreID    uint32
	CqeStatus uint32
	// Args echoes SQE fields of the faulting task.
	Args [4]uint64
}

// FaultEvent is one event returned by the device's RAS service.
type FaultEvent struct {
	EventID            uint32
	SubModuleID        uint8
	ErrorRegisterIndex uint8
	// RasCode is the big-endian packing of the four ras code bytes.
	RasCode uint32
	DieID   uint8
	Name    string
}

// EventFilter narrows a fault event query. A zero EventID returns every
// pending event.
type EventFilter struct {
	EventID uint32
	Max     int
}

// SlotReader gives the driver read access to a stream's SQ memory.
type SlotReader interface {
	Read(pos uint32) sqe.SQE
	Depth() uint32
}

// Driver is implemented by the kernel driver binding and by the simulator.
type Driver interface {
	// BindQueue hands the SQ memory of a new stream to the device.
	BindQueue(streamID uint32, sq SlotReader) error
	UnbindQueue(streamID uint32)
	// RingDoorbell publishes a new tail to the hardware queue.
	RingDoorbell(ctx context.Context, streamID, tail uint32) error
	GetSqHead(ctx context.Context, streamID uint32) (uint32, error)
	PollCompletions(ctx context.Context, limit int) ([]CQE, error)
	PollErrorRecords(ctx context.Context, limit int) ([]ErrorRecord, error)
	QueryFaultEvents(ctx context.Context, deviceID uint32, filter EventFilter) ([]FaultEvent, error)
	RASSupported() bool
}
