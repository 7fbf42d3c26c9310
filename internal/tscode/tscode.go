// Package tscode holds the task-scheduler status codes stored on
// descriptors and the mapping from completion error-type bits.
package tscode

import "fmt"

// Code is a task-scheduler status code. Zero is success.
type Code = uint32

const (
	Success Code = 0

	EndOfSequence    Code = 0x07
	ModelAbortNormal Code = 0x08

	TaskException   Code = 0x90
	TaskBusError    Code = 0x91
	TaskTimeout     Code = 0x92
	TaskSqeError    Code = 0x93
	TaskResConflict Code = 0x94
	TaskSwStatus    Code = 0x95

	AicoreMteError  Code = 0xa0
	SdmaLinkError   Code = 0xa1
	SdmaPoisonError Code = 0xa2
	LinkError       Code = 0xa3
	UbError         Code = 0xb0
)

// ExistError masks the completion error-type bits that signal a failure.
const ExistError uint8 = 0x3f

var byBit = [...]Code{
	TaskException,
	TaskBusError,
	TaskTimeout,
	TaskSqeError,
	TaskResConflict,
	TaskSwStatus,
}

// Failed reports whether errType carries a failure bit.
func Failed(errType uint8) bool {
	return errType&ExistError != 0
}

// FromErrorType maps the lowest failure bit of errType to its code.
func FromErrorType(errType uint8) Code {
	bits := errType & ExistError
	if bits == 0 {
		return Success
	}
	for i, c := range byBit {
		if bits&(1<<i) != 0 {
			return c
		}
	}
	return Success
}

// Normal reports whether c ends a task without it being an error the
// caller must be told about.
func Normal(c Code) bool {
	return c == Success || c == EndOfSequence || c == ModelAbortNormal
}

// IsMemoryError reports whether c names a memory-subsystem fault that
// escalates to the device.
func IsMemoryError(c Code) bool {
	switch c {
	case AicoreMteError, SdmaLinkError, SdmaPoisonError:
		return true
	}
	return false
}

var names = map[Code]string{
	Success:          "success",
	EndOfSequence:    "end of sequence",
	ModelAbortNormal: "model abort normal",
	TaskException:    "task exception",
	TaskBusError:     "task bus error",
	TaskTimeout:      "task timeout",
	TaskSqeError:     "task sqe error",
	TaskResConflict:  "task resource conflict",
	TaskSwStatus:     "task sw status error",
	AicoreMteError:   "aicore mte error",
	SdmaLinkError:    "sdma link error",
	SdmaPoisonError:  "sdma poison error",
	LinkError:        "link error",
	UbError:          "ub error",
}

// Name describes c.
func Name(c Code) string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("ts error %#x", c)
}

// UbStatus is the unified-bus completion status carried in the low byte of
// a UB task's completion sub-code.
type UbStatus uint8

const (
	UbOK UbStatus = iota
	UbUnsupportedOpcode
	UbLocalOperation
	UbRemoteOperation
	UbRetryExceeded
	UbAckTimeout
	UbFlushed
)

// UbStatusOf extracts the status from a completion sub-code.
func UbStatusOf(sub uint32) UbStatus {
	return UbStatus(sub & 0xff)
}

func (s UbStatus) String() string {
	switch s {
	case UbOK:
		return "ok"
	case UbUnsupportedOpcode:
		return "unsupported opcode"
	case UbLocalOperation:
		return "local operation error"
	case UbRemoteOperation:
		return "remote operation error"
	case UbRetryExceeded:
		return "transaction retry counter exceeded"
	case UbAckTimeout:
		return "transaction ack timeout"
	case UbFlushed:
		return "jetty work request flushed"
	default:
		return fmt.Sprintf("ub status %#x", uint8(s))
	}
}

// Known reports whether s is one of the named statuses.
func (s UbStatus) Known() bool {
	return s <= UbFlushed
}
