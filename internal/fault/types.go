// Package fault classifies asynchronous device error records into the
// device-wide fault state.
package fault

import (
	"fmt"

	"github.com/samcharles93/rts/internal/hal"
	"gopkg.in/yaml.v3"
)

// Type is the device fault state. Every value other than NoError is
// terminal until repaired.
type Type uint32

const (
	NoError Type = iota
	AicoreUnknown
	AicoreSw
	AicoreHwL
	Link
	HbmUce
	L2Buffer
)

var typeNames = [...]string{
	NoError:       "no_error",
	AicoreUnknown: "aicore_unknown",
	AicoreSw:      "aicore_sw",
	AicoreHwL:     "aicore_hw_l",
	Link:          "link",
	HbmUce:        "hbm_uce",
	L2Buffer:      "l2_buffer",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("fault(%d)", uint32(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return NoError, fmt.Errorf("fault: unknown type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *Type) UnmarshalYAML(n *yaml.Node) error {
	return t.UnmarshalText([]byte(n.Value))
}

// Class is the severity class hardware attaches to an error record.
type Class uint8

const (
	ClassNA Class = iota
	ClassMtePoison
	ClassHwL
	ClassSw
	ClassLink
)

func (c Class) String() string {
	switch c {
	case ClassNA:
		return "na"
	case ClassMtePoison:
		return "mte_poison"
	case ClassHwL:
		return "hw_l"
	case ClassSw:
		return "sw"
	case ClassLink:
		return "link"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Record is one device error report with the fields the classifier and
// fault callbacks need.
type Record struct {
	DeviceID  uint32        `json:"device_id"`
	Subsystem hal.Subsystem `json:"-"`
	Class     Class         `json:"class"`
	StreamID  uint32        `json:"stream_id"`
	TaskID    uint32        `json:"task_id"`
	DieID     uint8         `json:"die_id"`
	MissionID uint8         `json:"mission_id"`
	InstID    uint16        `json:"inst_id"`
	CoreID    uint32        `json:"core_id"`
	CqeStatus uint32        `json:"cqe_status"`
	// Args echoes SQE fields of the failing task.
	Args [4]uint64 `json:"args"`
}

// RecordFrom converts a raw driver record. Unknown error classes become NA.
func RecordFrom(r hal.ErrorRecord) Record {
	c := Class(r.ErrClass)
	if c > ClassLink {
		c = ClassNA
	}
	return Record{
		DeviceID:  r.DeviceID,
		Subsystem: r.Subsystem,
		Class:     c,
		StreamID:  r.StreamID,
		TaskID:    r.TaskID,
		DieID:     r.DieID,
		MissionID: r.MissionID,
		InstID:    r.InstID,
		CoreID:    r.CoreID,
		CqeStatus: r.CqeStatus,
		Args:      r.Args,
	}
}

// SDMA completion statuses that indicate a memory-path failure.
const (
	SdmaStatusDDRC   uint32 = 0x8
	SdmaStatusLink   uint32 = 0x9
	SdmaStatusPoison uint32 = 0xa
)

func sdmaMemoryStatus(s uint32) bool {
	return s == SdmaStatusDDRC || s == SdmaStatusLink || s == SdmaStatusPoison
}
