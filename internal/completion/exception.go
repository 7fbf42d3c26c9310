package completion

import (
	"github.com/goccy/go-json"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
)

// ExceptionType tags the expansion carried by an ExceptionInfo.
type ExceptionType uint8

const (
	ExceptionGeneral ExceptionType = iota
	ExceptionUB
	ExceptionModel
)

func (t ExceptionType) String() string {
	switch t {
	case ExceptionGeneral:
		return "general"
	case ExceptionUB:
		return "ub"
	case ExceptionModel:
		return "model"
	default:
		return "unknown"
	}
}

func (t ExceptionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UbType distinguishes doorbell and direct work-queue-element sends.
type UbType uint8

const (
	UbDoorbell UbType = iota
	UbDirectWqe
)

func (t UbType) MarshalText() ([]byte, error) {
	if t == UbDirectWqe {
		return []byte("direct_wqe"), nil
	}
	return []byte("doorbell"), nil
}

type UbEntry struct {
	DieID   uint16 `json:"die_id"`
	FuncID  uint16 `json:"func_id"`
	JettyID uint32 `json:"jetty_id"`
	PIValue uint32 `json:"pi_value,omitempty"`
}

type UbInfo struct {
	Type    UbType    `json:"type"`
	Status  string    `json:"status"`
	Entries []UbEntry `json:"entries"`
}

// ExceptionInfo is delivered to fail callbacks once per failed task.
type ExceptionInfo struct {
	OccurrenceID string        `json:"occurrence_id"`
	RetCode      tscode.Code   `json:"ret_code"`
	RetName      string        `json:"ret_name"`
	TaskSn       uint32        `json:"task_sn"`
	TaskID       uint32        `json:"task_id"`
	StreamID     uint32        `json:"stream_id"`
	DeviceID     uint32        `json:"device_id"`
	Kind         string        `json:"kind"`
	Type         ExceptionType `json:"type"`
	MteCode      tscode.Code   `json:"mte_code,omitempty"`
	Ub           *UbInfo       `json:"ub,omitempty"`
}

// JSON encodes e for journals and diagnostics.
func (e ExceptionInfo) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func ubInfo(d *task.Descriptor, status tscode.UbStatus) *UbInfo {
	switch p := d.Payload.(type) {
	case task.UbDoorbellSend:
		info := &UbInfo{Type: UbDoorbell, Status: status.String(), Entries: make([]UbEntry, 0, len(p.Entries))}
		for _, e := range p.Entries {
			info.Entries = append(info.Entries, UbEntry{DieID: e.DieID, FuncID: e.FuncID, JettyID: e.JettyID, PIValue: e.PIValue})
		}
		return info
	case task.UbDirectSend:
		return &UbInfo{
			Type:    UbDirectWqe,
			Status:  status.String(),
			Entries: []UbEntry{{DieID: p.DieID, FuncID: p.FuncID, JettyID: p.JettyID}},
		}
	}
	return nil
}
