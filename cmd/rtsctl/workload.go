package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/task"
	"gopkg.in/yaml.v3"
)

// Workload is a scripted run against the simulated driver.
type Workload struct {
	Generation   string       `yaml:"generation"`
	QueueDepth   uint32       `yaml:"queue_depth"`
	RAS          *bool        `yaml:"ras"`
	Streams      []StreamSpec `yaml:"streams"`
	ErrorRecords []RecordSpec `yaml:"error_records"`
	Events       []EventSpec  `yaml:"events"`
}

type StreamSpec struct {
	WrCqe bool       `yaml:"wr_cqe"`
	Tasks []TaskSpec `yaml:"tasks"`
}

type TaskSpec struct {
	Kind     string    `yaml:"kind"`
	Repeat   int       `yaml:"repeat"`
	Addr     uint64    `yaml:"addr"`
	Value    uint64    `yaml:"value"`
	Size     uint64    `yaml:"size"`
	Src      uint64    `yaml:"src"`
	Dst      uint64    `yaml:"dst"`
	BlockDim uint16    `yaml:"block_dim"`
	NotifyID uint32    `yaml:"notify_id"`
	WrCqe    string    `yaml:"wr_cqe"`
	Fail     *FailSpec `yaml:"fail"`
}

// FailSpec is the completion report the simulated device writes instead of
// success.
type FailSpec struct {
	ErrorType uint8  `yaml:"error_type"`
	ErrorCode uint32 `yaml:"error_code"`
	SubCode   uint32 `yaml:"sub_code"`
}

type RecordSpec struct {
	Subsystem string `yaml:"subsystem"`
	Class     string `yaml:"class"`
	StreamID  uint32 `yaml:"stream_id"`
	TaskID    uint32 `yaml:"task_id"`
	CqeStatus uint32 `yaml:"cqe_status"`
}

type EventSpec struct {
	EventID            uint32 `yaml:"event_id"`
	SubModuleID        uint8  `yaml:"sub_module_id"`
	ErrorRegisterIndex uint8  `yaml:"error_register_index"`
	RasCode            uint32 `yaml:"ras_code"`
	Name               string `yaml:"name"`
}

func LoadWorkload(path string) (Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Workload{}, err
	}
	defer func() { _ = f.Close() }()
	return decodeWorkload(f)
}

func decodeWorkload(r io.Reader) (Workload, error) {
	var w Workload
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		return Workload{}, fmt.Errorf("workload: %w", err)
	}
	if len(w.Streams) == 0 {
		return Workload{}, fmt.Errorf("workload: no streams")
	}
	return w, nil
}

var taskKinds = map[string]task.Kind{
	"nop":           task.KindNop,
	"write_value":   task.KindWriteValue,
	"kernel":        task.KindKernelLaunch,
	"memcpy":        task.KindMemcpyAsync,
	"notify_record": task.KindNotifyRecord,
	"notify_wait":   task.KindNotifyWait,
}

func wrCqeMode(s string) (task.WrCqeMode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return task.WrCqeDefault, nil
	case "always":
		return task.WrCqeAlways, nil
	case "never":
		return task.WrCqeNever, nil
	}
	return 0, fmt.Errorf("unknown wr_cqe mode %q", s)
}

// initTask fills an allocated descriptor from ts.
func initTask(d *task.Descriptor, ts TaskSpec) error {
	mode, err := wrCqeMode(ts.WrCqe)
	if err != nil {
		return err
	}
	d.WrCqe = mode
	switch d.Kind {
	case task.KindNop:
		return task.NopInit(d)
	case task.KindWriteValue:
		p := task.WriteValue{Addr: ts.Addr, Size: 8, WrCqe: mode}
		if ts.Size != 0 {
			p.Size = uint8(ts.Size)
		}
		binary.LittleEndian.PutUint64(p.Value[:8], ts.Value)
		return task.WriteValueInit(d, p)
	case task.KindKernelLaunch:
		return task.KernelLaunchInit(d, task.KernelLaunch{
			Mach:     chip.AICore,
			FuncAddr: ts.Addr,
			BlockDim: max(ts.BlockDim, 1),
		})
	case task.KindMemcpyAsync:
		return task.MemcpyInit(d, task.Memcpy{Copy: task.CopyDeviceToDevice, Src: ts.Src, Dst: ts.Dst, Size: ts.Size})
	case task.KindNotifyRecord, task.KindNotifyWait:
		return task.NotifyInit(d, task.Notify{ID: ts.NotifyID})
	}
	return fmt.Errorf("unsupported workload kind %s", d.Kind)
}

func parseSubsystem(s string) (hal.Subsystem, error) {
	for sub := hal.SubsystemAICore; sub <= hal.SubsystemCCU; sub++ {
		if sub.String() == strings.ToLower(s) {
			return sub, nil
		}
	}
	return 0, fmt.Errorf("unknown subsystem %q", s)
}

func parseClass(s string) (fault.Class, error) {
	for c := fault.ClassNA; c <= fault.ClassLink; c++ {
		if c.String() == strings.ToLower(s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown error class %q", s)
}

func (r RecordSpec) record(deviceID uint32) (hal.ErrorRecord, error) {
	sub, err := parseSubsystem(r.Subsystem)
	if err != nil {
		return hal.ErrorRecord{}, err
	}
	class, err := parseClass(r.Class)
	if err != nil {
		return hal.ErrorRecord{}, err
	}
	return hal.ErrorRecord{
		DeviceID:  deviceID,
		Subsystem: sub,
		ErrClass:  uint8(class),
		StreamID:  r.StreamID,
		TaskID:    r.TaskID,
		CqeStatus: r.CqeStatus,
	}, nil
}

func (e EventSpec) event() hal.FaultEvent {
	return hal.FaultEvent{
		EventID:            e.EventID,
		SubModuleID:        e.SubModuleID,
		ErrorRegisterIndex: e.ErrorRegisterIndex,
		RasCode:            e.RasCode,
		Name:               e.Name,
	}
}
