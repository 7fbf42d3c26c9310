package task

import "github.com/samcharles93/rts/internal/chip"

// Payload is the kind-specific parameter block captured at submission.
type Payload interface {
	isPayload()
}

// As returns d's payload as T.
func As[T Payload](d *Descriptor) (T, bool) {
	p, ok := d.Payload.(T)
	return p, ok
}

// WrCqeMode controls whether the device writes a completion entry.
type WrCqeMode uint8

const (
	// WrCqeDefault follows the owning stream's flag.
	WrCqeDefault WrCqeMode = iota
	WrCqeNever
	WrCqeAlways
)

// KernelLaunch is an AI-core or AI-vector kernel with its compiled metadata.
type KernelLaunch struct {
	Mach      chip.MachClass
	Mix       chip.MixType
	FuncAddr  uint64
	FuncAddr1 uint64 // vector start pc for dual-core mix kernels
	ArgsAddr  uint64
	ArgsSize  uint32
	BlockDim  uint16
	// GroupDim selects active die-friendly scheduling when non-zero.
	GroupDim      uint16
	GroupBlockDim uint16
	PrefetchCnt1  uint16
	PrefetchCnt2  uint16
	TaskRatio     uint8
	SchemMode     uint8
	Qos           uint8
	PartID        uint8
	KernelCredit  uint8
	Dump          bool
}

// AicpuKernel is an auxiliary-cpu kernel referenced by name addresses.
type AicpuKernel struct {
	SoNameAddr     uint64
	KernelNameAddr uint64
	ArgsAddr       uint64
	ArgsSize       uint32
	BlockDim       uint16
	Timeout        uint16
}

// CcuTask is one CCU instruction group.
type CcuTask struct {
	DieID       uint8
	MissionID   uint8
	InstStartID uint16
	InstCnt     uint16
	Key         uint32
	Timeout     uint16
	Args        []uint64
}

// Wide reports whether the task needs 128-byte records.
func (c CcuTask) Wide() bool {
	return len(c.Args) > CcuNarrowWords
}

type FusionSubKind uint8

const (
	FusionAICore FusionSubKind = iota
	FusionAICPU
	FusionHcomCPU
	FusionCCU
)

func (k FusionSubKind) String() string {
	switch k {
	case FusionAICore:
		return "aicore"
	case FusionAICPU:
		return "aicpu"
	case FusionHcomCPU:
		return "hcom_cpu"
	case FusionCCU:
		return "ccu"
	default:
		return "unknown"
	}
}

// FusionSub is one part of a fusion kernel. Exactly one of Kernel, Aicpu
// or Ccu is set, matching Kind.
type FusionSub struct {
	Kind   FusionSubKind
	Kernel *KernelLaunch
	Aicpu  *AicpuKernel
	Ccu    []CcuTask
}

// Fusion chains AICPU, AI-core and CCU work into one logical task.
type Fusion struct {
	Subs    []FusionSub
	SubType uint8
	// ArgHandle is staged argument memory released once the task succeeds.
	ArgHandle uint64
}

// DoubleDie reports whether SubType spreads CCU work over both dies.
func (f Fusion) DoubleDie() bool {
	return f.SubType&0x18 == 0x18
}

// AicAivType is 1 when the fused kernel is vector-primary.
func (f Fusion) AicAivType() uint8 {
	for _, s := range f.Subs {
		if s.Kind != FusionAICore || s.Kernel == nil {
			continue
		}
		switch s.Kernel.Mix {
		case chip.MixAIV, chip.MixAICAIVMainAIV:
			return 1
		case chip.NoMix:
			if s.Kernel.Mach == chip.AIVector {
				return 1
			}
		}
	}
	return 0
}

type CopyKind uint8

const (
	CopyDeviceToDevice CopyKind = iota
	CopyHostToDevice
	CopyDeviceToHost
	CopyPointer
)

func (c CopyKind) String() string {
	switch c {
	case CopyDeviceToDevice:
		return "d2d"
	case CopyHostToDevice:
		return "h2d"
	case CopyDeviceToHost:
		return "d2h"
	case CopyPointer:
		return "ptr"
	default:
		return "unknown"
	}
}

// Memcpy is an asynchronous copy. Pointer copies read their addresses from
// a device-resident descriptor at DescAddr.
type Memcpy struct {
	Copy      CopyKind
	Src       uint64
	Dst       uint64
	Size      uint64
	SrcDevice uint32
	DstDevice uint32
	// WithOffset routes device-to-device copies through the offset sub-opcode.
	WithOffset bool
	Offset     uint64
	// ConvertedDMA is set when the copy was converted into a DMA kernel.
	ConvertedDMA bool
	DescAddr     uint64
}

// Notify covers record and wait. Counted notifies carry a value.
type Notify struct {
	ID      uint32
	Counted bool
	Value   uint32
	Timeout uint32
}

// StreamSwitch jumps to TrueStream when Left Cond Right holds. The Ex
// variant reads Right from RightAddr instead of the immediate.
type StreamSwitch struct {
	Cond       Condition
	LeftAddr   uint64
	Right      int64
	RightAddr  uint64
	Wide       bool // 64-bit operands
	TrueStream uint32
}

type StreamActive struct {
	ActiveStream uint32
}

type MaintenanceOp uint8

const (
	OpStreamAdd MaintenanceOp = iota
	OpStreamRemove
	OpModelLoad
	OpModelAbort
)

func (o MaintenanceOp) String() string {
	switch o {
	case OpStreamAdd:
		return "stream_add"
	case OpStreamRemove:
		return "stream_remove"
	case OpModelLoad:
		return "model_load"
	case OpModelAbort:
		return "model_abort"
	default:
		return "unknown"
	}
}

type ModelMaintenance struct {
	Op          MaintenanceOp
	ModelID     uint32
	StreamID    uint32
	FirstTaskID uint32
}

type ModelExecute struct {
	ModelID     uint32
	HeadStreams []uint32
}

// WriteValueMaxLen bounds the immediate written by a WriteValue task.
const WriteValueMaxLen = 32

type WriteValue struct {
	Addr  uint64
	Value [WriteValueMaxLen]byte
	// Size is the number of value bytes written: 1, 2, 4, 8, 16 or 32.
	Size  uint8
	WrCqe WrCqeMode
}

type WriteValuePtr struct {
	DescAddr uint64
	WrCqe    WrCqeMode
}

type CcuLaunch struct {
	Task CcuTask
}

type Rdma struct {
	QPNum    uint32
	WqeIndex uint32
	DbAddr   uint64
	DbValue  uint64
}

type UbDoorbell struct {
	DieID   uint16
	FuncID  uint16
	JettyID uint32
	PIValue uint32
}

type UbDoorbellSend struct {
	Entries []UbDoorbell
	WrCqe   WrCqeMode
}

// UbDirectSend carries a work-queue element inline.
type UbDirectSend struct {
	DieID   uint16
	FuncID  uint16
	JettyID uint32
	// WqeSize is 0 for a 64-byte element and 1 for a 128-byte element.
	WqeSize uint8
	Wqe     []byte
	// Depth is the jetty queue depth; the encoder records log2(Depth).
	Depth uint32
	WrCqe WrCqeMode
}

type CmoOp uint8

const (
	CmoPrefetch CmoOp = iota
	CmoWriteback
	CmoInvalid
	CmoFlush
)

type Cmo struct {
	Op   CmoOp
	Addr uint64
	Len  uint32
}

type RingBufferMaintain struct {
	Addr   uint64
	Len    uint32
	Delete bool
}

type DebugRegister struct {
	ModelID uint32
	Flag    uint32
	Addr    uint64
}

type DeviceMessage struct {
	Type uint8
	Addr uint64
	Len  uint32
}

type ProfilerTrace struct {
	ID      uint64
	ModelID uint32
	Tag     uint16
	Notify  bool
}

type LabelSwitch struct {
	IndexAddr uint64
	TableAddr uint64
	Max       uint32
}

type ModelTaskUpdate struct {
	DescAddr     uint64
	TargetStream uint32
	TargetTask   uint32
}

type AicpuInfoLoad struct {
	Addr uint64
	Len  uint32
}

type Nop struct{}

func (KernelLaunch) isPayload()       {}
func (Fusion) isPayload()             {}
func (Memcpy) isPayload()             {}
func (Notify) isPayload()             {}
func (StreamSwitch) isPayload()       {}
func (StreamActive) isPayload()       {}
func (ModelMaintenance) isPayload()   {}
func (ModelExecute) isPayload()       {}
func (WriteValue) isPayload()         {}
func (WriteValuePtr) isPayload()      {}
func (CcuLaunch) isPayload()          {}
func (Rdma) isPayload()               {}
func (UbDoorbellSend) isPayload()     {}
func (UbDirectSend) isPayload()       {}
func (Cmo) isPayload()                {}
func (RingBufferMaintain) isPayload() {}
func (DebugRegister) isPayload()      {}
func (DeviceMessage) isPayload()      {}
func (ProfilerTrace) isPayload()      {}
func (LabelSwitch) isPayload()        {}
func (ModelTaskUpdate) isPayload()    {}
func (AicpuInfoLoad) isPayload()      {}
func (Nop) isPayload()                {}
