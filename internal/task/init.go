package task

import (
	"fmt"
	"math/bits"
	"slices"

	"github.com/samcharles93/rts/internal/chip"
)

// Each Init validates the whole payload before touching the descriptor, so
// a failed Init leaves it allocated and unchanged.

func begin(d *Descriptor, kinds ...Kind) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidParam)
	}
	if !slices.Contains(kinds, d.Kind) {
		return fmt.Errorf("%w: descriptor is %s", ErrKindMismatch, d.Kind)
	}
	if st := d.State(); st != StateAllocated {
		return fmt.Errorf("%w: %s", ErrBadState, st)
	}
	return nil
}

func commit(d *Descriptor, p Payload) error {
	n := sqeCount(d.Kind, p)
	if n > MaxChain {
		return fmt.Errorf("%w: %s needs %d", ErrChainTooLong, d.Kind, n)
	}
	d.Payload = p
	d.sqes = n
	d.state.Store(uint32(StateInitialized))
	return nil
}

func validateKernel(k Kind, p *KernelLaunch) error {
	if p.FuncAddr == 0 {
		return paramErr(k, "func_addr", "is null")
	}
	if p.BlockDim == 0 {
		return paramErr(k, "block_dim", "is zero")
	}
	if p.Mix > chip.MixAICAIVMainAIV {
		return paramErr(k, "mix_type", "unknown")
	}
	if p.Mix.IsDual() && p.FuncAddr1 == 0 {
		return paramErr(k, "func_addr1", "is null for dual-core kernel")
	}
	if p.ArgsSize > 0 && p.ArgsAddr == 0 {
		return paramErr(k, "args_addr", "is null")
	}
	if p.GroupDim != 0 {
		if p.GroupBlockDim == 0 {
			return paramErr(k, "group_block_dim", "is zero in active mode")
		}
		if uint32(p.GroupDim)*uint32(p.GroupBlockDim) > 0xFFFF {
			return paramErr(k, "group_dim", "overflows block dim")
		}
	}
	return nil
}

// KernelLaunchInit prepares an AI-core or AI-vector kernel launch.
func KernelLaunchInit(d *Descriptor, p KernelLaunch) error {
	if err := begin(d, KindKernelLaunch); err != nil {
		return err
	}
	if err := validateKernel(KindKernelLaunch, &p); err != nil {
		return err
	}
	return commit(d, p)
}

func validateCcu(k Kind, prof chip.Profile, tasks []CcuTask, doubleDie bool) error {
	if len(tasks) == 0 {
		return paramErr(k, "ccu", "has no tasks")
	}
	wide := tasks[0].Wide()
	if wide && !prof.WideCcu {
		return paramErr(k, "ccu.args", "need wide records the device lacks")
	}
	for i, t := range tasks {
		if t.Wide() != wide {
			return paramErr(k, fmt.Sprintf("ccu[%d].args", i), "mixes record widths")
		}
		if len(t.Args) == 0 {
			return paramErr(k, fmt.Sprintf("ccu[%d].args", i), "is empty")
		}
		if len(t.Args) > CcuWideMaxWords {
			return paramErr(k, fmt.Sprintf("ccu[%d].args", i), fmt.Sprintf("exceeds %d words", CcuWideMaxWords))
		}
		if t.MissionID > MaxMissionID {
			return paramErr(k, fmt.Sprintf("ccu[%d].mission_id", i), fmt.Sprintf("exceeds %d", MaxMissionID))
		}
		if t.InstCnt == 0 {
			return paramErr(k, fmt.Sprintf("ccu[%d].inst_cnt", i), "is zero")
		}
	}
	if doubleDie && len(tasks)%2 != 0 {
		return paramErr(k, "ccu", "double-die group has odd task count")
	}
	return nil
}

func cloneCcu(tasks []CcuTask) []CcuTask {
	out := make([]CcuTask, len(tasks))
	for i, t := range tasks {
		out[i] = t
		out[i].Args = slices.Clone(t.Args)
	}
	return out
}

// FusionInit prepares a fusion kernel. At most one AI-core part is allowed.
func FusionInit(d *Descriptor, p Fusion) error {
	if err := begin(d, KindFusionKernelLaunch); err != nil {
		return err
	}
	const k = KindFusionKernelLaunch
	if len(p.Subs) == 0 {
		return paramErr(k, "subs", "is empty")
	}
	subs := make([]FusionSub, len(p.Subs))
	aicore := 0
	for i, s := range p.Subs {
		subs[i] = FusionSub{Kind: s.Kind}
		switch s.Kind {
		case FusionAICore:
			aicore++
			if aicore > 1 {
				return paramErr(k, fmt.Sprintf("subs[%d]", i), "second aicore part")
			}
			if s.Kernel == nil {
				return paramErr(k, fmt.Sprintf("subs[%d].kernel", i), "is nil")
			}
			if err := validateKernel(k, s.Kernel); err != nil {
				return err
			}
			kl := *s.Kernel
			subs[i].Kernel = &kl
		case FusionAICPU, FusionHcomCPU:
			if s.Aicpu == nil || s.Aicpu.KernelNameAddr == 0 {
				return paramErr(k, fmt.Sprintf("subs[%d].aicpu", i), "has no kernel name")
			}
			ak := *s.Aicpu
			subs[i].Aicpu = &ak
		case FusionCCU:
			if err := validateCcu(k, d.Profile, s.Ccu, p.DoubleDie()); err != nil {
				return err
			}
			subs[i].Ccu = cloneCcu(s.Ccu)
		default:
			return paramErr(k, fmt.Sprintf("subs[%d].kind", i), "unknown")
		}
	}
	p.Subs = subs
	return commit(d, p)
}

// MemcpyInit prepares an asynchronous copy.
func MemcpyInit(d *Descriptor, p Memcpy) error {
	if err := begin(d, KindMemcpyAsync); err != nil {
		return err
	}
	const k = KindMemcpyAsync
	if p.Copy > CopyPointer {
		return paramErr(k, "copy", "unknown kind")
	}
	if p.Copy == CopyPointer {
		if p.DescAddr == 0 {
			return paramErr(k, "desc_addr", "is null")
		}
		return commit(d, p)
	}
	if p.Dst == 0 {
		return paramErr(k, "dst", "is null")
	}
	if p.Src == 0 {
		return paramErr(k, "src", "is null")
	}
	if p.Size == 0 {
		return paramErr(k, "size", "is zero")
	}
	if p.WithOffset && p.Copy != CopyDeviceToDevice {
		return paramErr(k, "with_offset", "only valid for device-to-device copies")
	}
	return commit(d, p)
}

// NotifyInit prepares a notify record or wait.
func NotifyInit(d *Descriptor, p Notify) error {
	if err := begin(d, KindNotifyRecord, KindNotifyWait); err != nil {
		return err
	}
	if !p.Counted && p.Value != 0 {
		return paramErr(d.Kind, "value", "set on single-bit notify")
	}
	return commit(d, p)
}

// StreamSwitchInit prepares a conditional jump to another stream.
func StreamSwitchInit(d *Descriptor, p StreamSwitch) error {
	if err := begin(d, KindStreamSwitch, KindStreamSwitchEx); err != nil {
		return err
	}
	if !p.Cond.Valid() {
		return paramErr(d.Kind, "cond", "unknown")
	}
	if p.LeftAddr == 0 {
		return paramErr(d.Kind, "left_addr", "is null")
	}
	if d.Kind == KindStreamSwitchEx && p.RightAddr == 0 {
		return paramErr(d.Kind, "right_addr", "is null")
	}
	if p.TrueStream == d.StreamID {
		return paramErr(d.Kind, "true_stream", "is the submitting stream")
	}
	return commit(d, p)
}

// StreamActiveInit prepares the activation of another stream.
func StreamActiveInit(d *Descriptor, p StreamActive) error {
	if err := begin(d, KindStreamActive); err != nil {
		return err
	}
	if p.ActiveStream == d.StreamID {
		return paramErr(d.Kind, "active_stream", "is the submitting stream")
	}
	return commit(d, p)
}

// ModelMaintenanceInit checks the stream binding for stream add and remove.
func ModelMaintenanceInit(d *Descriptor, s StreamState, p ModelMaintenance) error {
	if err := begin(d, KindModelMaintenance); err != nil {
		return err
	}
	if s == nil || s.StreamID() != d.StreamID {
		return paramErr(d.Kind, "stream", "does not own the descriptor")
	}
	switch p.Op {
	case OpStreamAdd:
		if s.Bound() {
			return fmt.Errorf("%w: stream %d already bound to a model", ErrStreamBound, d.StreamID)
		}
	case OpStreamRemove:
		if !s.Bound() {
			return fmt.Errorf("%w: stream %d not bound to a model", ErrStreamBound, d.StreamID)
		}
	case OpModelLoad, OpModelAbort:
	default:
		return paramErr(d.Kind, "op", "unknown")
	}
	return commit(d, p)
}

// ModelExecuteInit prepares a model run.
func ModelExecuteInit(d *Descriptor, p ModelExecute) error {
	if err := begin(d, KindModelExecute); err != nil {
		return err
	}
	if len(p.HeadStreams) == 0 {
		return paramErr(d.Kind, "head_streams", "is empty")
	}
	p.HeadStreams = slices.Clone(p.HeadStreams)
	return commit(d, p)
}

func validWriteSize(n uint8) bool {
	switch n {
	case 1, 2, 4, 8, 16, 32:
		return true
	}
	return false
}

// WriteValueInit prepares an immediate device-memory write.
func WriteValueInit(d *Descriptor, p WriteValue) error {
	if err := begin(d, KindWriteValue); err != nil {
		return err
	}
	if p.Addr == 0 {
		return paramErr(d.Kind, "addr", "is null")
	}
	if !validWriteSize(p.Size) {
		return paramErr(d.Kind, "size", "must be a power of two up to 32")
	}
	if p.WrCqe > WrCqeAlways {
		return paramErr(d.Kind, "wr_cqe", "unknown")
	}
	if err := commit(d, p); err != nil {
		return err
	}
	d.WrCqe = p.WrCqe
	return nil
}

// WriteValuePtrInit prepares a write whose SQE is read from DescAddr.
func WriteValuePtrInit(d *Descriptor, p WriteValuePtr) error {
	if err := begin(d, KindWriteValuePtr); err != nil {
		return err
	}
	if p.DescAddr == 0 {
		return paramErr(d.Kind, "desc_addr", "is null")
	}
	if err := commit(d, p); err != nil {
		return err
	}
	d.WrCqe = p.WrCqe
	return nil
}

// CcuLaunchInit prepares a standalone CCU launch.
func CcuLaunchInit(d *Descriptor, p CcuLaunch) error {
	if err := begin(d, KindCcuLaunch); err != nil {
		return err
	}
	if err := validateCcu(d.Kind, d.Profile, []CcuTask{p.Task}, false); err != nil {
		return err
	}
	p.Task.Args = slices.Clone(p.Task.Args)
	return commit(d, p)
}

// RdmaInit prepares an RDMA send or doorbell.
func RdmaInit(d *Descriptor, p Rdma) error {
	if err := begin(d, KindRdmaSend, KindRdmaDoorbellSend); err != nil {
		return err
	}
	if d.Kind == KindRdmaDoorbellSend && p.DbAddr == 0 {
		return paramErr(d.Kind, "db_addr", "is null")
	}
	return commit(d, p)
}

// UbDoorbellSendInit accepts one or two distinct doorbells.
func UbDoorbellSendInit(d *Descriptor, p UbDoorbellSend) error {
	if err := begin(d, KindUbDoorbellSend); err != nil {
		return err
	}
	if n := len(p.Entries); n < 1 || n > UbMaxDoorbells {
		return paramErr(d.Kind, "entries", "must hold 1 or 2 doorbells")
	}
	if len(p.Entries) == 2 {
		a, b := p.Entries[0], p.Entries[1]
		if a.DieID == b.DieID && a.JettyID == b.JettyID && a.FuncID == b.FuncID {
			return paramErr(d.Kind, "entries", "duplicate die, jetty and function")
		}
	}
	p.Entries = slices.Clone(p.Entries)
	if err := commit(d, p); err != nil {
		return err
	}
	d.WrCqe = p.WrCqe
	return nil
}

// UbDirectSendInit prepares an inline work-queue element. Empty elements
// are accepted and encoded as zeros.
func UbDirectSendInit(d *Descriptor, p UbDirectSend) error {
	if err := begin(d, KindUbDirectSend); err != nil {
		return err
	}
	if p.WqeSize > 1 {
		return paramErr(d.Kind, "wqe_size", "must be 0 (64B) or 1 (128B)")
	}
	limit := 64 << p.WqeSize
	if len(p.Wqe) > limit {
		return paramErr(d.Kind, "wqe", fmt.Sprintf("exceeds %d bytes", limit))
	}
	if p.Depth != 0 && bits.OnesCount32(p.Depth) != 1 {
		return paramErr(d.Kind, "depth", "is not a power of two")
	}
	p.Wqe = slices.Clone(p.Wqe)
	if err := commit(d, p); err != nil {
		return err
	}
	d.WrCqe = p.WrCqe
	return nil
}

// CmoInit prepares a cache maintenance operation.
func CmoInit(d *Descriptor, p Cmo) error {
	if err := begin(d, KindCmoAddr); err != nil {
		return err
	}
	if p.Op > CmoFlush {
		return paramErr(d.Kind, "op", "unknown")
	}
	if p.Addr == 0 || p.Len == 0 {
		return paramErr(d.Kind, "range", "is empty")
	}
	return commit(d, p)
}

// RingBufferMaintainInit prepares a log ring buffer install or delete.
func RingBufferMaintainInit(d *Descriptor, p RingBufferMaintain) error {
	if err := begin(d, KindRingBufferMaintain); err != nil {
		return err
	}
	if !p.Delete && (p.Addr == 0 || p.Len == 0) {
		return paramErr(d.Kind, "buffer", "is empty")
	}
	return commit(d, p)
}

// DebugInit prepares a debug register or unregister.
func DebugInit(d *Descriptor, p DebugRegister) error {
	if err := begin(d, KindDebugRegister, KindDebugUnregister); err != nil {
		return err
	}
	if d.Kind == KindDebugRegister && p.Addr == 0 {
		return paramErr(d.Kind, "addr", "is null")
	}
	return commit(d, p)
}

// DeviceMessageInit prepares a device message fetch.
func DeviceMessageInit(d *Descriptor, p DeviceMessage) error {
	if err := begin(d, KindGetDeviceMessage); err != nil {
		return err
	}
	if p.Addr == 0 || p.Len == 0 {
		return paramErr(d.Kind, "buffer", "is empty")
	}
	return commit(d, p)
}

// ProfilerTraceInit prepares a profiler trace marker.
func ProfilerTraceInit(d *Descriptor, p ProfilerTrace) error {
	if err := begin(d, KindProfilerTraceEx); err != nil {
		return err
	}
	return commit(d, p)
}

// LabelSwitchInit prepares an indexed jump through a label table.
func LabelSwitchInit(d *Descriptor, p LabelSwitch) error {
	if err := begin(d, KindLabelSwitchByIndex); err != nil {
		return err
	}
	if p.IndexAddr == 0 || p.TableAddr == 0 {
		return paramErr(d.Kind, "addr", "is null")
	}
	if p.Max == 0 {
		return paramErr(d.Kind, "max", "is zero")
	}
	return commit(d, p)
}

// ModelTaskUpdateInit prepares an in-place update of a model task.
func ModelTaskUpdateInit(d *Descriptor, p ModelTaskUpdate) error {
	if err := begin(d, KindModelTaskUpdate); err != nil {
		return err
	}
	if p.DescAddr == 0 {
		return paramErr(d.Kind, "desc_addr", "is null")
	}
	return commit(d, p)
}

// AicpuInfoLoadInit prepares an AICPU info table load.
func AicpuInfoLoadInit(d *Descriptor, p AicpuInfoLoad) error {
	if err := begin(d, KindAicpuInfoLoad); err != nil {
		return err
	}
	if p.Addr == 0 || p.Len == 0 {
		return paramErr(d.Kind, "buffer", "is empty")
	}
	return commit(d, p)
}

// NopInit prepares a nop or place holder.
func NopInit(d *Descriptor) error {
	if err := begin(d, KindNop, KindPlaceHolder); err != nil {
		return err
	}
	return commit(d, Nop{})
}
