package sqe

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/task"
)

var errUnplannable = errors.New("sqe: descriptor cannot be planned")

const (
	wrrAIC = 1
	wrrAIV = 2
	// DefaultTaskRatio is the AIC:AIV ratio compilers emit for mix kernels.
	DefaultTaskRatio = 2
	// KernelCreditNoTimeout disables the kernel watchdog.
	KernelCreditNoTimeout = 255
	awCacheDefault        = 2
)

// planner turns a descriptor into generation-independent entries.
type planner struct {
	prof chip.Profile
}

func (p planner) plan(d *task.Descriptor, slotAddr uint64) ([]Entry, error) {
	h := Header{
		StreamID: uint16(d.StreamID),
		TaskID:   uint16(d.ID),
		TaskType: uint8(d.Kind),
	}
	var out []Entry
	switch v := d.Payload.(type) {
	case task.KernelLaunch:
		out = []Entry{p.kernel(h, v)}
	case task.Fusion:
		out = p.fusion(h, d.Sn, v)
	case task.Memcpy:
		out = []Entry{p.memcpy(h, v)}
	case task.Notify:
		h.Op = OpNotifyRecord
		if d.Kind == task.KindNotifyWait {
			h.Op = OpNotifyWait
		}
		out = []Entry{{Header: h, Body: NotifyBody{ID: v.ID, Counted: v.Counted, Value: v.Value, Timeout: v.Timeout}}}
	case task.StreamSwitch:
		h.Op = OpCond
		b := CondBody{
			Branch:      BranchFor(v.Cond),
			Wide:        v.Wide,
			Target:      v.TrueStream,
			Left:        v.LeftAddr,
			Right:       uint64(v.Right),
			FallThrough: slotAddr + Size,
		}
		if d.Kind == task.KindStreamSwitchEx {
			b.Right = v.RightAddr
			b.RightIsAddr = true
		}
		out = []Entry{{Header: h, Body: b}}
	case task.StreamActive:
		// x0 == x0 always holds, so the branch never skips the activation.
		h.Op = OpCond
		out = []Entry{{Header: h, Body: CondBody{
			Branch:      BranchFor(task.CondEqual),
			Target:      v.ActiveStream,
			FallThrough: slotAddr + Size,
		}}}
	case task.LabelSwitch:
		h.Op = OpCond
		out = []Entry{{Header: h, Body: CondBody{
			Branch:      Branch{Func: BGEU},
			Left:        v.IndexAddr,
			Right:       uint64(v.Max),
			Table:       v.TableAddr,
			FallThrough: slotAddr + Size,
		}}}
	case task.WriteValue:
		h.Op = OpWriteValue
		h.PreP = true
		out = []Entry{{Header: h, Body: WriteValueBody{
			Addr:    v.Addr,
			Value:   v.Value,
			AwSize:  uint8(bits.TrailingZeros8(v.Size)),
			AwCache: awCacheDefault,
		}}}
	case task.WriteValuePtr:
		h.Op = OpWriteValue
		h.PreP = true
		h.PtrMode = true
		out = []Entry{{Header: h, Body: WriteValueBody{Addr: v.DescAddr, AwCache: awCacheDefault}}}
	case task.CcuLaunch:
		out = ccuEntries(h, OpCCU, []task.CcuTask{v.Task}, 0, false, false)
	case task.Rdma:
		out = []Entry{p.rdma(h, v)}
	case task.UbDoorbellSend:
		h.Op = OpUBDMA
		out = []Entry{{Header: h, Body: UbDoorbellBody{Entries: v.Entries}}}
	case task.UbDirectSend:
		out = ubDirect(h, v)
	case task.Cmo:
		e := control(h, uint8(v.Op), v.Len, v.Addr)
		if p.prof.Generation == chip.David {
			e.Header.Op = OpCMO
		}
		out = []Entry{e}
	case task.ModelMaintenance:
		out = []Entry{control(h, uint8(v.Op), 0, uint64(v.ModelID), uint64(v.StreamID), uint64(v.FirstTaskID))}
	case task.ModelExecute:
		words := []uint64{uint64(v.ModelID)}
		for _, s := range v.HeadStreams {
			if len(words) == controlWords {
				break
			}
			words = append(words, uint64(s))
		}
		out = []Entry{control(h, 0, uint32(len(v.HeadStreams)), words...)}
	case task.RingBufferMaintain:
		out = []Entry{control(h, bit(v.Delete), v.Len, v.Addr)}
	case task.DebugRegister:
		sub := uint8(0)
		if d.Kind == task.KindDebugUnregister {
			sub = 1
		}
		out = []Entry{control(h, sub, v.Flag, uint64(v.ModelID), v.Addr)}
	case task.DeviceMessage:
		out = []Entry{control(h, v.Type, v.Len, v.Addr)}
	case task.ProfilerTrace:
		out = []Entry{control(h, bit(v.Notify), uint32(v.Tag), v.ID, uint64(v.ModelID))}
	case task.ModelTaskUpdate:
		out = []Entry{control(h, 0, v.TargetTask, v.DescAddr, uint64(v.TargetStream))}
	case task.AicpuInfoLoad:
		out = []Entry{control(h, 0, v.Len, v.Addr)}
	case task.Nop:
		out = []Entry{control(h, 0, 0)}
	default:
		return nil, fmt.Errorf("%w: %s carries %T", errUnplannable, d.Kind, d.Payload)
	}
	return out, nil
}

func control(h Header, sub uint8, aux uint32, words ...uint64) Entry {
	h.Op = OpPlaceHolder
	h.PreP = true
	b := ControlBody{Sub: sub, Aux: aux}
	copy(b.Words[:], words)
	return Entry{Header: h, Body: b}
}

func (p planner) kernel(h Header, k task.KernelLaunch) Entry {
	b := KernelBody{
		Ratio:  1,
		Loose:  true,
		Schem:  k.SchemMode,
		Qos:    k.Qos,
		PartID: k.PartID,
		Dump:   k.Dump,
	}
	aic := func(pc uint64, prefetch uint16) {
		b.AicPC, b.AicParam, b.AicPrefetch = pc, k.ArgsAddr, prefetch
		b.AicWrrRd, b.AicWrrWr = wrrAIC, wrrAIC
	}
	aiv := func(pc uint64, prefetch uint16) {
		b.AivPC, b.AivParam, b.AivPrefetch = pc, k.ArgsAddr, prefetch
		b.AivWrrRd, b.AivWrrWr = wrrAIV, wrrAIV
	}

	switch k.Mix {
	case chip.NoMix:
		if k.Mach == chip.AIVector {
			h.Op = OpAIV
			aiv(k.FuncAddr, k.PrefetchCnt1)
		} else {
			h.Op = OpAIC
			aic(k.FuncAddr, k.PrefetchCnt1)
		}
	case chip.MixAIC:
		h.Op = OpAIC
		aic(k.FuncAddr, k.PrefetchCnt1)
	case chip.MixAIV:
		h.Op = OpAIV
		aiv(k.FuncAddr, k.PrefetchCnt1)
	default:
		h.Op = OpAIV
		if k.Mix == chip.MixAICAIVMainAIC {
			h.Op = OpAIC
		}
		b.Mix, b.PiMix = true, true
		aic(k.FuncAddr, k.PrefetchCnt1)
		aiv(k.FuncAddr1, k.PrefetchCnt2)
	}
	if b.Mix {
		b.Ratio = k.TaskRatio
		if h.Op == OpAIC && b.Ratio == DefaultTaskRatio {
			b.Loose = false
		}
	}

	h.PostP = k.Dump
	h.BlockDim = k.BlockDim
	h.KernelCredit = k.KernelCredit
	if h.KernelCredit == 0 {
		h.KernelCredit = KernelCreditNoTimeout
	}
	p.dieFriendly(&h, &b, k)
	return Entry{Header: h, Body: b}
}

// dieFriendly spreads blocks over dies. Active mode takes the caller's
// group shape; passive mode splits the block dim over at most two groups.
func (p planner) dieFriendly(h *Header, b *KernelBody, k task.KernelLaunch) {
	b.DieFriendly = p.prof.DieCount > 1
	if k.GroupDim != 0 {
		b.GroupDim = k.GroupDim
		b.GroupBlockDim = k.GroupBlockDim
		h.BlockDim = k.GroupDim * k.GroupBlockDim
		return
	}
	b.GroupDim = 2
	if h.BlockDim <= 1 {
		b.GroupDim = 1
	}
	b.GroupBlockDim = (h.BlockDim + b.GroupDim - 1) / b.GroupDim
}

func (p planner) memcpy(h Header, m task.Memcpy) Entry {
	b := DMABody{
		Sub:       DMAFlat,
		Src:       m.Src,
		Dst:       m.Dst,
		Len:       m.Size,
		SrcDevice: uint16(m.SrcDevice),
		DstDevice: uint16(m.DstDevice),
	}
	h.Op = OpSDMA
	switch m.Copy {
	case task.CopyPointer:
		h.PtrMode = true
		b.Sub = DMAPointer
		b.Desc = m.DescAddr
	case task.CopyDeviceToDevice:
		if m.WithOffset {
			b.Sub = DMAOffset
			b.Offset = m.Offset
		}
		if p.prof.Generation == chip.David && m.SrcDevice != m.DstDevice {
			h.Op = OpAsyncDMA
		}
	case task.CopyHostToDevice, task.CopyDeviceToHost:
		switch p.prof.Generation {
		case chip.David:
			if p.prof.PcieBar {
				h.Op = OpAsyncDMA
			}
		default:
			if p.prof.PcieBar && m.ConvertedDMA {
				h.Op = OpPcieDMA
			}
		}
	}
	return Entry{Header: h, Body: b}
}

func (p planner) rdma(h Header, r task.Rdma) Entry {
	if p.prof.Generation == chip.Stars {
		h.Op = OpRoCE
		return Entry{Header: h, Body: RdmaBody{QPNum: r.QPNum, WqeIndex: r.WqeIndex, DbAddr: r.DbAddr, DbValue: r.DbValue}}
	}
	// David rings the queue-pair doorbell with a plain 8-byte write.
	h.Op = OpWriteValue
	b := WriteValueBody{Addr: r.DbAddr, AwSize: 3, AwCache: awCacheDefault}
	le.PutUint64(b.Value[:], r.DbValue)
	return Entry{Header: h, Body: b}
}

func (p planner) fusion(h Header, sn uint32, f task.Fusion) []Entry {
	out := make([]Entry, 0, len(f.Subs))
	for _, s := range f.Subs {
		switch s.Kind {
		case task.FusionAICore:
			out = append(out, p.kernel(h, *s.Kernel))
		case task.FusionAICPU, task.FusionHcomCPU:
			a := *s.Aicpu
			ah := h
			ah.Op = OpAicpu
			ah.BlockDim = a.BlockDim
			out = append(out, Entry{Header: ah, Body: AicpuBody{
				SoName:     a.SoNameAddr,
				KernelName: a.KernelNameAddr,
				Args:       a.ArgsAddr,
				ArgsSize:   a.ArgsSize,
				Timeout:    a.Timeout,
			}})
		case task.FusionCCU:
			// CCU records identify the task by its serial, split over the
			// stream and task fields.
			ch := h
			ch.StreamID = uint16(sn & 0xFFFF)
			ch.TaskID = uint16(sn >> 16)
			out = append(out, ccuEntries(ch, OpFusion, s.Ccu, f.SubType, f.DoubleDie(), f.AicAivType() == 1)...)
		}
	}
	return out
}

func ccuEntries(h Header, op Op, tasks []task.CcuTask, subType uint8, doubleDie, aivPrimary bool) []Entry {
	if len(tasks) == 0 {
		return nil
	}
	h.Op = op
	cnt := len(tasks)
	if doubleDie {
		cnt /= 2
	}
	taskCnt := uint8(max(cnt, 1) - 1)
	record := func(t task.CcuTask, sqes int) CcuRecord {
		return CcuRecord{
			TaskCnt:     taskCnt,
			MissionID:   t.MissionID,
			DieID:       t.DieID,
			AivPrimary:  aivPrimary,
			Wide:        t.Wide(),
			SubType:     subType,
			SqeLength:   uint8(sqes - 1),
			Timeout:     t.Timeout,
			InstStartID: t.InstStartID,
			InstCnt:     t.InstCnt,
			Key:         t.Key,
			Args:        t.Args,
		}
	}

	var out []Entry
	if !tasks[0].Wide() {
		for i := 0; i < len(tasks); i += 2 {
			recs := []CcuRecord{record(tasks[i], 1)}
			if i+1 < len(tasks) {
				recs = append(recs, record(tasks[i+1], 1))
			}
			out = append(out, Entry{Header: h, Body: CcuBody{Records: recs}})
		}
		return out
	}
	for _, t := range tasks {
		r := record(t, task.CcuWideSQEs(len(t.Args)))
		lead := min(len(t.Args), task.CcuLeadWords)
		r.Args = t.Args[:lead]
		out = append(out, Entry{Header: h, Body: CcuBody{Records: []CcuRecord{r}}})
		if rest := t.Args[lead:]; len(rest) > 0 {
			out = append(out, Entry{Body: RawBody{Data: packWords(rest)}})
		}
	}
	return out
}

func packWords(ws []uint64) []byte {
	b := make([]byte, 8*len(ws))
	for i, w := range ws {
		le.PutUint64(b[8*i:], w)
	}
	return b
}

// ubDirect splits an inline work-queue element over a leading SQE and as
// many continuation SQEs as it needs. Short elements are zero padded.
func ubDirect(h Header, u task.UbDirectSend) []Entry {
	h.Op = OpUBDMA
	wqe := make([]byte, 64<<u.WqeSize)
	copy(wqe, u.Wqe)
	var shift uint8
	if u.Depth > 0 {
		shift = uint8(bits.TrailingZeros32(u.Depth))
	}
	out := []Entry{{Header: h, Body: UbDirectBody{
		DieID:      u.DieID,
		FuncID:     u.FuncID,
		JettyID:    u.JettyID,
		WqeSize:    u.WqeSize,
		DepthShift: shift,
		Lead:       wqe[:ubLeadBytes],
	}}}
	for rest := wqe[ubLeadBytes:]; len(rest) > 0; {
		n := min(len(rest), ContBytes)
		out = append(out, Entry{Header: h, Body: ArgsBody{Data: rest[:n]}})
		rest = rest[n:]
	}
	return out
}
