package sqe

import (
	"testing"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/task"
	"github.com/stretchr/testify/require"
)

type testStream struct {
	id    uint32
	prof  chip.Profile
	wrCqe bool
}

func (s testStream) StreamID() uint32      { return s.id }
func (s testStream) Profile() chip.Profile { return s.prof }
func (s testStream) Bound() bool           { return false }
func (s testStream) WrCqeFlag() bool       { return s.wrCqe }

var generations = []chip.Generation{chip.Stars, chip.David}

func newDesc(t *testing.T, gen chip.Generation, kind task.Kind) *task.Descriptor {
	t.Helper()
	s := testStream{id: 7, prof: chip.DefaultProfile(gen)}
	d, err := task.NewPool(1).Allocate(s, kind)
	require.NoError(t, err)
	d.ID = 40
	d.Sn = 0x00020005
	return d
}

func kernelDesc(t *testing.T, gen chip.Generation, k task.KernelLaunch) *task.Descriptor {
	t.Helper()
	d := newDesc(t, gen, task.KindKernelLaunch)
	require.NoError(t, task.KernelLaunchInit(d, k))
	return d
}

func baseKernel() task.KernelLaunch {
	return task.KernelLaunch{
		Mach:         chip.AICore,
		FuncAddr:     0x10000,
		FuncAddr1:    0x20000,
		ArgsAddr:     0x30000,
		ArgsSize:     64,
		BlockDim:     7,
		PrefetchCnt1: 11,
		PrefetchCnt2: 22,
		TaskRatio:    DefaultTaskRatio,
	}
}

func wideTask(mission uint8) task.CcuTask {
	args := make([]uint64, task.CcuWideMaxWords)
	for i := range args {
		args[i] = uint64(mission)<<32 | uint64(i+1)
	}
	return task.CcuTask{MissionID: mission, InstStartID: 3, InstCnt: 9, Key: 0xabcd, Args: args}
}

func onlyEntry(t *testing.T, e *Encoder, d *task.Descriptor) Entry {
	t.Helper()
	entries, err := e.Plan(d, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}
