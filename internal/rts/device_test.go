package rts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/hal/sim"
	"github.com/samcharles93/rts/internal/journal"
	"github.com/samcharles93/rts/internal/queue"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, gen chip.Generation, depth uint32, opts ...Option) (*Device, *sim.Driver, uint32) {
	t.Helper()
	prof := chip.DefaultProfile(gen)
	prof.QueueDepth = depth
	drv := sim.New(gen)
	dv, err := New(prof, drv, append([]Option{WithPoolSize(64)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dv.Close() })
	sid, err := dv.NewStream()
	require.NoError(t, err)
	return dv, drv, sid
}

func nop(t *testing.T, dv *Device, sid uint32) *task.Descriptor {
	t.Helper()
	d, err := dv.Alloc(sid, task.KindNop)
	require.NoError(t, err)
	require.NoError(t, task.NopInit(d))
	return d
}

func writeValue(t *testing.T, dv *Device, sid uint32) *task.Descriptor {
	t.Helper()
	d, err := dv.Alloc(sid, task.KindWriteValue)
	require.NoError(t, err)
	require.NoError(t, task.WriteValueInit(d, task.WriteValue{Addr: 0x2000, Size: 8, WrCqe: task.WrCqeAlways}))
	return d
}

func TestSubmitAndPollSilentTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)

	var ds []*task.Descriptor
	for range 3 {
		d := nop(t, dv, sid)
		require.NoError(t, dv.Submit(ctx, d))
		assert.Equal(t, task.StateSubmitted, d.State())
		ds = append(ds, d)
	}
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{ds[0].ID, ds[1].ID, ds[2].ID})

	n, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing executed yet")

	drv.Step()
	n, err = dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, d := range ds {
		res, done := d.Result()
		require.True(t, done)
		assert.True(t, res.OK())
		require.NoError(t, dv.Recycle(d))
	}
	assert.Zero(t, dv.InUse())

	occ := dv.Occupancy()
	require.Len(t, occ, 1)
	assert.Equal(t, uint32(3), occ[0].Head)
	assert.Zero(t, occ[0].Used)
}

func TestWriteValueFailureReachesDescriptor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)

	d := writeValue(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))
	assert.ErrorIs(t, dv.Recycle(d), task.ErrInFlight)

	drv.FailTask(sid, d.ID, hal.CQE{ErrorType: 1 << 1})
	drv.Step()
	n, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, done := d.Result()
	require.True(t, done)
	assert.Equal(t, uint8(1<<1), res.ErrorType)
	assert.Equal(t, tscode.TaskBusError, res.ErrorCode)
	require.NoError(t, dv.Recycle(d))
}

func TestRecycleWaitsForSlotRetire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)
	drv.Hold(sid)

	d := nop(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))

	// A report ahead of the hardware head completes the task while its SQE
	// is still unread.
	got, first := dv.Reconciler().OnCompletionReport(ctx, hal.CQE{StreamID: sid, TaskID: d.ID})
	require.True(t, first)
	require.Same(t, d, got)
	assert.Equal(t, task.StateCompleted, d.State())

	st, err := dv.Stream(sid)
	require.NoError(t, err)
	assert.Equal(t, queue.Pending, st.Position(d.ID))
	assert.ErrorIs(t, dv.Recycle(d), task.ErrInFlight)
	assert.True(t, d.Queued())

	next := nop(t, dv, sid)
	assert.NotSame(t, d, next, "a queued descriptor must not be handed out again")
	require.NoError(t, dv.Recycle(next))

	drv.Release(sid)
	drv.Step()
	n, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, d.Queued())
	require.NoError(t, dv.Recycle(d))
	assert.Zero(t, dv.InUse())
}

func TestCompletionWaitsBehindHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.Stars, 16)

	d := writeValue(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))

	// Head passes the task but its completion entry has not arrived.
	drv.SetHead(sid, 1)
	n, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, done := d.Result()
	assert.False(t, done)

	drv.PushCompletion(hal.CQE{StreamID: sid, TaskID: d.ID})
	n, err = dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res, done := d.Result()
	require.True(t, done)
	assert.True(t, res.OK())
}

func TestSynchronize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)
	drv.Hold(sid)

	d := nop(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))
	drv.Step()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, dv.Synchronize(short, sid, time.Millisecond), context.DeadlineExceeded)

	drv.Release(sid)
	drv.Step()
	require.NoError(t, dv.Synchronize(ctx, sid, time.Millisecond))
	_, done := d.Result()
	assert.True(t, done)

	assert.ErrorIs(t, dv.Synchronize(ctx, 99, time.Millisecond), ErrUnknownStream)
}

func TestSubmitQueueFullLeavesNoTrace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, _, sid := newDevice(t, chip.David, 4)
	for range 3 {
		require.NoError(t, dv.Submit(ctx, nop(t, dv, sid)))
	}
	before := dv.Occupancy()[0]

	d := nop(t, dv, sid)
	assert.ErrorIs(t, dv.Submit(ctx, d), queue.ErrQueueFull)
	assert.Equal(t, task.StateInitialized, d.State())
	assert.Equal(t, before, dv.Occupancy()[0])
	require.NoError(t, dv.Recycle(d))
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, _, sid := newDevice(t, chip.David, 16)

	d := nop(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))
	assert.ErrorIs(t, dv.Submit(ctx, d), task.ErrBadState)

	raw, err := dv.Alloc(sid, task.KindNop)
	require.NoError(t, err)
	assert.ErrorIs(t, dv.Submit(ctx, raw), task.ErrBadState, "not initialized")

	_, err = dv.Alloc(42, task.KindNop)
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestDoorbellFailureIsRepairedByNextSubmit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)

	boom := errors.New("doorbell timeout")
	drv.FailNext(sim.CallDoorbell, boom)
	first := nop(t, dv, sid)
	assert.ErrorIs(t, dv.Submit(ctx, first), boom)
	assert.Equal(t, task.StateSubmitted, first.State())

	drv.Step()
	n, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "hardware never saw the first task")

	second := nop(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, second))
	drv.Step()
	n, err = dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeviceFaultBlocksSubmit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)

	drv.PushErrorRecord(hal.ErrorRecord{Subsystem: hal.SubsystemAICore, ErrClass: uint8(fault.ClassHwL), StreamID: sid})
	_, err := dv.Poll(ctx)
	require.NoError(t, err)

	v := dv.Fault()
	assert.Equal(t, fault.AicoreHwL, v.Type)
	d := nop(t, dv, sid)
	assert.ErrorIs(t, dv.Submit(ctx, d), ErrDeviceFault)

	assert.ErrorIs(t, dv.Repair(fault.RepairLink), fault.ErrNotRepairable)
	require.NoError(t, dv.Repair(fault.RepairAICore))
	require.NoError(t, dv.Submit(ctx, d))
}

func TestCoreRecordForNonKernelTaskKeepsDeviceHealthy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)
	d := writeValue(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))

	drv.PushErrorRecord(hal.ErrorRecord{Subsystem: hal.SubsystemAICore, ErrClass: uint8(fault.ClassHwL), StreamID: sid, TaskID: d.ID})
	_, err := dv.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, fault.NoError, dv.Fault().Type)
	require.NoError(t, dv.Submit(ctx, nop(t, dv, sid)))
}

func TestStreamAddBindsStream(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)
	st, err := dv.Stream(sid)
	require.NoError(t, err)

	d, err := dv.Alloc(sid, task.KindModelMaintenance)
	require.NoError(t, err)
	require.NoError(t, task.ModelMaintenanceInit(d, st, task.ModelMaintenance{Op: task.OpStreamAdd, ModelID: 7, StreamID: sid}))
	require.NoError(t, dv.Submit(ctx, d))
	assert.False(t, st.Bound())

	drv.Step()
	_, err = dv.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, st.Bound())
}

func TestJournalRecordsCompletionsAndFaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, err := journal.Open(filepath.Join(t.TempDir(), "rts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	dv, drv, sid := newDevice(t, chip.David, 16, WithJournal(j), WithDeviceID(2))
	d := writeValue(t, dv, sid)
	require.NoError(t, dv.Submit(ctx, d))
	drv.FailTask(sid, d.ID, hal.CQE{ErrorType: 1 << 2})
	drv.PushErrorRecord(hal.ErrorRecord{DeviceID: 2, Subsystem: hal.SubsystemAICore, ErrClass: uint8(fault.ClassSw), StreamID: sid, TaskID: d.ID + 1})
	drv.Step()
	_, err = dv.Poll(ctx)
	require.NoError(t, err)

	comps, err := j.RecentCompletions(ctx, -1, 10)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "WRITE_VALUE", comps[0].Kind)
	assert.Equal(t, uint32(2), comps[0].DeviceID)

	faults, err := j.RecentFaults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, fault.AicoreSw.String(), faults[0].Type)
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dv, drv, sid := newDevice(t, chip.David, 16)
	other, err := dv.NewStream(queue.WithWrCqe(true))
	require.NoError(t, err)
	assert.Equal(t, []uint32{sid, other}, dv.StreamIDs())

	r0, err := dv.Ring(sid)
	require.NoError(t, err)
	r1, err := dv.Ring(other)
	require.NoError(t, err)
	assert.Greater(t, r1.Base(), r0.Base())

	require.NoError(t, dv.Submit(ctx, nop(t, dv, other)))
	assert.Error(t, dv.DestroyStream(other))
	drv.Step()
	require.NoError(t, dv.Synchronize(ctx, other, time.Millisecond))
	require.NoError(t, dv.DestroyStream(other))
	assert.Equal(t, []uint32{sid}, dv.StreamIDs())
	assert.ErrorIs(t, dv.DestroyStream(other), ErrUnknownStream)
}
