package completion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStream struct{ id uint32 }

func (s testStream) StreamID() uint32      { return s.id }
func (s testStream) Profile() chip.Profile { return chip.DefaultProfile(chip.David) }
func (s testStream) Bound() bool           { return false }
func (s testStream) WrCqeFlag() bool       { return false }

type key struct{ stream, task uint32 }

type tasks struct {
	pool *task.Pool
	m    map[key]*task.Descriptor
	next uint32
}

func newTasks() *tasks {
	return &tasks{pool: task.NewPool(16), m: make(map[key]*task.Descriptor)}
}

func (ts *tasks) Lookup(streamID, taskID uint32) (*task.Descriptor, bool) {
	d, ok := ts.m[key{streamID, taskID}]
	return d, ok
}

// add allocates a task of kind on stream 1, runs init and marks it
// submitted at the next position.
func (ts *tasks) add(t *testing.T, kind task.Kind, init func(*task.Descriptor) error) *task.Descriptor {
	t.Helper()
	d, err := ts.pool.Allocate(testStream{id: 1}, kind)
	require.NoError(t, err)
	require.NoError(t, init(d))
	d.ID = ts.next
	d.Sn = ts.next + 100
	ts.next++
	require.NoError(t, d.MarkSubmitted())
	ts.m[key{1, d.ID}] = d
	return d
}

func (ts *tasks) nop(t *testing.T) *task.Descriptor {
	return ts.add(t, task.KindNop, task.NopInit)
}

type failSink struct {
	mu  sync.Mutex
	got []ExceptionInfo
}

func (f *failSink) fn(e ExceptionInfo) {
	f.mu.Lock()
	f.got = append(f.got, e)
	f.mu.Unlock()
}

type escalator struct {
	recs []fault.Record
	out  fault.Outcome
}

func (e *escalator) Classify(_ context.Context, rec fault.Record) fault.Outcome {
	e.recs = append(e.recs, rec)
	return e.out
}

type notifier struct{ detached []uint32 }

func (n *notifier) DetachWaiter(id, _, _ uint32) { n.detached = append(n.detached, id) }

type releaser struct{ handles []uint64 }

func (r *releaser) Release(h uint64) { r.handles = append(r.handles, h) }

type sink struct{ got []Telemetry }

func (s *sink) TaskDone(t Telemetry) { s.got = append(s.got, t) }

type journal struct {
	entries []Entry
	err     error
}

func (j *journal) RecordCompletion(_ context.Context, e Entry) error {
	j.entries = append(j.entries, e)
	return j.err
}

func TestSpuriousReportDropped(t *testing.T) {
	t.Parallel()

	r := New(newTasks())
	d, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: 42, ErrorType: 1})
	assert.Nil(t, d)
	assert.False(t, ok)
}

func TestErrorTypeMapsToCode(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	fails := &failSink{}
	r := New(ts, WithDeviceID(3))
	r.OnFail("test", fails.fn)

	d := ts.nop(t)
	got, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 2})
	require.True(t, ok)
	assert.Same(t, d, got)

	res, done := d.Result()
	require.True(t, done)
	assert.Equal(t, uint8(2), res.ErrorType)
	assert.Equal(t, tscode.TaskBusError, res.ErrorCode)

	require.Len(t, fails.got, 1)
	info := fails.got[0]
	assert.Equal(t, tscode.TaskBusError, info.RetCode)
	assert.Equal(t, "task bus error", info.RetName)
	assert.Equal(t, uint32(3), info.DeviceID)
	assert.Equal(t, d.Sn, info.TaskSn)
	assert.NotEmpty(t, info.OccurrenceID)
}

func TestFirstReportWins(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	fails := &failSink{}
	r := New(ts)
	r.OnFail("test", fails.fn)
	d := ts.nop(t)

	_, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 1, ErrorCode: 0x1234})
	require.True(t, ok)
	_, ok = r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID})
	assert.False(t, ok)

	res, _ := d.Result()
	assert.Equal(t, tscode.Code(0x1234), res.ErrorCode, "explicit codes are kept and not overwritten")
	assert.Len(t, fails.got, 1)
}

func TestNormalCodesSkipCallback(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	fails := &failSink{}
	r := New(ts)
	r.OnFail("test", fails.fn)

	for _, code := range []tscode.Code{tscode.Success, tscode.EndOfSequence, tscode.ModelAbortNormal} {
		d := ts.nop(t)
		_, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorCode: code})
		require.True(t, ok)
		res, _ := d.Result()
		assert.Equal(t, code, res.ErrorCode)
	}
	assert.Empty(t, fails.got)
}

func TestUbDoorbellException(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	fails := &failSink{}
	r := New(ts)
	r.OnFail("hccl", fails.fn)

	d := ts.add(t, task.KindUbDoorbellSend, func(d *task.Descriptor) error {
		return task.UbDoorbellSendInit(d, task.UbDoorbellSend{Entries: []task.UbDoorbell{
			{DieID: 0, FuncID: 1, JettyID: 10, PIValue: 5},
			{DieID: 1, FuncID: 1, JettyID: 11, PIValue: 6},
		}})
	})
	_, ok := r.OnCompletionReport(context.Background(), Report{
		StreamID: 1, TaskID: d.ID, ErrorType: 1, ErrorCode: tscode.UbError, SubCode: uint32(tscode.UbAckTimeout),
	})
	require.True(t, ok)

	require.Len(t, fails.got, 1)
	info := fails.got[0]
	assert.Equal(t, ExceptionUB, info.Type)
	require.NotNil(t, info.Ub)
	assert.Equal(t, UbDoorbell, info.Ub.Type)
	assert.Equal(t, "transaction ack timeout", info.Ub.Status)
	assert.Equal(t, []UbEntry{{DieID: 0, FuncID: 1, JettyID: 10, PIValue: 5}, {DieID: 1, FuncID: 1, JettyID: 11, PIValue: 6}}, info.Ub.Entries)

	b, err := info.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "ub", decoded["type"])
	assert.Equal(t, "doorbell", decoded["ub"].(map[string]any)["type"])
}

func TestUbDirectSendFlushedStillReported(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	fails := &failSink{}
	r := New(ts)
	r.OnFail("hccl", fails.fn)

	d := ts.add(t, task.KindUbDirectSend, func(d *task.Descriptor) error {
		return task.UbDirectSendInit(d, task.UbDirectSend{DieID: 1, FuncID: 2, JettyID: 3, Wqe: []byte{1}})
	})
	_, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 1, SubCode: uint32(tscode.UbFlushed)})
	require.True(t, ok)
	require.Len(t, fails.got, 1)
	assert.Equal(t, UbDirectWqe, fails.got[0].Ub.Type)
	assert.Equal(t, tscode.TaskException, fails.got[0].RetCode)
}

func TestModelExecuteMemoryErrorEscalates(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	esc := &escalator{out: fault.Outcome{Type: fault.HbmUce, Escalated: true}}
	fails := &failSink{}
	r := New(ts, WithEscalator(esc), WithDeviceID(2))
	r.OnFail("test", fails.fn)

	d := ts.add(t, task.KindModelExecute, func(d *task.Descriptor) error {
		return task.ModelExecuteInit(d, task.ModelExecute{ModelID: 1, HeadStreams: []uint32{4}})
	})
	_, ok := r.OnCompletionReport(context.Background(), Report{
		StreamID: 1, TaskID: d.ID, ErrorType: 1, SubCode: tscode.SdmaPoisonError,
	})
	require.True(t, ok)

	res, _ := d.Result()
	assert.Equal(t, tscode.SdmaPoisonError, res.ErrorCode)
	assert.Equal(t, tscode.SdmaPoisonError, res.MteErrCode)

	require.Len(t, esc.recs, 1)
	assert.Equal(t, hal.SubsystemSDMA, esc.recs[0].Subsystem)
	assert.Equal(t, fault.SdmaStatusPoison, esc.recs[0].CqeStatus)
	assert.Equal(t, uint32(2), esc.recs[0].DeviceID)

	require.Len(t, fails.got, 1)
	assert.Equal(t, ExceptionModel, fails.got[0].Type)
}

func TestModelExecutePlainFailureDoesNotEscalate(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	esc := &escalator{}
	r := New(ts, WithEscalator(esc))
	d := ts.add(t, task.KindModelExecute, func(d *task.Descriptor) error {
		return task.ModelExecuteInit(d, task.ModelExecute{ModelID: 1, HeadStreams: []uint32{4}})
	})
	_, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 1 << 2})
	require.True(t, ok)
	assert.Empty(t, esc.recs)
	res, _ := d.Result()
	assert.Equal(t, tscode.TaskTimeout, res.ErrorCode)
	assert.Zero(t, res.MteErrCode)
}

func TestMemcpyStatusRecordsMteCode(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	esc := &escalator{out: fault.Outcome{MteCode: tscode.SdmaLinkError}}
	r := New(ts, WithEscalator(esc))
	d := ts.add(t, task.KindMemcpyAsync, func(d *task.Descriptor) error {
		return task.MemcpyInit(d, task.Memcpy{Copy: task.CopyDeviceToDevice, Src: 0x10, Dst: 0x20, Size: 64})
	})
	_, ok := r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 1, SubCode: fault.SdmaStatusLink})
	require.True(t, ok)

	require.Len(t, esc.recs, 1)
	assert.Equal(t, fault.SdmaStatusLink, esc.recs[0].CqeStatus)
	res, _ := d.Result()
	assert.Equal(t, tscode.SdmaLinkError, res.MteErrCode)
}

func TestCleanupRunsOnSuccessAndFailure(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	n := &notifier{}
	rel := &releaser{}
	r := New(ts, WithNotifier(n), WithArgReleaser(rel))

	wait := ts.add(t, task.KindNotifyWait, func(d *task.Descriptor) error {
		return task.NotifyInit(d, task.Notify{ID: 77})
	})
	record := ts.add(t, task.KindNotifyRecord, func(d *task.Descriptor) error {
		return task.NotifyInit(d, task.Notify{ID: 78})
	})
	fusion := ts.add(t, task.KindFusionKernelLaunch, func(d *task.Descriptor) error {
		return task.FusionInit(d, task.Fusion{
			ArgHandle: 0xbeef,
			Subs: []task.FusionSub{{Kind: task.FusionAICPU, Aicpu: &task.AicpuKernel{KernelNameAddr: 0x100}}},
		})
	})

	ctx := context.Background()
	r.OnCompletionReport(ctx, Report{StreamID: 1, TaskID: wait.ID})
	r.OnCompletionReport(ctx, Report{StreamID: 1, TaskID: record.ID})
	r.OnCompletionReport(ctx, Report{StreamID: 1, TaskID: fusion.ID, ErrorType: 1})

	assert.Equal(t, []uint32{77}, n.detached)
	assert.Equal(t, []uint64{0xbeef}, rel.handles)
}

func TestSinkAndJournal(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	s := &sink{}
	j := &journal{err: errors.New("disk full")}
	r := New(ts, WithSink(s), WithJournal(j), WithDeviceID(9))

	k := ts.add(t, task.KindKernelLaunch, func(d *task.Descriptor) error {
		return task.KernelLaunchInit(d, task.KernelLaunch{FuncAddr: 0x1000, BlockDim: 1})
	})
	n := ts.nop(t)

	ctx := context.Background()
	_, ok := r.OnCompletionReport(ctx, Report{StreamID: 1, TaskID: k.ID})
	require.True(t, ok, "journal errors do not fail the completion")
	r.OnCompletionReport(ctx, Report{StreamID: 1, TaskID: n.ID, ErrorType: 1 << 3})

	require.Len(t, s.got, 1)
	assert.Equal(t, task.KindKernelLaunch, s.got[0].Kind)
	assert.Equal(t, k.Sn, s.got[0].Sn)

	require.Len(t, j.entries, 2)
	assert.Equal(t, "KERNEL_LAUNCH", j.entries[0].Kind)
	assert.Nil(t, j.entries[0].Exception)
	assert.Equal(t, uint32(9), j.entries[1].DeviceID)
	assert.Equal(t, tscode.TaskSqeError, j.entries[1].ErrorCode)
	require.NotNil(t, j.entries[1].Exception)
}

func TestOnErrorRecordStoresMteCode(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	esc := &escalator{out: fault.Outcome{Type: fault.HbmUce, MteCode: tscode.AicoreMteError}}
	r := New(ts, WithEscalator(esc))
	d := ts.nop(t)

	out := r.OnErrorRecord(context.Background(), hal.ErrorRecord{StreamID: 1, TaskID: d.ID, ErrClass: uint8(fault.ClassMtePoison)})
	assert.Equal(t, fault.HbmUce, out.Type)
	require.Len(t, esc.recs, 1)
	assert.Equal(t, fault.ClassMtePoison, esc.recs[0].Class)

	res, _ := d.Result()
	assert.Equal(t, tscode.AicoreMteError, res.MteErrCode)

	assert.Equal(t, fault.Outcome{}, New(ts).OnErrorRecord(context.Background(), hal.ErrorRecord{}))
}

func TestOnFailReplaceAndRemove(t *testing.T) {
	t.Parallel()

	ts := newTasks()
	a, b := &failSink{}, &failSink{}
	r := New(ts)
	r.OnFail("m", a.fn)
	r.OnFail("m", b.fn)

	d := ts.nop(t)
	r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d.ID, ErrorType: 1})
	assert.Empty(t, a.got)
	assert.Len(t, b.got, 1)

	r.OnFail("m", nil)
	d2 := ts.nop(t)
	r.OnCompletionReport(context.Background(), Report{StreamID: 1, TaskID: d2.ID, ErrorType: 1})
	assert.Len(t, b.got, 1)
}
