package fault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/hal/sim"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hbmUceEvent   = 0x80e01801
	l2BufferEvent = 0x80cd8008
	ubPoisonEvent = 0x81af8009
	aicBusEvent   = 0x813d8009
	plainEvent    = 0x80e18400
)

func newClassifier(t *testing.T, opts ...sim.Option) (*Classifier, *sim.Driver) {
	t.Helper()
	drv := sim.New(chip.David, opts...)
	return NewClassifier(drv, NewDevice(0)), drv
}

func record(class Class) Record {
	return Record{Subsystem: hal.SubsystemAICore, Class: class, DieID: 1, MissionID: 2, InstID: 3}
}

func TestHwLBlacklistSuppresses(t *testing.T) {
	t.Parallel()

	c, drv := newClassifier(t)
	var calls atomic.Int32
	c.OnFault("test", func(Event) { calls.Add(1) })

	drv.InjectEvents(hal.FaultEvent{EventID: aicBusEvent})
	out := c.Classify(context.Background(), record(ClassHwL))
	assert.True(t, out.Suppressed)
	assert.Equal(t, NoError, out.Type)
	assert.Equal(t, NoError, c.Device().State())
	assert.Zero(t, calls.Load())
}

func TestHwLWithoutBlacklistEscalates(t *testing.T) {
	t.Parallel()

	c, drv := newClassifier(t)
	drv.InjectEvents(hal.FaultEvent{EventID: plainEvent})
	out := c.Classify(context.Background(), record(ClassHwL))
	assert.Equal(t, AicoreHwL, out.Type)
	assert.True(t, out.Escalated)
	assert.Equal(t, AicoreHwL, c.Device().State())
}

func TestUnknownPaths(t *testing.T) {
	t.Parallel()

	t.Run("na class", func(t *testing.T) {
		t.Parallel()
		c, drv := newClassifier(t)
		out := c.Classify(context.Background(), record(ClassNA))
		assert.Equal(t, AicoreUnknown, out.Type)
		assert.Zero(t, drv.Queries(), "na records never query ras")
	})
	t.Run("ras unsupported", func(t *testing.T) {
		t.Parallel()
		c, _ := newClassifier(t, sim.WithRAS(false))
		out := c.Classify(context.Background(), record(ClassMtePoison))
		assert.Equal(t, AicoreUnknown, out.Type)
		assert.Equal(t, tscode.AicoreMteError, out.MteCode)
	})
	t.Run("query fails", func(t *testing.T) {
		t.Parallel()
		c, drv := newClassifier(t)
		drv.FailNext(sim.CallQuery, errors.New("dms down"))
		out := c.Classify(context.Background(), record(ClassSw))
		assert.Equal(t, AicoreUnknown, out.Type)
		assert.Equal(t, AicoreUnknown, c.Device().State())
	})
}

type tasks map[[2]uint32]*task.Descriptor

func (m tasks) Lookup(streamID, taskID uint32) (*task.Descriptor, bool) {
	d, ok := m[[2]uint32{streamID, taskID}]
	return d, ok
}

func TestCoreRecordForNonKernelTask(t *testing.T) {
	t.Parallel()

	drv := sim.New(chip.David)
	loc := tasks{
		{4, 10}: {StreamID: 4, ID: 10, Kind: task.KindMemcpyAsync},
		{4, 11}: {StreamID: 4, ID: 11, Kind: task.KindKernelLaunch},
	}
	c := NewClassifier(drv, NewDevice(0), WithLocator(loc))
	var calls atomic.Int32
	c.OnFault("test", func(Event) { calls.Add(1) })

	rec := record(ClassHwL)
	rec.StreamID, rec.TaskID = 4, 10
	out := c.Classify(context.Background(), rec)
	assert.Equal(t, Outcome{}, out)
	assert.Equal(t, NoError, c.Device().State())
	assert.Zero(t, drv.Queries())
	assert.Zero(t, calls.Load())

	rec.TaskID = 11
	assert.Equal(t, AicoreHwL, c.Classify(context.Background(), rec).Type)

	// An unknown task is still classified.
	c = NewClassifier(drv, NewDevice(0), WithLocator(loc))
	rec.TaskID = 99
	assert.Equal(t, AicoreHwL, c.Classify(context.Background(), rec).Type)
}

func TestSwClass(t *testing.T) {
	t.Parallel()

	c, _ := newClassifier(t)
	out := c.Classify(context.Background(), record(ClassSw))
	assert.Equal(t, AicoreSw, out.Type)
}

func TestMtePoisonBySubCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event hal.FaultEvent
		want  Type
		mte   tscode.Code
	}{
		{"hbm uce", hal.FaultEvent{EventID: hbmUceEvent, RasCode: 0x1}, HbmUce, tscode.AicoreMteError},
		{"l2 buffer", hal.FaultEvent{EventID: l2BufferEvent, RasCode: 0x4}, L2Buffer, tscode.AicoreMteError},
		{"no ras bits", hal.FaultEvent{EventID: hbmUceEvent}, AicoreUnknown, tscode.SdmaLinkError},
		{"unrelated", hal.FaultEvent{EventID: plainEvent, RasCode: 0xff}, AicoreUnknown, tscode.SdmaLinkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, drv := newClassifier(t)
			drv.InjectEvents(tt.event)
			out := c.Classify(context.Background(), record(ClassMtePoison))
			assert.Equal(t, tt.want, out.Type)
			assert.Equal(t, tt.mte, out.MteCode)
			assert.Equal(t, tt.want, c.Device().State())
		})
	}
}

func TestLinkNeedsPoisonEventAndRasBit(t *testing.T) {
	t.Parallel()

	match := hal.FaultEvent{EventID: ubPoisonEvent, SubModuleID: 0x03, ErrorRegisterIndex: 0x03, RasCode: 0x40000000}
	miss := match
	miss.RasCode = 0x00000001
	wrongReg := match
	wrongReg.ErrorRegisterIndex = 0x01

	tests := []struct {
		name  string
		event hal.FaultEvent
		want  Type
	}{
		{"bit hit", match, Link},
		{"bit miss", miss, AicoreUnknown},
		{"wrong register", wrongReg, AicoreUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, drv := newClassifier(t)
			drv.InjectEvents(tt.event)
			out := c.Classify(context.Background(), record(ClassLink))
			assert.Equal(t, tt.want, out.Type)
		})
	}
}

func sdmaRecord(status uint32) Record {
	return Record{Subsystem: hal.SubsystemSDMA, Class: ClassMtePoison, CqeStatus: status, StreamID: 4, TaskID: 9}
}

func TestSdmaStatus(t *testing.T) {
	t.Parallel()

	t.Run("not a memory status", func(t *testing.T) {
		t.Parallel()
		c, drv := newClassifier(t)
		out := c.Classify(context.Background(), sdmaRecord(0x1))
		assert.Equal(t, Outcome{}, out)
		assert.Zero(t, drv.Queries())
	})
	t.Run("local only without ras", func(t *testing.T) {
		t.Parallel()
		c, _ := newClassifier(t, sim.WithRAS(false))
		out := c.Classify(context.Background(), sdmaRecord(SdmaStatusPoison))
		assert.Equal(t, tscode.SdmaPoisonError, out.MteCode)
		assert.False(t, out.Escalated)
		assert.Equal(t, NoError, c.Device().State())

		out = c.Classify(context.Background(), sdmaRecord(SdmaStatusDDRC))
		assert.Equal(t, tscode.SdmaLinkError, out.MteCode)
	})
	t.Run("poison with ras", func(t *testing.T) {
		t.Parallel()
		c, drv := newClassifier(t)
		drv.InjectEvents(hal.FaultEvent{EventID: hbmUceEvent, RasCode: 0x2})
		out := c.Classify(context.Background(), sdmaRecord(SdmaStatusLink))
		assert.Equal(t, HbmUce, out.Type)
		assert.Equal(t, tscode.SdmaPoisonError, out.MteCode)
		assert.Equal(t, HbmUce, c.Device().State())
	})
	t.Run("link without memory event", func(t *testing.T) {
		t.Parallel()
		c, _ := newClassifier(t)
		out := c.Classify(context.Background(), sdmaRecord(SdmaStatusLink))
		assert.Equal(t, NoError, out.Type)
		assert.Equal(t, tscode.SdmaLinkError, out.MteCode)
	})
	t.Run("blacklisted", func(t *testing.T) {
		t.Parallel()
		c, drv := newClassifier(t)
		drv.InjectEvents(hal.FaultEvent{EventID: 0x81338002}, hal.FaultEvent{EventID: hbmUceEvent, RasCode: 1})
		out := c.Classify(context.Background(), sdmaRecord(SdmaStatusPoison))
		assert.True(t, out.Suppressed)
		assert.Zero(t, out.MteCode)
		assert.Equal(t, NoError, c.Device().State())
	})
}

func TestStateIsTerminal(t *testing.T) {
	t.Parallel()

	c, drv := newClassifier(t)
	require.True(t, c.Classify(context.Background(), record(ClassSw)).Escalated)

	drv.InjectEvents(hal.FaultEvent{EventID: hbmUceEvent, RasCode: 1})
	out := c.Classify(context.Background(), record(ClassMtePoison))
	assert.Equal(t, HbmUce, out.Type)
	assert.False(t, out.Escalated)
	assert.Equal(t, AicoreSw, c.Device().State())
}

func TestCallbacksOncePerOccurrence(t *testing.T) {
	t.Parallel()

	c, _ := newClassifier(t)
	var mu sync.Mutex
	var got []Event
	c.OnFault("a", func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	var other atomic.Int32
	c.OnFault("b", func(Event) { other.Add(1) })

	ctx := context.Background()
	c.Classify(ctx, record(ClassSw))
	c.Classify(ctx, record(ClassSw))
	next := record(ClassSw)
	next.InstID = 4
	c.Classify(ctx, next)

	require.Len(t, got, 2)
	assert.Equal(t, int32(2), other.Load())
	assert.NotEqual(t, got[0].OccurrenceID, got[1].OccurrenceID)
	assert.Equal(t, uint16(3), got[0].InstID)
	assert.Equal(t, uint8(2), got[0].MissionID)
	assert.Equal(t, uint16(4), got[1].InstID)

	c.OnFault("b", nil)
	third := record(ClassSw)
	third.DieID = 0
	c.Classify(ctx, third)
	assert.Len(t, got, 3)
	assert.Equal(t, int32(2), other.Load())
}

func TestConcurrentRecordsSetStateOnce(t *testing.T) {
	t.Parallel()

	c, _ := newClassifier(t)
	classes := []Class{ClassNA, ClassSw, ClassHwL}
	var escalated atomic.Int32
	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := record(classes[i%len(classes)])
			rec.InstID = uint16(i)
			if c.Classify(context.Background(), rec).Escalated {
				escalated.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), escalated.Load())
	assert.NotEqual(t, NoError, c.Device().State())
}

func TestRepair(t *testing.T) {
	t.Parallel()

	c, drv := newClassifier(t)
	require.ErrorIs(t, c.Repair(RepairAICore), ErrNoFault)

	drv.InjectEvents(hal.FaultEvent{EventID: ubPoisonEvent, SubModuleID: 0x03, ErrorRegisterIndex: 0x02, RasCode: 0x10000000})
	var calls atomic.Int32
	c.OnFault("test", func(Event) { calls.Add(1) })
	c.Classify(context.Background(), record(ClassLink))
	require.Equal(t, Link, c.Device().State())

	v := c.Device().ErrorVerbose()
	assert.True(t, v.TryRepair)
	assert.Equal(t, uint32(ubPoisonEvent), v.EventID)
	require.NotNil(t, v.Record)
	assert.Equal(t, ClassLink, v.Record.Class)

	require.ErrorIs(t, c.Repair(RepairAICore), ErrNotRepairable)
	require.NoError(t, c.Repair(RepairLink))
	assert.Equal(t, NoError, c.Device().State())
	assert.Zero(t, c.Device().RecoverCount())
	assert.Nil(t, c.Device().ErrorVerbose().Record)

	c.Classify(context.Background(), record(ClassLink))
	assert.Equal(t, int32(2), calls.Load(), "a repaired fault is reported again")
}

func TestRepairAICoreCountsRecovers(t *testing.T) {
	t.Parallel()

	c, _ := newClassifier(t)
	c.Classify(context.Background(), record(ClassSw))
	require.ErrorIs(t, c.Repair(RepairLink), ErrNotRepairable)
	require.NoError(t, c.Repair(RepairAICore))
	assert.Equal(t, uint32(1), c.Device().RecoverCount())
	assert.False(t, c.Device().ErrorVerbose().TryRepair)
}

func TestRecordFrom(t *testing.T) {
	t.Parallel()

	rec := RecordFrom(hal.ErrorRecord{DeviceID: 2, Subsystem: hal.SubsystemCCU, ErrClass: 9, InstID: 7})
	assert.Equal(t, ClassNA, rec.Class)
	assert.Equal(t, uint16(7), rec.InstID)
	assert.Equal(t, ClassLink, RecordFrom(hal.ErrorRecord{ErrClass: 4}).Class)
}
