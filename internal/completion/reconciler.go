// Package completion matches completion and device error reports to
// queued tasks and runs the per-kind result handling.
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
)

// Report is one completion queue entry.
type Report = hal.CQE

// Locator finds the published task at a queue position.
type Locator interface {
	Lookup(streamID, taskID uint32) (*task.Descriptor, bool)
}

// Escalator classifies memory faults found while handling a completion.
type Escalator interface {
	Classify(ctx context.Context, rec fault.Record) fault.Outcome
}

// Notifier owns the wait lists of notify objects.
type Notifier interface {
	DetachWaiter(notifyID, streamID, taskID uint32)
}

// ArgReleaser frees staged kernel argument memory.
type ArgReleaser interface {
	Release(handle uint64)
}

// Telemetry is handed to the Sink for kernel and fusion tasks.
type Telemetry struct {
	StreamID  uint32
	TaskID    uint32
	Sn        uint32
	Kind      task.Kind
	ErrorCode tscode.Code
	At        time.Time
}

// Sink receives per-task profiling data.
type Sink interface {
	TaskDone(t Telemetry)
}

// Entry is the journal view of one handled completion.
type Entry struct {
	DeviceID  uint32
	StreamID  uint32
	TaskID    uint32
	Sn        uint32
	Kind      string
	ErrorType uint8
	ErrorCode tscode.Code
	MteCode   tscode.Code
	Exception *ExceptionInfo
	At        time.Time
}

// Journal persists handled completions.
type Journal interface {
	RecordCompletion(ctx context.Context, e Entry) error
}

// Reconciler applies completion reports to descriptors.
type Reconciler struct {
	loc      Locator
	deviceID uint32
	esc      Escalator
	notifier Notifier
	args     ArgReleaser
	sink     Sink
	journal  Journal
	log      logger.Logger
	noisy    logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	fails map[string]func(ExceptionInfo)
	order []string
}

type Option func(*Reconciler)

func WithDeviceID(id uint32) Option {
	return func(r *Reconciler) { r.deviceID = id }
}

func WithEscalator(e Escalator) Option {
	return func(r *Reconciler) { r.esc = e }
}

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithArgReleaser(a ArgReleaser) Option {
	return func(r *Reconciler) { r.args = a }
}

func WithSink(s Sink) Option {
	return func(r *Reconciler) { r.sink = s }
}

func WithJournal(j Journal) Option {
	return func(r *Reconciler) { r.journal = j }
}

func WithLogger(l logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func New(loc Locator, opts ...Option) *Reconciler {
	r := &Reconciler{
		loc:   loc,
		log:   logger.Nop(),
		now:   time.Now,
		fails: make(map[string]func(ExceptionInfo)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.noisy = logger.Sampled(r.log, time.Second, 10)
	return r
}

// OnFail registers the fail callback for module. A nil fn removes it.
func (r *Reconciler) OnFail(module string, fn func(ExceptionInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, had := r.fails[module]
	if fn == nil {
		if had {
			delete(r.fails, module)
			for i, m := range r.order {
				if m == module {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
		return
	}
	if !had {
		r.order = append(r.order, module)
	}
	r.fails[module] = fn
}

// OnCompletionReport stores the report on its task. It returns the task
// and true when the report was the first one for it. Reports for unknown
// tasks are dropped.
func (r *Reconciler) OnCompletionReport(ctx context.Context, rep Report) (*task.Descriptor, bool) {
	d, ok := r.loc.Lookup(rep.StreamID, rep.TaskID)
	if !ok {
		r.noisy.Warn("dropping completion for unknown task", "stream", rep.StreamID, "task", rep.TaskID,
			"error_type", rep.ErrorType, "error_code", uint64(rep.ErrorCode))
		return nil, false
	}

	code := rep.ErrorCode
	if tscode.Failed(rep.ErrorType) && code == tscode.Success {
		code = tscode.FromErrorType(rep.ErrorType)
	}
	if !d.Complete(rep.ErrorType, code) {
		r.noisy.Warn("duplicate completion ignored", "stream", rep.StreamID, "task", rep.TaskID,
			"kind", d.Kind.String(), "error_code", uint64(code))
		return d, false
	}

	var exc *ExceptionInfo
	if code != tscode.Success {
		exc = r.failure(ctx, d, rep, code)
	}
	r.cleanup(d)

	res, _ := d.Result()
	if r.sink != nil && (d.Kind == task.KindKernelLaunch || d.Kind == task.KindFusionKernelLaunch) {
		r.sink.TaskDone(Telemetry{StreamID: d.StreamID, TaskID: d.ID, Sn: d.Sn, Kind: d.Kind, ErrorCode: res.ErrorCode, At: r.now()})
	}
	if r.journal != nil {
		e := Entry{
			DeviceID:  r.deviceID,
			StreamID:  d.StreamID,
			TaskID:    d.ID,
			Sn:        d.Sn,
			Kind:      d.Kind.String(),
			ErrorType: res.ErrorType,
			ErrorCode: res.ErrorCode,
			MteCode:   res.MteErrCode,
			Exception: exc,
			At:        r.now(),
		}
		if err := r.journal.RecordCompletion(ctx, e); err != nil {
			r.noisy.Warn("journal completion failed", "stream", d.StreamID, "task", d.ID, "error", err)
		}
	}
	return d, true
}

// failure runs the per-kind failure handling and notifies fail callbacks
// unless the code ends the task normally.
func (r *Reconciler) failure(ctx context.Context, d *task.Descriptor, rep Report, code tscode.Code) *ExceptionInfo {
	info := ExceptionInfo{
		RetCode:  code,
		TaskSn:   d.Sn,
		TaskID:   d.ID,
		StreamID: d.StreamID,
		DeviceID: r.deviceID,
		Kind:     d.Kind.String(),
		Type:     ExceptionGeneral,
	}

	switch d.Kind {
	case task.KindUbDoorbellSend, task.KindUbDirectSend:
		status := tscode.UbStatusOf(rep.SubCode)
		if code != tscode.TaskSwStatus && status.Known() && status != tscode.UbOK && status != tscode.UbFlushed {
			r.log.Error("ub send completed with error", "stream", d.StreamID, "task", d.ID, "status", status.String())
		}
		info.Type = ExceptionUB
		info.Ub = ubInfo(d, status)

	case task.KindModelExecute:
		sub := tscode.Code(rep.SubCode)
		if tscode.IsMemoryError(sub) {
			d.SetErrorCode(sub)
			d.SetMteError(sub)
			info.RetCode = sub
			info.MteCode = sub
			info.Type = ExceptionModel
			r.escalate(ctx, d, memoryRecord(r.deviceID, d, sub))
		}

	case task.KindMemcpyAsync:
		if rep.SubCode != 0 {
			rec := fault.Record{
				DeviceID:  r.deviceID,
				Subsystem: hal.SubsystemSDMA,
				Class:     fault.ClassMtePoison,
				StreamID:  d.StreamID,
				TaskID:    d.ID,
				CqeStatus: rep.SubCode,
			}
			if out, ok := r.escalate(ctx, d, rec); ok && out.MteCode != 0 {
				d.SetMteError(out.MteCode)
				info.MteCode = out.MteCode
			}
		}
	}

	info.RetName = tscode.Name(info.RetCode)
	if tscode.Normal(info.RetCode) {
		r.log.Debug("task ended normally", "stream", d.StreamID, "task", d.ID, "code", uint64(info.RetCode))
		return nil
	}
	r.log.Warn("task failed", "stream", d.StreamID, "task", d.ID, "sn", d.Sn,
		"kind", d.Kind.String(), "code", uint64(info.RetCode), "reason", info.RetName)

	info.OccurrenceID = uuid.NewString()
	r.mu.Lock()
	fns := make([]func(ExceptionInfo), 0, len(r.order))
	for _, m := range r.order {
		fns = append(fns, r.fails[m])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
	return &info
}

func (r *Reconciler) escalate(ctx context.Context, d *task.Descriptor, rec fault.Record) (fault.Outcome, bool) {
	if r.esc == nil {
		return fault.Outcome{}, false
	}
	out := r.esc.Classify(ctx, rec)
	r.log.Debug("memory fault classified", "stream", d.StreamID, "task", d.ID,
		"fault", out.Type.String(), "suppressed", out.Suppressed, "mte_code", uint64(out.MteCode))
	return out, true
}

// memoryRecord describes a model's memory sub-error as a device error record.
func memoryRecord(deviceID uint32, d *task.Descriptor, sub tscode.Code) fault.Record {
	rec := fault.Record{
		DeviceID:  deviceID,
		Subsystem: hal.SubsystemAICore,
		Class:     fault.ClassMtePoison,
		StreamID:  d.StreamID,
		TaskID:    d.ID,
	}
	switch sub {
	case tscode.SdmaPoisonError:
		rec.Subsystem = hal.SubsystemSDMA
		rec.CqeStatus = fault.SdmaStatusPoison
	case tscode.SdmaLinkError:
		rec.Subsystem = hal.SubsystemSDMA
		rec.CqeStatus = fault.SdmaStatusLink
	}
	return rec
}

// cleanup releases per-kind resources. It runs for failed tasks too.
func (r *Reconciler) cleanup(d *task.Descriptor) {
	switch p := d.Payload.(type) {
	case task.Notify:
		if d.Kind == task.KindNotifyWait && r.notifier != nil {
			r.notifier.DetachWaiter(p.ID, d.StreamID, d.ID)
		}
	case task.Fusion:
		if p.ArgHandle != 0 && r.args != nil {
			r.args.Release(p.ArgHandle)
		}
	}
}

// OnErrorRecord classifies a device error record and stores the resulting
// memory sub-error on the task it names, if that task is still queued.
func (r *Reconciler) OnErrorRecord(ctx context.Context, raw hal.ErrorRecord) fault.Outcome {
	rec := fault.RecordFrom(raw)
	if r.esc == nil {
		return fault.Outcome{}
	}
	out := r.esc.Classify(ctx, rec)
	if out.MteCode == 0 {
		return out
	}
	if d, ok := r.loc.Lookup(rec.StreamID, rec.TaskID); ok {
		d.SetMteError(out.MteCode)
	}
	return out
}
