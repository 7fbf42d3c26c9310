// Package rts ties the runtime core together for one device: descriptor
// store, per-stream queues and SQ memory, the encoder, the completion
// reconciler and the fault classifier.
package rts

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/completion"
	"github.com/samcharles93/rts/internal/fault"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/journal"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/queue"
	"github.com/samcharles93/rts/internal/sqe"
	"github.com/samcharles93/rts/internal/task"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrDeviceFault   = errors.New("device is in a fault state")
	ErrShortEncode   = errors.New("encoder produced fewer sqes than reserved")
)

const (
	defaultPoolSize = 4096
	// sqBase is the device address of the first stream's SQ memory.
	sqBase uint64 = 0x1_0000_0000
	pollBatch     = 256
)

type stream struct {
	// submit serializes Reserve through Publish for the stream.
	submit sync.Mutex
	q      *queue.Stream
	ring   *queue.Ring
}

// Device is the runtime view of one accelerator.
type Device struct {
	id   uint32
	prof chip.Profile
	drv  hal.Driver
	pool *task.Pool
	enc  *sqe.Encoder
	rec  *completion.Reconciler
	cls  *fault.Classifier
	jrn  *journal.Journal
	log  logger.Logger

	mu       sync.RWMutex
	streams  map[uint32]*stream
	nextID   uint32
	nextBase uint64
}

type config struct {
	id       uint32
	poolSize int
	tables   *fault.Tables
	journal  *journal.Journal
	log      logger.Logger
	compOpts []completion.Option
}

type Option func(*config)

func WithDeviceID(id uint32) Option {
	return func(c *config) { c.id = id }
}

// WithPoolSize sets the descriptor store capacity.
func WithPoolSize(n int) Option {
	return func(c *config) { c.poolSize = n }
}

func WithFaultTables(t fault.Tables) Option {
	return func(c *config) { c.tables = &t }
}

// WithJournal records completions and fault occurrences in j.
func WithJournal(j *journal.Journal) Option {
	return func(c *config) { c.journal = j }
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithCompletionOptions passes collaborators such as notifiers, argument
// releasers and profiling sinks to the reconciler.
func WithCompletionOptions(opts ...completion.Option) Option {
	return func(c *config) { c.compOpts = append(c.compOpts, opts...) }
}

// New builds a device on drv.
func New(prof chip.Profile, drv hal.Driver, opts ...Option) (*Device, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	cfg := config{poolSize: defaultPoolSize, log: logger.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log.With("device", cfg.id)

	dv := &Device{
		id:       cfg.id,
		prof:     prof,
		drv:      drv,
		pool:     task.NewPool(cfg.poolSize),
		enc:      sqe.New(prof, sqe.WithLogger(log.WithGroup("sqe"))),
		jrn:      cfg.journal,
		log:      log,
		streams:  make(map[uint32]*stream),
		nextBase: sqBase,
	}

	clsOpts := []fault.Option{fault.WithLogger(log.WithGroup("fault")), fault.WithLocator(dv)}
	if cfg.tables != nil {
		clsOpts = append(clsOpts, fault.WithTables(*cfg.tables))
	}
	dv.cls = fault.NewClassifier(drv, fault.NewDevice(cfg.id), clsOpts...)

	compOpts := []completion.Option{
		completion.WithDeviceID(cfg.id),
		completion.WithEscalator(dv.cls),
		completion.WithLogger(log.WithGroup("completion")),
	}
	if dv.jrn != nil {
		compOpts = append(compOpts, completion.WithJournal(dv.jrn))
		dv.cls.OnFault("journal", func(ev fault.Event) {
			if err := dv.jrn.RecordFault(context.Background(), ev); err != nil {
				dv.log.Warn("journal fault failed", "occurrence", ev.OccurrenceID, "error", err)
			}
		})
	}
	compOpts = append(compOpts, cfg.compOpts...)
	dv.rec = completion.New(dv, compOpts...)
	return dv, nil
}

func (dv *Device) ID() uint32                         { return dv.id }
func (dv *Device) Profile() chip.Profile              { return dv.prof }
func (dv *Device) Encoder() *sqe.Encoder              { return dv.enc }
func (dv *Device) Classifier() *fault.Classifier      { return dv.cls }
func (dv *Device) Reconciler() *completion.Reconciler { return dv.rec }
func (dv *Device) Journal() *journal.Journal          { return dv.jrn }

// StreamOption configures a new stream.
type StreamOption = queue.Option

// NewStream creates a stream with its own SQ memory and binds it to the
// driver.
func (dv *Device) NewStream(opts ...StreamOption) (uint32, error) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	id := dv.nextID
	opts = append([]StreamOption{queue.WithLogger(dv.log.With("stream", id))}, opts...)
	q, err := queue.NewStream(id, dv.prof, opts...)
	if err != nil {
		return 0, err
	}
	ring, err := queue.NewRing(dv.nextBase, q.Depth())
	if err != nil {
		return 0, err
	}
	if err := dv.drv.BindQueue(id, ring); err != nil {
		_ = ring.Close()
		return 0, fmt.Errorf("bind stream %d: %w", id, err)
	}
	dv.streams[id] = &stream{q: q, ring: ring}
	dv.nextID++
	dv.nextBase += uint64(q.Depth()) * sqe.Size
	dv.log.Debug("stream created", "stream", id, "depth", q.Depth(), "sq_addr", ring.Base())
	return id, nil
}

// DestroyStream releases a stream that has no outstanding tasks.
func (dv *Device) DestroyStream(id uint32) error {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	s, ok := dv.streams[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	if n := len(s.q.Outstanding()); n > 0 {
		return fmt.Errorf("stream %d has %d outstanding tasks", id, n)
	}
	dv.drv.UnbindQueue(id)
	delete(dv.streams, id)
	return s.ring.Close()
}

func (dv *Device) stream(id uint32) (*stream, error) {
	dv.mu.RLock()
	defer dv.mu.RUnlock()
	s, ok := dv.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, id)
	}
	return s, nil
}

// StreamIDs lists the live streams in ascending order.
func (dv *Device) StreamIDs() []uint32 {
	dv.mu.RLock()
	defer dv.mu.RUnlock()
	return slices.Sorted(maps.Keys(dv.streams))
}

// Stream exposes the queue tracker of a stream.
func (dv *Device) Stream(id uint32) (*queue.Stream, error) {
	s, err := dv.stream(id)
	if err != nil {
		return nil, err
	}
	return s.q, nil
}

// Ring exposes the SQ memory of a stream.
func (dv *Device) Ring(id uint32) (*queue.Ring, error) {
	s, err := dv.stream(id)
	if err != nil {
		return nil, err
	}
	return s.ring, nil
}

// Alloc takes a descriptor of kind for a stream.
func (dv *Device) Alloc(streamID uint32, kind task.Kind) (*task.Descriptor, error) {
	s, err := dv.stream(streamID)
	if err != nil {
		return nil, err
	}
	return dv.pool.Allocate(s.q, kind)
}

// Recycle returns a retired or never-submitted descriptor to the store.
func (dv *Device) Recycle(d *task.Descriptor) error {
	return dv.pool.Recycle(d)
}

// InUse is the number of allocated descriptors.
func (dv *Device) InUse() int {
	return dv.pool.InUse()
}

// Submit reserves queue space for an initialized descriptor, writes its
// SQEs and rings the doorbell. A failure before the SQEs are published
// leaves the queue unchanged.
func (dv *Device) Submit(ctx context.Context, d *task.Descriptor) error {
	if st := dv.cls.Device().State(); st != fault.NoError {
		return fmt.Errorf("%w: %s", ErrDeviceFault, st)
	}
	if st := d.State(); st != task.StateInitialized {
		return fmt.Errorf("%w: task is %s", task.ErrBadState, st)
	}
	s, err := dv.stream(d.StreamID)
	if err != nil {
		return err
	}
	n := dv.enc.Count(d)

	s.submit.Lock()
	defer s.submit.Unlock()

	id, err := s.q.Reserve(d, n)
	if err != nil {
		return err
	}
	written := 0
	for i, e := range dv.enc.Records(d, s.ring.SlotAddr(id)) {
		s.ring.Write(id+uint32(i), e)
		written++
	}
	if written != n {
		if rbErr := s.q.Rollback(d); rbErr != nil {
			return errors.Join(fmt.Errorf("%w: %d of %d", ErrShortEncode, written, n), rbErr)
		}
		return fmt.Errorf("%w: %d of %d", ErrShortEncode, written, n)
	}
	if err := d.MarkSubmitted(); err != nil {
		if rbErr := s.q.Rollback(d); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := s.q.Publish(d); err != nil {
		return err
	}
	// The tail covers every published task, so a failed doorbell is
	// repaired by the next successful one.
	if err := dv.drv.RingDoorbell(ctx, d.StreamID, s.q.Occupancy().Tail); err != nil {
		return fmt.Errorf("doorbell stream %d: %w", d.StreamID, err)
	}
	return nil
}

// Lookup finds a published task by stream and queue position.
func (dv *Device) Lookup(streamID, taskID uint32) (*task.Descriptor, bool) {
	s, err := dv.stream(streamID)
	if err != nil {
		return nil, false
	}
	return s.q.Lookup(taskID)
}

// Poll drains device error records and completions, then reads every
// stream's head. It returns the number of tasks retired.
func (dv *Device) Poll(ctx context.Context) (int, error) {
	records, err := dv.drv.PollErrorRecords(ctx, pollBatch)
	if err != nil {
		return 0, fmt.Errorf("poll error records: %w", err)
	}
	for _, r := range records {
		dv.rec.OnErrorRecord(ctx, r)
	}

	cqes, err := dv.drv.PollCompletions(ctx, pollBatch)
	if err != nil {
		return 0, fmt.Errorf("poll completions: %w", err)
	}
	retired := 0
	for _, c := range cqes {
		d, _ := dv.rec.OnCompletionReport(ctx, c)
		if d == nil {
			continue
		}
		s, err := dv.stream(c.StreamID)
		if err != nil {
			continue
		}
		retired += dv.consume(s, s.q.AdvancePast(c.TaskID))
		retired += dv.retire(s, d)
	}

	var errs []error
	for _, id := range dv.StreamIDs() {
		s, err := dv.stream(id)
		if err != nil {
			continue
		}
		head, err := dv.drv.GetSqHead(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %d head: %w", id, err))
			continue
		}
		retired += dv.consume(s, s.q.ObserveHardwareHead(head))
	}
	return retired, errors.Join(errs...)
}

// consume finishes tasks the hardware read. Tasks that write no completion
// entry succeed here; the rest wait for their report.
func (dv *Device) consume(s *stream, ds []*task.Descriptor) int {
	n := 0
	for _, d := range ds {
		if !d.WantCqe() {
			d.Complete(0, 0)
		}
		n += dv.retire(s, d)
	}
	return n
}

// retire frees the queue slots of a consumed task whose result is known.
// The descriptor is read before the slots go, since its owner may recycle
// it as soon as Retire returns.
func (dv *Device) retire(s *stream, d *task.Descriptor) int {
	res, done := d.Result()
	if !done {
		return 0
	}
	bind, toggles := bindChange(d, res)
	if err := s.q.Retire(d.ID); err != nil {
		// Not consumed yet, or already retired.
		return 0
	}
	if toggles {
		s.q.SetBound(bind)
	}
	return 1
}

// bindChange reports the stream bind state a successful model maintenance
// task leaves behind.
func bindChange(d *task.Descriptor, res task.Result) (bound, ok bool) {
	if !res.OK() || d.Kind != task.KindModelMaintenance {
		return false, false
	}
	p, isMM := task.As[task.ModelMaintenance](d)
	if !isMM {
		return false, false
	}
	switch p.Op {
	case task.OpStreamAdd:
		return true, true
	case task.OpStreamRemove:
		return false, true
	}
	return false, false
}

// Run polls every interval until ctx is done.
func (dv *Device) Run(ctx context.Context, interval time.Duration) error {
	noisy := logger.Sampled(dv.log, 10*time.Second, 1)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := dv.Poll(ctx); err != nil {
				noisy.Warn("poll failed", "error", err)
			}
		}
	}
}

// Synchronize polls until streamID has no outstanding task or ctx ends.
func (dv *Device) Synchronize(ctx context.Context, streamID uint32, interval time.Duration) error {
	s, err := dv.stream(streamID)
	if err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := dv.Poll(ctx); err != nil {
			return err
		}
		if len(s.q.Outstanding()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Occupancy reports every stream's queue.
func (dv *Device) Occupancy() []queue.Occupancy {
	ids := dv.StreamIDs()
	out := make([]queue.Occupancy, 0, len(ids))
	for _, id := range ids {
		if s, err := dv.stream(id); err == nil {
			out = append(out, s.q.Occupancy())
		}
	}
	return out
}

// Fault returns the device fault detail.
func (dv *Device) Fault() fault.Verbose {
	return dv.cls.Device().ErrorVerbose()
}

// Repair clears the device fault.
func (dv *Device) Repair(kind fault.RepairKind) error {
	return dv.cls.Repair(kind)
}

// Close releases every stream's SQ memory.
func (dv *Device) Close() error {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	var errs []error
	for id, s := range dv.streams {
		dv.drv.UnbindQueue(id)
		errs = append(errs, s.ring.Close())
	}
	clear(dv.streams)
	return errors.Join(errs...)
}
