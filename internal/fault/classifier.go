package fault

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samcharles93/rts/internal/hal"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/task"
	"github.com/samcharles93/rts/internal/tscode"
)

// Outcome is what classification decided for one record.
type Outcome struct {
	// Type is the fault the record maps to, NoError when suppressed or
	// when the record is not a fault.
	Type Type
	// Suppressed is set when a blacklisted event matched.
	Suppressed bool
	// Escalated is set when the device state changed.
	Escalated bool
	// MteCode is the memory sub-error to store on the failing task.
	MteCode tscode.Code
	EventID uint32
}

// Event is passed to fault callbacks.
type Event struct {
	OccurrenceID string      `json:"occurrence_id"`
	DeviceID     uint32      `json:"device_id"`
	Type         Type        `json:"type"`
	Class        Class       `json:"class"`
	Subsystem    string      `json:"subsystem"`
	StreamID     uint32      `json:"stream_id"`
	TaskID       uint32      `json:"task_id"`
	DieID        uint8       `json:"die_id"`
	MissionID    uint8       `json:"mission_id"`
	InstID       uint16      `json:"inst_id"`
	EventID      uint32      `json:"event_id"`
	MteCode      tscode.Code `json:"mte_code,omitempty"`
	Args         [4]uint64   `json:"args"`
}

type occurrence struct {
	device  uint32
	class   Class
	die     uint8
	mission uint8
	inst    uint16
	event   uint32
}

// Locator finds the published task a record names.
type Locator interface {
	Lookup(streamID, taskID uint32) (*task.Descriptor, bool)
}

// Classifier turns device error records into fault transitions.
type Classifier struct {
	drv    hal.Driver
	dev    *Device
	tables Tables
	loc    Locator
	log    logger.Logger

	mu        sync.Mutex
	callbacks map[string]func(Event)
	order     []string
	seen      map[occurrence]struct{}
}

type Option func(*Classifier)

func WithLogger(l logger.Logger) Option {
	return func(c *Classifier) { c.log = l }
}

// WithTables replaces the default tables.
func WithTables(t Tables) Option {
	return func(c *Classifier) { c.tables = t }
}

// WithLocator makes AI-core records that name a queued non-kernel task
// pass without touching the device state.
func WithLocator(l Locator) Option {
	return func(c *Classifier) { c.loc = l }
}

func NewClassifier(drv hal.Driver, dev *Device, opts ...Option) *Classifier {
	c := &Classifier{
		drv:       drv,
		dev:       dev,
		tables:    DefaultTables(),
		log:       logger.Nop(),
		callbacks: make(map[string]func(Event)),
		seen:      make(map[occurrence]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Classifier) Device() *Device {
	return c.dev
}

func (c *Classifier) Tables() Tables {
	return c.tables
}

// OnFault registers fn under module, replacing any earlier callback for
// the same module. A nil fn removes it.
func (c *Classifier) OnFault(module string, fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callbacks[module]; !ok && fn != nil {
		c.order = append(c.order, module)
	}
	if fn == nil {
		delete(c.callbacks, module)
		for i, m := range c.order {
			if m == module {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return
	}
	c.callbacks[module] = fn
}

// Repair clears the device fault and forgets seen occurrences so a
// recurrence is reported again.
func (c *Classifier) Repair(kind RepairKind) error {
	if err := c.dev.Repair(kind); err != nil {
		return err
	}
	c.mu.Lock()
	clear(c.seen)
	c.mu.Unlock()
	c.log.Info("device fault repaired", "device", c.dev.ID(), "kind", kind.String())
	return nil
}

// Classify decides the fault for rec, updates the device state and fires
// callbacks for a new occurrence.
func (c *Classifier) Classify(ctx context.Context, rec Record) Outcome {
	var out Outcome
	if rec.Subsystem == hal.SubsystemSDMA {
		out = c.classifySDMA(ctx, rec)
	} else {
		out = c.classifyCore(ctx, rec)
	}
	if out.Type != NoError {
		c.commit(rec, &out)
	}
	return out
}

func (c *Classifier) classifyCore(ctx context.Context, rec Record) Outcome {
	if c.loc != nil {
		if d, ok := c.loc.Lookup(rec.StreamID, rec.TaskID); ok && d.Kind != task.KindKernelLaunch {
			c.log.Debug("core record names a non-kernel task",
				"stream", rec.StreamID, "task", rec.TaskID, "kind", d.Kind.String(), "class", rec.Class.String())
			return Outcome{}
		}
	}
	if rec.Class == ClassNA || !c.drv.RASSupported() {
		out := Outcome{Type: AicoreUnknown}
		if rec.Class == ClassMtePoison {
			out.MteCode = tscode.AicoreMteError
		}
		return out
	}

	events, err := c.drv.QueryFaultEvents(ctx, rec.DeviceID, hal.EventFilter{})
	if err != nil {
		c.log.Warn("fault event query failed", "device", rec.DeviceID, "class", rec.Class.String(), "error", err)
		return Outcome{Type: AicoreUnknown}
	}
	if ev, hit := IsHitBlacklist(events, c.tables.blacklist(rec.Class)); hit {
		c.suppressed(rec, ev)
		return Outcome{Suppressed: true, EventID: ev.EventID}
	}

	switch rec.Class {
	case ClassHwL:
		return Outcome{Type: AicoreHwL, EventID: firstEventID(events)}
	case ClassSw:
		return Outcome{Type: AicoreSw, EventID: firstEventID(events)}
	case ClassMtePoison:
		if f, ev, ok := FirstRasMatch(events, c.tables.filters(HbmUce, L2Buffer)); ok {
			return Outcome{Type: f.Fault, MteCode: tscode.AicoreMteError, EventID: ev.EventID}
		}
		return Outcome{Type: AicoreUnknown, MteCode: tscode.SdmaLinkError}
	case ClassLink:
		if IsFaultEventOccur(c.tables.UbPoisonEventID, events) {
			if _, ev, ok := FirstRasMatch(events, c.tables.filters(Link)); ok {
				return Outcome{Type: Link, MteCode: tscode.LinkError, EventID: ev.EventID}
			}
		}
		return Outcome{Type: AicoreUnknown}
	}
	return Outcome{Type: AicoreUnknown}
}

// classifySDMA examines the completion status before consulting RAS.
// Without RAS the status alone picks the task's sub-error and the device
// state is left alone.
func (c *Classifier) classifySDMA(ctx context.Context, rec Record) Outcome {
	if !sdmaMemoryStatus(rec.CqeStatus) {
		return Outcome{}
	}
	if !c.drv.RASSupported() {
		out := Outcome{MteCode: tscode.SdmaLinkError}
		if rec.CqeStatus == SdmaStatusPoison {
			out.MteCode = tscode.SdmaPoisonError
		}
		c.log.Warn("sdma memory error without ras support",
			"device", rec.DeviceID, "stream", rec.StreamID, "task", rec.TaskID, "cqe_status", uint64(rec.CqeStatus))
		return out
	}

	events, err := c.drv.QueryFaultEvents(ctx, rec.DeviceID, hal.EventFilter{})
	if err != nil {
		c.log.Warn("fault event query failed", "device", rec.DeviceID, "class", "sdma", "error", err)
		return Outcome{Type: AicoreUnknown, MteCode: tscode.SdmaLinkError}
	}
	if ev, hit := IsHitBlacklist(events, c.tables.Blacklist.Sdma); hit {
		c.suppressed(rec, ev)
		return Outcome{Suppressed: true, EventID: ev.EventID}
	}
	if f, ev, ok := FirstRasMatch(events, c.tables.filters(HbmUce, L2Buffer)); ok {
		return Outcome{Type: f.Fault, MteCode: tscode.SdmaPoisonError, EventID: ev.EventID}
	}
	return Outcome{MteCode: tscode.SdmaLinkError}
}

func firstEventID(events []hal.FaultEvent) uint32 {
	if len(events) == 0 {
		return 0
	}
	return events[0].EventID
}

func (c *Classifier) suppressed(rec Record, ev hal.FaultEvent) {
	bl := c.tables.blacklist(rec.Class)
	if rec.Subsystem == hal.SubsystemSDMA {
		bl = c.tables.Blacklist.Sdma
	}
	c.log.Info("fault suppressed by blacklist",
		"device", rec.DeviceID, "class", rec.Class.String(), "subsystem", rec.Subsystem.String(),
		"event", fmt.Sprintf("%#x", ev.EventID), "name", bl[ev.EventID])
}

func (c *Classifier) commit(rec Record, out *Outcome) {
	out.Escalated = c.dev.set(out.Type, rec, out.EventID)
	if out.Escalated {
		c.log.Error("device fault",
			"device", rec.DeviceID, "type", out.Type.String(), "class", rec.Class.String(),
			"subsystem", rec.Subsystem.String(), "die", rec.DieID, "mission", rec.MissionID, "inst", rec.InstID)
	}

	key := occurrence{rec.DeviceID, rec.Class, rec.DieID, rec.MissionID, rec.InstID, out.EventID}
	c.mu.Lock()
	if _, dup := c.seen[key]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[key] = struct{}{}
	fns := make([]func(Event), 0, len(c.order))
	for _, m := range c.order {
		fns = append(fns, c.callbacks[m])
	}
	c.mu.Unlock()

	ev := Event{
		OccurrenceID: uuid.NewString(),
		DeviceID:     rec.DeviceID,
		Type:         out.Type,
		Class:        rec.Class,
		Subsystem:    rec.Subsystem.String(),
		StreamID:     rec.StreamID,
		TaskID:       rec.TaskID,
		DieID:        rec.DieID,
		MissionID:    rec.MissionID,
		InstID:       rec.InstID,
		EventID:      out.EventID,
		MteCode:      out.MteCode,
		Args:         rec.Args,
	}
	for _, fn := range fns {
		fn(ev)
	}
}
