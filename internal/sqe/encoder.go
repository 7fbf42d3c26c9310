package sqe

import (
	"fmt"
	"iter"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/logger"
	"github.com/samcharles93/rts/internal/task"
)

// MaxChain bounds the SQEs one task may occupy.
const MaxChain = task.MaxChain

// Encoder turns initialized descriptors into SQEs for one device profile.
// It is stateless apart from its configuration and safe for concurrent use.
type Encoder struct {
	prof chip.Profile
	lay  layout
	plan planner
	log  logger.Logger
}

type Option func(*Encoder)

// WithLogger sets the logger used to report descriptors that cannot be encoded.
func WithLogger(l logger.Logger) Option {
	return func(e *Encoder) {
		e.log = l
	}
}

func New(prof chip.Profile, opts ...Option) *Encoder {
	e := &Encoder{
		prof: prof,
		lay:  layoutFor(prof.Generation),
		plan: planner{prof: prof},
		log:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Encoder) Profile() chip.Profile {
	return e.prof
}

// Count is the number of queue slots Encode will fill for d.
func (e *Encoder) Count(d *task.Descriptor) int {
	entries, err := e.entries(d, 0)
	if err != nil {
		return 1
	}
	return len(entries)
}

// Encode returns the SQEs for d placed at slotAddr. A descriptor that cannot
// be encoded produces one SQE with the INVALID opcode.
func (e *Encoder) Encode(d *task.Descriptor, slotAddr uint64) []SQE {
	out := make([]SQE, 0, max(d.SQECount(), 1))
	for _, s := range e.Records(d, slotAddr) {
		out = append(out, s)
	}
	return out
}

// Records yields the SQEs for d one at a time, indexed from zero.
func (e *Encoder) Records(d *task.Descriptor, slotAddr uint64) iter.Seq2[int, SQE] {
	return func(yield func(int, SQE) bool) {
		entries, err := e.entries(d, slotAddr)
		if err != nil {
			e.log.Error("encode failed, emitting invalid sqe",
				"stream", d.StreamID, "task", d.ID, "kind", d.Kind.String(), "error", err)
			yield(0, e.invalid(d))
			return
		}
		for i, ent := range entries {
			var s SQE
			if raw, ok := ent.Body.(RawBody); ok {
				copy(s[:], raw.Data)
			} else {
				code, _ := e.lay.opcode(ent.Header.Op)
				e.lay.put(&s, ent, code)
			}
			if !yield(i, s) {
				return
			}
		}
	}
}

// entries plans d and applies the group-wide header rules.
func (e *Encoder) entries(d *task.Descriptor, slotAddr uint64) ([]Entry, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", errUnplannable)
	}
	if st := d.State(); st != task.StateInitialized && st != task.StateSubmitted {
		return nil, fmt.Errorf("%w: descriptor is %s", errUnplannable, st)
	}
	if !task.Supported(e.prof.Generation, d.Kind) {
		return nil, fmt.Errorf("%w: %s on %s", errUnplannable, d.Kind, e.prof.Generation)
	}
	entries, err := e.plan.plan(d, slotAddr)
	if err != nil {
		return nil, err
	}
	n := len(entries)
	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: %s planned no sqes", errUnplannable, d.Kind)
	case n > MaxChain:
		return nil, fmt.Errorf("%w: %s needs %d sqes", errUnplannable, d.Kind, n)
	case n != d.SQECount():
		return nil, fmt.Errorf("%w: %s planned %d sqes, reserved %d", errUnplannable, d.Kind, n, d.SQECount())
	}
	// Raw continuations carry no header, so the chain flags run over the
	// header-bearing entries only.
	heads := make([]int, 0, n)
	for i := range entries {
		if entries[i].Raw() {
			if i == 0 {
				return nil, fmt.Errorf("%w: %s starts with a raw sqe", errUnplannable, d.Kind)
			}
			continue
		}
		if _, ok := e.lay.opcode(entries[i].Header.Op); !ok {
			return nil, fmt.Errorf("%w: %s has no %s opcode", errUnplannable, entries[i].Header.Op, e.prof.Generation)
		}
		heads = append(heads, i)
	}

	wrCqe := d.WantCqe()
	last := len(heads) - 1
	for j, i := range heads {
		h := &entries[i].Header
		h.HeadUpdate = j == 0 && d.HeadUpdate
		h.WrCqe = j == last && wrCqe
		switch {
		case last == 0:
			h.Chain = ChainNone
		case j == last:
			h.Chain = ChainEnd
		default:
			h.Chain = ChainContinue
		}
	}
	return entries, nil
}

func (e *Encoder) invalid(d *task.Descriptor) SQE {
	var s SQE
	h := Header{Op: OpInvalid}
	if d != nil {
		h.StreamID = uint16(d.StreamID)
		h.TaskID = uint16(d.ID)
		h.TaskType = uint8(d.Kind)
	}
	e.lay.put(&s, Entry{Header: h}, OpcodeInvalid)
	return s
}

// Decode reads the header of an SQE written for gen.
func Decode(gen chip.Generation, s SQE) Header {
	return layoutFor(gen).header(s)
}

// Span is the number of slots taken by the header-bearing SQE s: one, plus
// the raw continuation that follows a wide CCU record.
func Span(gen chip.Generation, s SQE) int {
	if gen != chip.David {
		return 1
	}
	switch Decode(gen, s).Op {
	case OpCCU, OpFusion:
		if s[10]&0x20 != 0 {
			return 1 + int(s[13])
		}
	}
	return 1
}

// Plan exposes the semantic entries for d without serializing them.
func (e *Encoder) Plan(d *task.Descriptor, slotAddr uint64) ([]Entry, error) {
	return e.entries(d, slotAddr)
}
