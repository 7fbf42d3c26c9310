package sqe

import "github.com/samcharles93/rts/internal/chip"

// layout serializes planned entries for one hardware generation.
type layout interface {
	generation() chip.Generation
	opcode(op Op) (Opcode, bool)
	put(s *SQE, e Entry, code Opcode)
	header(s SQE) Header
}

var (
	davidOps = newOpTable(davidOpcodes)
	starsOps = newOpTable(starsOpcodes)
)

func layoutFor(gen chip.Generation) layout {
	if gen == chip.Stars {
		return starsLayout{}
	}
	return davidLayout{}
}
