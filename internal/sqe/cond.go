package sqe

import "github.com/samcharles93/rts/internal/task"

// Func3 is the branch comparison a COND SQE executes.
type Func3 uint8

const (
	BEQ  Func3 = 0
	BNE  Func3 = 1
	BLT  Func3 = 4
	BGE  Func3 = 5
	BLTU Func3 = 6
	BGEU Func3 = 7
)

func (f Func3) String() string {
	switch f {
	case BEQ:
		return "BEQ"
	case BNE:
		return "BNE"
	case BLT:
		return "BLT"
	case BGE:
		return "BGE"
	case BLTU:
		return "BLTU"
	case BGEU:
		return "BGEU"
	default:
		return "FUNC3(?)"
	}
}

// Branch is a hardware comparison. When Reversed is set the operands are
// compared right against left.
type Branch struct {
	Func     Func3
	Reversed bool
}

// BranchFor maps a semantic condition to the branch the firmware takes to
// skip the guarded work, so the hardware test is the complement of c.
// Unknown conditions fall back to BEQ.
func BranchFor(c task.Condition) Branch {
	switch c {
	case task.CondEqual:
		return Branch{Func: BNE}
	case task.CondNotEqual:
		return Branch{Func: BEQ}
	case task.CondGreater:
		return Branch{Func: BGE, Reversed: true}
	case task.CondGreaterOrEqual:
		return Branch{Func: BLT}
	case task.CondLess:
		return Branch{Func: BGE}
	case task.CondLessOrEqual:
		return Branch{Func: BLT, Reversed: true}
	default:
		return Branch{Func: BEQ}
	}
}

// ConditionFor inverts BranchFor.
func ConditionFor(b Branch) (task.Condition, bool) {
	for _, c := range task.Conditions() {
		if BranchFor(c) == b {
			return c, true
		}
	}
	return 0, false
}

// DecodeBranch reads the branch of a COND SQE. Both generations keep the
// flags in the same byte.
func DecodeBranch(s SQE) Branch {
	return Branch{Func: Func3(s[smallOff] & 0x7), Reversed: s[smallOff]&0x08 != 0}
}
