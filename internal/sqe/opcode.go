package sqe

import "fmt"

// Size is the byte length of one submission queue entry.
const Size = 64

// SQE is one raw submission queue entry.
type SQE [Size]byte

// Op is the generation-independent operation an SQE performs. Each layout
// maps it to the hardware type field.
type Op uint8

const (
	OpInvalid Op = iota
	OpAIC
	OpAIV
	OpFusion
	OpPlaceHolder
	OpAicpu
	OpEventRecord
	OpEventWait
	OpNotifyRecord
	OpNotifyWait
	OpWriteValue
	OpUBDMA
	OpAsyncDMA
	OpSDMA
	OpPcieDMA
	OpCMO
	OpCCU
	OpRoCE
	OpCond
	OpEnd
)

var opNames = [...]string{
	OpInvalid:      "INVALID",
	OpAIC:          "AIC",
	OpAIV:          "AIV",
	OpFusion:       "FUSION",
	OpPlaceHolder:  "PLACE_HOLDER",
	OpAicpu:        "AICPU",
	OpEventRecord:  "EVENT_RECORD",
	OpEventWait:    "EVENT_WAIT",
	OpNotifyRecord: "NOTIFY_RECORD",
	OpNotifyWait:   "NOTIFY_WAIT",
	OpWriteValue:   "WRITE_VALUE",
	OpUBDMA:        "UBDMA",
	OpAsyncDMA:     "ASYNCDMA",
	OpSDMA:         "SDMA",
	OpPcieDMA:      "PCIE_DMA",
	OpCMO:          "CMO",
	OpCCU:          "CCU",
	OpRoCE:         "ROCCE",
	OpCond:         "COND",
	OpEnd:          "END",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// Opcode is the 6-bit hardware type field.
type Opcode uint8

// OpcodeInvalid is the type firmware rejects on both generations.
const OpcodeInvalid Opcode = 63

var davidOpcodes = map[Op]Opcode{
	OpAIC:          0,
	OpAIV:          1,
	OpFusion:       2,
	OpPlaceHolder:  3,
	OpAicpu:        4,
	OpNotifyRecord: 6,
	OpNotifyWait:   7,
	OpWriteValue:   8,
	OpUBDMA:        9,
	OpAsyncDMA:     10,
	OpSDMA:         11,
	OpCMO:          15,
	OpCCU:          16,
	OpCond:         20,
	OpEnd:          21,
	OpInvalid:      OpcodeInvalid,
}

var starsOpcodes = map[Op]Opcode{
	OpAIC:          0,
	OpAicpu:        1,
	OpAIV:          2,
	OpPlaceHolder:  3,
	OpEventRecord:  4,
	OpEventWait:    5,
	OpNotifyRecord: 6,
	OpNotifyWait:   7,
	OpWriteValue:   8,
	OpSDMA:         11,
	OpRoCE:         16,
	OpPcieDMA:      17,
	OpCond:         20,
	OpEnd:          21,
	OpInvalid:      OpcodeInvalid,
}

type opTable struct {
	codes map[Op]Opcode
	ops   map[Opcode]Op
}

func newOpTable(codes map[Op]Opcode) opTable {
	ops := make(map[Opcode]Op, len(codes))
	for op, c := range codes {
		ops[c] = op
	}
	return opTable{codes: codes, ops: ops}
}

func (t opTable) opcode(op Op) (Opcode, bool) {
	c, ok := t.codes[op]
	return c, ok
}

func (t opTable) op(c Opcode) Op {
	if op, ok := t.ops[c]; ok {
		return op
	}
	return OpInvalid
}
