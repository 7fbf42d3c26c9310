package sqe

import "fmt"

// Chain marks an SQE's position inside a multi-SQE group. The last SQE of
// every group carries ChainEnd.
type Chain uint8

const (
	ChainNone Chain = iota
	ChainContinue
	ChainEnd
)

func (c Chain) String() string {
	switch c {
	case ChainNone:
		return "none"
	case ChainContinue:
		return "continue"
	case ChainEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Header holds the fields every SQE carries regardless of kind.
type Header struct {
	Op Op
	// Opcode is the raw type field; filled in by Decode.
	Opcode Opcode
	Chain  Chain

	IE         bool
	PreP       bool
	PostP      bool
	WrCqe      bool
	PtrMode    bool
	RttMode    bool
	HeadUpdate bool

	BlockDim uint16
	StreamID uint16
	TaskID   uint16
	// TaskType echoes the runtime task kind for the completion path.
	TaskType     uint8
	KernelCredit uint8
}

func (h Header) String() string {
	return fmt.Sprintf("%s(%d) chain=%s stream=%d task=%d type=%d blockDim=%d preP=%t postP=%t wrCqe=%t ptr=%t headUpdate=%t",
		h.Op, h.Opcode, h.Chain, h.StreamID, h.TaskID, h.TaskType, h.BlockDim, h.PreP, h.PostP, h.WrCqe, h.PtrMode, h.HeadUpdate)
}

func bit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
