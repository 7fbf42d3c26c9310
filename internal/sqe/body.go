package sqe

import (
	"encoding/binary"

	"github.com/samcharles93/rts/internal/task"
)

var le = binary.LittleEndian

// Byte offsets shared by both generations. Bytes [10:16] carry small
// kind-specific fields and [16:64] the body words.
const (
	smallOff = 10
	wordOff  = 16

	// ContBytes is the payload capacity of a continuation SQE that keeps its header.
	ContBytes = Size - wordOff
	// ubLeadBytes of an inline work-queue element fit in its first SQE.
	ubLeadBytes = Size - 24
)

// Body is the kind-specific part of a planned SQE.
type Body interface {
	isBody()
}

// Entry is one planned SQE before serialization.
type Entry struct {
	Header Header
	Body   Body
}

// Raw reports whether the entry is written without a header.
func (e Entry) Raw() bool {
	_, ok := e.Body.(RawBody)
	return ok
}

// KernelBody configures an AI-core or AI-vector launch.
type KernelBody struct {
	AicPC, AivPC       uint64
	AicParam, AivParam uint64

	AicPrefetch, AivPrefetch uint16
	AicWrrRd, AicWrrWr       uint8
	AivWrrRd, AivWrrWr       uint8

	Mix, PiMix, Loose bool
	Ratio, Schem      uint8
	Qos, PartID       uint8
	Dump              bool

	DieFriendly   bool
	GroupDim      uint16
	GroupBlockDim uint16
}

type AicpuBody struct {
	SoName, KernelName, Args uint64
	ArgsSize                 uint32
	Timeout                  uint16
}

// DMASub selects how the DMA engine interprets its addresses.
type DMASub uint8

const (
	DMAFlat DMASub = iota
	DMAOffset
	DMAPointer
)

type DMABody struct {
	Sub                  DMASub
	Src, Dst, Len        uint64
	Offset, Desc         uint64
	SrcDevice, DstDevice uint16
}

// CondBody is a conditional branch. FallThrough is the address of the
// SQE after the group, so it changes when the group is relocated.
type CondBody struct {
	Branch      Branch
	Wide        bool
	RightIsAddr bool
	Target      uint32
	Left, Right uint64
	FallThrough uint64
	Table       uint64
}

type NotifyBody struct {
	ID      uint32
	Counted bool
	Value   uint32
	Timeout uint32
}

type WriteValueBody struct {
	// Addr is the target, or the descriptor address in pointer mode.
	Addr    uint64
	Value   [task.WriteValueMaxLen]byte
	AwSize  uint8
	AwCache uint8
}

// CcuRecord is one CCU instruction group record. Narrow records are 32
// bytes. A wide record takes a full SQE and, past CcuLeadWords arguments,
// the raw SQE after it; SqeLength counts that extra slot.
type CcuRecord struct {
	TaskCnt     uint8
	MissionID   uint8
	DieID       uint8
	AivPrimary  bool // fusion led by its vector part
	Wide        bool
	SubType     uint8
	SqeLength   uint8
	Timeout     uint16
	InstStartID uint16
	InstCnt     uint16
	Key         uint32
	Args        []uint64
}

// CcuBody holds one wide record or up to two narrow ones.
type CcuBody struct {
	Records []CcuRecord
}

// ArgsBody is continuation data behind a header, at most ContBytes long.
type ArgsBody struct {
	Data []byte
}

// RawBody is a headerless SQE of argument bytes, at most Size long. It only
// follows a wide CCU record.
type RawBody struct {
	Data []byte
}

type UbDoorbellBody struct {
	Entries []task.UbDoorbell
}

type UbDirectBody struct {
	DieID      uint16
	FuncID     uint16
	JettyID    uint32
	WqeSize    uint8
	DepthShift uint8
	Lead       []byte
}

type RdmaBody struct {
	QPNum    uint32
	WqeIndex uint32
	DbAddr   uint64
	DbValue  uint64
}

const controlWords = 6

// ControlBody is the generic body of firmware control tasks.
type ControlBody struct {
	Sub   uint8
	Aux   uint32
	Words [controlWords]uint64
}

func (KernelBody) isBody()     {}
func (AicpuBody) isBody()      {}
func (DMABody) isBody()        {}
func (CondBody) isBody()       {}
func (NotifyBody) isBody()     {}
func (WriteValueBody) isBody() {}
func (CcuBody) isBody()        {}
func (ArgsBody) isBody()       {}
func (RawBody) isBody()        {}
func (UbDoorbellBody) isBody() {}
func (UbDirectBody) isBody()   {}
func (RdmaBody) isBody()       {}
func (ControlBody) isBody()    {}

// putCommon writes the bodies whose layout is the same on both generations.
func putCommon(s *SQE, body Body) {
	switch b := body.(type) {
	case NotifyBody:
		s[smallOff] = bit(b.Counted)
		le.PutUint32(s[12:], b.ID)
		le.PutUint32(s[16:], b.Value)
		le.PutUint32(s[20:], b.Timeout)
	case WriteValueBody:
		s[smallOff] = b.AwSize&0x7 | b.AwCache<<4
		le.PutUint64(s[16:], b.Addr)
		copy(s[24:56], b.Value[:])
	case AicpuBody:
		le.PutUint32(s[12:], b.ArgsSize)
		le.PutUint64(s[16:], b.SoName)
		le.PutUint64(s[24:], b.KernelName)
		le.PutUint64(s[32:], b.Args)
		le.PutUint16(s[40:], b.Timeout)
	case RdmaBody:
		le.PutUint32(s[12:], b.QPNum)
		le.PutUint32(s[16:], b.WqeIndex)
		le.PutUint64(s[24:], b.DbAddr)
		le.PutUint64(s[32:], b.DbValue)
	case ControlBody:
		s[smallOff] = b.Sub
		le.PutUint32(s[12:], b.Aux)
		for i, w := range b.Words {
			le.PutUint64(s[wordOff+8*i:], w)
		}
	case UbDoorbellBody:
		s[smallOff] = 0
		s[smallOff+1] = byte(len(b.Entries))
		for i, db := range b.Entries {
			off := wordOff + 16*i
			le.PutUint16(s[off:], db.DieID)
			le.PutUint16(s[off+2:], db.FuncID)
			le.PutUint32(s[off+4:], db.JettyID)
			le.PutUint32(s[off+8:], db.PIValue)
		}
	case UbDirectBody:
		s[smallOff] = 1
		s[smallOff+1] = b.WqeSize
		s[smallOff+2] = b.DepthShift
		le.PutUint16(s[14:], b.DieID)
		le.PutUint16(s[16:], b.FuncID)
		le.PutUint32(s[20:], b.JettyID)
		copy(s[24:], b.Lead)
	case ArgsBody:
		copy(s[wordOff:], b.Data)
	}
}

// putCcuRecord writes one record after its 8-byte header. b is 32 bytes for
// a narrow record and a full SQE for a wide one.
func putCcuRecord(b []byte, taskType uint8, r CcuRecord) {
	b[8] = taskType
	b[9] = r.TaskCnt
	b[10] = r.MissionID&0xF | bit(r.AivPrimary)<<4 | bit(r.Wide)<<5
	b[11] = r.DieID
	b[12] = r.SubType
	b[13] = r.SqeLength
	le.PutUint16(b[14:], r.Timeout)
	le.PutUint16(b[16:], r.InstStartID)
	le.PutUint16(b[18:], r.InstCnt)
	le.PutUint32(b[20:], r.Key)
	for i, w := range r.Args {
		off := 24 + 8*i
		if off+8 > len(b) {
			break
		}
		le.PutUint64(b[off:], w)
	}
}

// CcuArgs reads the argument words of a record written by putCcuRecord.
func CcuArgs(b []byte, n int) []uint64 {
	out := make([]uint64, 0, n)
	for off := 24; off+8 <= len(b) && len(out) < n; off += 8 {
		out = append(out, le.Uint64(b[off:]))
	}
	return out
}

// ContWords reads the words of the raw SQE that continues a wide CCU record.
func ContWords(s SQE, n int) []uint64 {
	out := make([]uint64, 0, n)
	for off := 0; off+8 <= Size && len(out) < n; off += 8 {
		out = append(out, le.Uint64(s[off:]))
	}
	return out
}
