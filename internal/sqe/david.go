package sqe

import "github.com/samcharles93/rts/internal/chip"

// davidLayout uses an 8-byte header so that two narrow CCU records share
// one SQE.
type davidLayout struct{}

func (davidLayout) generation() chip.Generation { return chip.David }

func (davidLayout) opcode(op Op) (Opcode, bool) { return davidOps.opcode(op) }

func putDavidHeader(b []byte, h Header, code Opcode) {
	b[0] = byte(code)&0x3F | byte(h.Chain&0x3)<<6
	b[1] = bit(h.IE) | bit(h.PreP)<<1 | bit(h.PostP)<<2 | bit(h.WrCqe)<<3 |
		bit(h.PtrMode)<<4 | bit(h.RttMode)<<5 | bit(h.HeadUpdate)<<6
	le.PutUint16(b[2:], h.BlockDim)
	le.PutUint16(b[4:], h.StreamID)
	le.PutUint16(b[6:], h.TaskID)
}

func (davidLayout) header(s SQE) Header {
	code := Opcode(s[0] & 0x3F)
	h := Header{
		Op:         davidOps.op(code),
		Opcode:     code,
		Chain:      Chain(s[0] >> 6),
		IE:         s[1]&0x01 != 0,
		PreP:       s[1]&0x02 != 0,
		PostP:      s[1]&0x04 != 0,
		WrCqe:      s[1]&0x08 != 0,
		PtrMode:    s[1]&0x10 != 0,
		RttMode:    s[1]&0x20 != 0,
		HeadUpdate: s[1]&0x40 != 0,
		BlockDim:   le.Uint16(s[2:]),
		StreamID:   le.Uint16(s[4:]),
		TaskID:     le.Uint16(s[6:]),
		TaskType:   s[8],
	}
	switch h.Op {
	case OpCCU, OpFusion:
		// byte 9 is the record task count
	default:
		h.KernelCredit = s[9]
	}
	return h
}

func (davidLayout) put(s *SQE, e Entry, code Opcode) {
	if ccu, ok := e.Body.(CcuBody); ok {
		putDavidCcu(s, e.Header, code, ccu)
		return
	}
	putDavidHeader(s[:8], e.Header, code)
	s[8] = e.Header.TaskType
	s[9] = e.Header.KernelCredit
	switch b := e.Body.(type) {
	case KernelBody:
		putDavidKernel(s, b)
	case DMABody:
		s[smallOff] = byte(b.Sub)
		le.PutUint16(s[12:], b.SrcDevice)
		le.PutUint16(s[14:], b.DstDevice)
		le.PutUint64(s[16:], b.Src)
		le.PutUint64(s[24:], b.Dst)
		le.PutUint64(s[32:], b.Len)
		le.PutUint64(s[40:], b.Offset)
		le.PutUint64(s[48:], b.Desc)
	case CondBody:
		putCondFlags(s, b)
		le.PutUint32(s[12:], b.Target)
		le.PutUint64(s[16:], b.Left)
		le.PutUint64(s[24:], b.Right)
		le.PutUint64(s[32:], b.FallThrough)
		le.PutUint64(s[40:], b.Table)
	default:
		putCommon(s, e.Body)
	}
}

func putDavidKernel(s *SQE, b KernelBody) {
	s[10] = bit(b.Mix) | bit(b.PiMix)<<1 | bit(b.Loose)<<2 | bit(b.DieFriendly)<<3 | bit(b.Dump)<<4
	s[11] = b.Ratio&0xF | b.Schem<<4
	le.PutUint16(s[12:], b.GroupDim)
	le.PutUint16(s[14:], b.GroupBlockDim)
	le.PutUint16(s[16:], b.AicPrefetch)
	le.PutUint16(s[18:], b.AivPrefetch)
	s[20] = b.AicWrrRd&0x7 | b.AicWrrWr&0x7<<3
	s[21] = b.AivWrrRd&0x7 | b.AivWrrWr&0x7<<3
	s[22] = b.Qos
	s[23] = b.PartID
	le.PutUint64(s[24:], b.AicPC)
	le.PutUint64(s[32:], b.AivPC)
	le.PutUint64(s[40:], b.AicParam)
	le.PutUint64(s[48:], b.AivParam)
}

func putCondFlags(s *SQE, b CondBody) {
	s[smallOff] = byte(b.Branch.Func)&0x7 | bit(b.Branch.Reversed)<<3 | bit(b.Wide)<<4 | bit(b.RightIsAddr)<<5
}

// putDavidCcu writes a wide record over the whole SQE or two narrow records
// into its halves, each behind its own header.
func putDavidCcu(s *SQE, h Header, code Opcode, b CcuBody) {
	if len(b.Records) == 0 {
		putDavidHeader(s[:8], h, code)
		s[8] = h.TaskType
		return
	}
	if b.Records[0].Wide {
		putDavidHeader(s[:8], h, code)
		putCcuRecord(s[:], h.TaskType, b.Records[0])
		return
	}
	for i, r := range b.Records {
		if i > 1 {
			break
		}
		half := s[32*i : 32*(i+1)]
		putDavidHeader(half[:8], h, code)
		putCcuRecord(half, h.TaskType, r)
	}
}
