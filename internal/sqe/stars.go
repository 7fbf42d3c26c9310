package sqe

import "github.com/samcharles93/rts/internal/chip"

// starsLayout has a 16-byte header and single-die kernel bodies.
type starsLayout struct{}

func (starsLayout) generation() chip.Generation { return chip.Stars }

func (starsLayout) opcode(op Op) (Opcode, bool) {
	switch op {
	case OpFusion, OpCCU, OpUBDMA, OpAsyncDMA:
		return 0, false
	}
	return starsOps.opcode(op)
}

func putStarsHeader(s *SQE, h Header, code Opcode) {
	s[0] = byte(code)&0x3F | bit(h.IE)<<6 | bit(h.PreP)<<7
	s[1] = bit(h.PostP) | bit(h.WrCqe)<<1 | bit(h.PtrMode)<<2 | bit(h.HeadUpdate)<<3 |
		byte(h.Chain&0x3)<<4 | bit(h.RttMode)<<6
	le.PutUint16(s[2:], h.StreamID)
	le.PutUint16(s[4:], h.TaskID)
	le.PutUint16(s[6:], h.BlockDim)
	s[8] = h.KernelCredit
	s[9] = h.TaskType
}

func (starsLayout) header(s SQE) Header {
	code := Opcode(s[0] & 0x3F)
	return Header{
		Op:           starsOps.op(code),
		Opcode:       code,
		IE:           s[0]&0x40 != 0,
		PreP:         s[0]&0x80 != 0,
		PostP:        s[1]&0x01 != 0,
		WrCqe:        s[1]&0x02 != 0,
		PtrMode:      s[1]&0x04 != 0,
		HeadUpdate:   s[1]&0x08 != 0,
		Chain:        Chain(s[1] >> 4 & 0x3),
		RttMode:      s[1]&0x40 != 0,
		StreamID:     le.Uint16(s[2:]),
		TaskID:       le.Uint16(s[4:]),
		BlockDim:     le.Uint16(s[6:]),
		KernelCredit: s[8],
		TaskType:     s[9],
	}
}

func (starsLayout) put(s *SQE, e Entry, code Opcode) {
	putStarsHeader(s, e.Header, code)
	switch b := e.Body.(type) {
	case KernelBody:
		s[10] = bit(b.Mix) | bit(b.PiMix)<<1 | bit(b.Loose)<<2 | bit(b.Dump)<<4
		s[11] = b.Ratio&0xF | b.Schem<<4
		le.PutUint16(s[12:], b.AicPrefetch)
		le.PutUint16(s[14:], b.AivPrefetch)
		le.PutUint64(s[16:], b.AicParam)
		le.PutUint64(s[24:], b.AicPC)
		le.PutUint64(s[32:], b.AivPC)
		le.PutUint64(s[40:], b.AivParam)
		s[48] = b.AicWrrRd&0x3 | b.AicWrrWr&0x3<<2 | b.AivWrrRd&0x3<<4 | b.AivWrrWr&0x3<<6
		s[49] = b.Qos
		s[50] = b.PartID
	case DMABody:
		s[smallOff] = byte(b.Sub)
		le.PutUint16(s[12:], b.SrcDevice)
		le.PutUint16(s[14:], b.DstDevice)
		le.PutUint64(s[16:], b.Len)
		le.PutUint64(s[24:], b.Src)
		le.PutUint64(s[32:], b.Dst)
		le.PutUint64(s[40:], b.Offset)
		le.PutUint64(s[48:], b.Desc)
	case CondBody:
		putCondFlags(s, b)
		le.PutUint32(s[12:], b.Target)
		le.PutUint64(s[16:], b.Right)
		le.PutUint64(s[24:], b.Left)
		le.PutUint64(s[32:], b.FallThrough)
		le.PutUint64(s[40:], b.Table)
	default:
		putCommon(s, e.Body)
	}
}
