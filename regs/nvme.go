package regs

// Register offsets within the NVMe controller register block (BAR0), per
// the NVMe Base Specification and mirrored from the original Python
// implementation's lone.nvme.spec.registers.nvme_regs module.
const (
	OffCAP     = 0x00
	OffVS      = 0x08
	OffINTMS   = 0x0C
	OffINTMC   = 0x10
	OffCC      = 0x14
	OffCSTS    = 0x1C
	OffNSSR    = 0x20
	OffAQA     = 0x24
	OffASQ     = 0x28
	OffACQ     = 0x30
	OffCMBLOC  = 0x38
	OffCMBSZ   = 0x3C
	OffBPINFO  = 0x40
	OffBPRSEL  = 0x44
	OffBPMBL   = 0x48
	OffCMBMSC  = 0x50
	OffCMBSTS  = 0x58
	OffCMBEBS  = 0x5C
	OffCMBSWTP = 0x60
	OffNSSD    = 0x64
	OffCRTO    = 0x68
	OffPMRCAP  = 0xE00
	OffPMRCTL  = 0xE04
	OffPMRSTS  = 0xE08
	OffPMREBS  = 0xE0C
	OffPMRSWTP = 0xE10
	OffPMRMSCL = 0xE14
	OffPMRMSCU = 0xE18
	OffSQnDBS  = 0x1000

	// NumDoorbellPairs is the number of (SQTAIL, CQHEAD) doorbell pairs
	// reserved in the register block, per spec.md §6.
	NumDoorbellPairs = 1024

	// NVMeRegisterBlockSize is the total size of the mapped BAR0 register
	// window (doorbells included).
	NVMeRegisterBlockSize = OffSQnDBS + NumDoorbellPairs*8
)

// Command Set Supported values for CAP.CSS / CC.CSS.
const (
	CSSNVMCommandSet   = 0x01
	CSSOneOrMoreIOSets = 0x40
	CSSNoIOCommandSets = 0x80
	CCCSSAdminOnly     = 0x07
	CCCSSAllSupported  = 0x06
	CCCSSNVMOnly       = 0x00
)

// NVMeRegs is a typed overlay on the NVMe controller register block at
// BAR0. All field accessors go through Region and perform a single aligned
// MMIO load or store — never a cached read.
type NVMeRegs struct {
	r *Region
}

// NewNVMeRegs wraps an existing MMIO region (real BAR0 mapping, or the
// simulator's backing buffer) as the NVMe register block.
func NewNVMeRegs(r *Region) *NVMeRegs {
	return &NVMeRegs{r: r}
}

func (n *NVMeRegs) Region() *Region { return n.r }

// --- CAP (0x00, 8 bytes, read-only / device-owned) ---

func (n *NVMeRegs) CAPRaw() uint64 { return n.r.Load64(OffCAP) }

func (n *NVMeRegs) MQES() uint16   { return uint16(bits64(n.CAPRaw(), 0, 16)) }
func (n *NVMeRegs) CQR() bool      { return bits64(n.CAPRaw(), 16, 1) != 0 }
func (n *NVMeRegs) AMS() uint8     { return uint8(bits64(n.CAPRaw(), 17, 2)) }
func (n *NVMeRegs) TO() uint8      { return uint8(bits64(n.CAPRaw(), 24, 8)) }
func (n *NVMeRegs) DSTRD() uint8   { return uint8(bits64(n.CAPRaw(), 32, 4)) }
func (n *NVMeRegs) NSSRS() bool    { return bits64(n.CAPRaw(), 36, 1) != 0 }
func (n *NVMeRegs) CSS() uint8     { return uint8(bits64(n.CAPRaw(), 37, 8)) }
func (n *NVMeRegs) BPS() bool      { return bits64(n.CAPRaw(), 45, 1) != 0 }
func (n *NVMeRegs) CPS() uint8     { return uint8(bits64(n.CAPRaw(), 46, 2)) }
func (n *NVMeRegs) MPSMIN() uint8  { return uint8(bits64(n.CAPRaw(), 48, 4)) }
func (n *NVMeRegs) MPSMAX() uint8  { return uint8(bits64(n.CAPRaw(), 52, 4)) }
func (n *NVMeRegs) PMRS() bool     { return bits64(n.CAPRaw(), 56, 1) != 0 }
func (n *NVMeRegs) CMBS() bool     { return bits64(n.CAPRaw(), 57, 1) != 0 }

// --- VS (0x08, read-only) ---

func (n *NVMeRegs) VSRaw() uint32 { return n.r.Load32(OffVS) }
func (n *NVMeRegs) VSMajor() uint16 { return uint16(bits32(n.VSRaw(), 16, 16)) }
func (n *NVMeRegs) VSMinor() uint8  { return uint8(bits32(n.VSRaw(), 8, 8)) }
func (n *NVMeRegs) VSTertiary() uint8 { return uint8(bits32(n.VSRaw(), 0, 8)) }

// --- INTMS / INTMC (write-1-to-set / write-1-to-clear interrupt masks) ---

func (n *NVMeRegs) SetINTMS(mask uint32) { n.r.Store32(OffINTMS, mask) }
func (n *NVMeRegs) SetINTMC(mask uint32) { n.r.Store32(OffINTMC, mask) }

// --- CC (0x14, host-owned) ---

func (n *NVMeRegs) CCRaw() uint32 { return n.r.Load32(OffCC) }

func (n *NVMeRegs) EN() bool      { return bits32(n.CCRaw(), 0, 1) != 0 }
func (n *NVMeRegs) CCCSS() uint8  { return uint8(bits32(n.CCRaw(), 4, 3)) }
func (n *NVMeRegs) MPS() uint8    { return uint8(bits32(n.CCRaw(), 7, 4)) }
func (n *NVMeRegs) AMSField() uint8 { return uint8(bits32(n.CCRaw(), 11, 3)) }
func (n *NVMeRegs) SHN() uint8    { return uint8(bits32(n.CCRaw(), 14, 2)) }
func (n *NVMeRegs) IOSQES() uint8 { return uint8(bits32(n.CCRaw(), 16, 4)) }
func (n *NVMeRegs) IOCQES() uint8 { return uint8(bits32(n.CCRaw(), 20, 4)) }

// MPSBytes returns the memory page size in bytes, 2^(12+CC.MPS).
func (n *NVMeRegs) MPSBytes() uint32 { return 1 << (12 + n.MPS()) }

// SetEN sets or clears CC.EN, leaving every other CC field untouched. CC is
// entirely host-owned so a read-modify-write here is safe, unlike the
// *_STS registers.
func (n *NVMeRegs) SetEN(en bool) {
	v := n.CCRaw()
	bit := uint32(0)
	if en {
		bit = 1
	}
	n.r.Store32(OffCC, setBits32(v, 0, 1, bit))
}

// SetAdminQueueConfig programs CC.IOSQES, CC.IOCQES and CC.CSS in a single
// store, as init_admin_queues does immediately before (re-)enabling the
// controller.
func (n *NVMeRegs) SetAdminQueueConfig(iosqes, iocqes, css uint8) {
	v := n.CCRaw()
	v = setBits32(v, 16, 4, uint32(iosqes))
	v = setBits32(v, 20, 4, uint32(iocqes))
	v = setBits32(v, 4, 3, uint32(css))
	n.r.Store32(OffCC, v)
}

// SetMPS sets CC.MPS (memory page size exponent minus 12).
func (n *NVMeRegs) SetMPS(mps uint8) {
	n.r.Store32(OffCC, setBits32(n.CCRaw(), 7, 4, uint32(mps)))
}

// --- CSTS (0x1C, device-owned — read-only from the host's side) ---

func (n *NVMeRegs) CSTSRaw() uint32 { return n.r.Load32(OffCSTS) }
func (n *NVMeRegs) RDY() bool       { return bits32(n.CSTSRaw(), 0, 1) != 0 }
func (n *NVMeRegs) CFS() bool       { return bits32(n.CSTSRaw(), 1, 1) != 0 }
func (n *NVMeRegs) SHST() uint8     { return uint8(bits32(n.CSTSRaw(), 2, 2)) }
func (n *NVMeRegs) NSSRO() bool     { return bits32(n.CSTSRaw(), 4, 1) != 0 }
func (n *NVMeRegs) PPReady() bool   { return bits32(n.CSTSRaw(), 5, 1) != 0 }

// --- NSSR (0x20, host-owned, write triggers a subsystem reset) ---

func (n *NVMeRegs) SetNSSR(v uint32) { n.r.Store32(OffNSSR, v) }

// --- AQA (0x24, host-owned) ---

func (n *NVMeRegs) AQARaw() uint32 { return n.r.Load32(OffAQA) }
func (n *NVMeRegs) ASQS() uint16   { return uint16(bits32(n.AQARaw(), 0, 12)) }
func (n *NVMeRegs) ACQS() uint16   { return uint16(bits32(n.AQARaw(), 16, 12)) }

func (n *NVMeRegs) SetAQA(asqs, acqs uint16) {
	var v uint32
	v = setBits32(v, 0, 12, uint32(asqs))
	v = setBits32(v, 16, 12, uint32(acqs))
	n.r.Store32(OffAQA, v)
}

// --- ASQ / ACQ (0x28 / 0x30, host-owned, 64-bit, page aligned) ---

func (n *NVMeRegs) ASQRaw() uint64 { return n.r.Load64(OffASQ) }
func (n *NVMeRegs) ACQRaw() uint64 { return n.r.Load64(OffACQ) }
func (n *NVMeRegs) SetASQ(iova uint64) { n.r.Store64(OffASQ, setBits64(0, 12, 52, iova>>12)) }
func (n *NVMeRegs) SetACQ(iova uint64) { n.r.Store64(OffACQ, setBits64(0, 12, 52, iova>>12)) }

// --- CRTO (0x68, device-owned — controller ready timeouts) ---

func (n *NVMeRegs) CRTORaw() uint32 { return n.r.Load32(OffCRTO) }
func (n *NVMeRegs) CRWMT() uint16   { return uint16(bits32(n.CRTORaw(), 0, 16)) }
func (n *NVMeRegs) CRIMT() uint16   { return uint16(bits32(n.CRTORaw(), 16, 16)) }

// --- SQnDBS (0x1000, 1024 doorbell pairs) ---

// doorbellStride returns the byte stride between successive 32-bit
// doorbell registers, per CAP.DSTRD: 4 * 2^DSTRD.
func (n *NVMeRegs) doorbellStride() uint32 {
	return 4 << n.DSTRD()
}

// SQTailOffset returns the BAR0 byte offset of the submission tail
// doorbell for the given SQ id.
func (n *NVMeRegs) SQTailOffset(sqid uint16) uint32 {
	return OffSQnDBS + uint32(sqid)*2*n.doorbellStride()
}

// CQHeadOffset returns the BAR0 byte offset of the completion head
// doorbell for the given CQ id.
func (n *NVMeRegs) CQHeadOffset(cqid uint16) uint32 {
	return OffSQnDBS + (uint32(cqid)*2+1)*n.doorbellStride()
}

func (n *NVMeRegs) RingSQTail(sqid uint16, tail uint32) {
	n.r.Store32(n.SQTailOffset(sqid), tail)
}

func (n *NVMeRegs) RingCQHead(cqid uint16, head uint32) {
	n.r.Store32(n.CQHeadOffset(cqid), head)
}

func (n *NVMeRegs) ReadSQTail(sqid uint16) uint32 { return n.r.Load32(n.SQTailOffset(sqid)) }
func (n *NVMeRegs) ReadCQHead(cqid uint16) uint32 { return n.r.Load32(n.CQHeadOffset(cqid)) }

// ZeroAllDoorbells clears every doorbell pair — cc_disable does this on
// success per spec.md §4.H.
func (n *NVMeRegs) ZeroAllDoorbells() {
	for qid := uint16(0); qid < NumDoorbellPairs; qid++ {
		n.r.Store32(n.SQTailOffset(qid), 0)
		n.r.Store32(n.CQHeadOffset(qid), 0)
	}
}
