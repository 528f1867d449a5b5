// Package command builds and decodes NVMe submission queue entries and
// completion queue entries, per spec.md §4.G. Every command is the same 64
// byte wire layout; the per-opcode constructors here only differ in which
// CDW10..CDW15 fields they set, mirroring the way the original implementation
// factors a handful of dword fields shared by every admin/NVM command out of
// the opcode-specific tail.
package command

import "encoding/binary"

// Size is the fixed length of every NVMe submission queue entry.
const Size = 64

// Admin opcodes, per lone.nvme.spec.commands.admin.*.
const (
	OpDeleteIOSubmissionQueue = 0x00
	OpCreateIOSubmissionQueue = 0x01
	OpGetLogPage              = 0x02
	OpDeleteIOCompletionQueue = 0x04
	OpCreateIOCompletionQueue = 0x05
	OpIdentify                = 0x06
	OpSetFeature              = 0x09
	OpGetFeature              = 0x0A
	OpFormatNVM               = 0x80
	OpSanitize                = 0x84
)

// NVM (I/O) opcodes, per lone.nvme.spec.commands.nvm.*.
const (
	OpFlush = 0x00
	OpWrite = 0x01
	OpRead  = 0x02
)

// CNS values for the Identify command's CDW10 byte 0.
const (
	CNSNamespace                   = 0x00
	CNSController                  = 0x01
	CNSActiveNamespaceList         = 0x02
	CNSNamespaceIDDescriptorList   = 0x03
	CNSIOCommandSetSpecificNS      = 0x05
	CNSIOCommandSetSpecificCtrl    = 0x06
	CNSUUIDList                    = 0x17
	CNSIOCommandSetSpecificNSList  = 0x1A
	CNSIOCommandSet                = 0x1C
)

// Log page identifiers used by GetLogPage's CDW10 low byte.
const (
	LIDErrorInformation     = 0x01
	LIDSMARTHealth          = 0x02
	LIDFirmwareSlot         = 0x03
	LIDChangedNamespaceList = 0x04
	LIDSanitizeStatus       = 0x81
)

// Feature identifiers used by Get/SetFeature's CDW10 low byte.
const (
	FIDPowerManagement = 0x02
)

// Get Feature SEL (current/default/saved/supported capabilities) values.
const (
	FeatSelCurrent = 0x0
	FeatSelDefault = 0x1
	FeatSelSaved   = 0x2
	FeatSelSupportedCapabilities = 0x3
)

// Command is a writable overlay on a 64 byte submission queue slot, backed
// either by a DMA region's mapped memory or by a plain byte slice the
// simulator hands back from a queue.
type Command struct {
	b []byte
}

// New wraps b (which must be exactly Size bytes) as a command overlay.
func New(b []byte) *Command {
	if len(b) != Size {
		panic("command: backing slice must be 64 bytes")
	}
	return &Command{b: b}
}

// Bytes returns the raw 64 byte wire encoding.
func (c *Command) Bytes() []byte { return c.b }

func (c *Command) u32(off int) uint32        { return binary.LittleEndian.Uint32(c.b[off:]) }
func (c *Command) setU32(off int, v uint32)  { binary.LittleEndian.PutUint32(c.b[off:], v) }
func (c *Command) u64(off int) uint64        { return binary.LittleEndian.Uint64(c.b[off:]) }
func (c *Command) setU64(off int, v uint64)  { binary.LittleEndian.PutUint64(c.b[off:], v) }

// DW0 fields: OPC (opcode), FUSE (fused op), PSDT (PRP/SGL indicator), CID.
func (c *Command) OPC() uint8   { return c.b[0] }
func (c *Command) SetOPC(v uint8) { c.b[0] = v }
func (c *Command) FUSE() uint8  { return c.b[1] & 0x3 }
func (c *Command) SetFUSE(v uint8) { c.b[1] = (c.b[1] &^ 0x3) | (v & 0x3) }
func (c *Command) CID() uint16  { return binary.LittleEndian.Uint16(c.b[2:]) }
func (c *Command) SetCID(v uint16) { binary.LittleEndian.PutUint16(c.b[2:], v) }

func (c *Command) NSID() uint32     { return c.u32(4) }
func (c *Command) SetNSID(v uint32) { c.setU32(4, v) }

func (c *Command) CDW2() uint32     { return c.u32(8) }
func (c *Command) SetCDW2(v uint32) { c.setU32(8, v) }
func (c *Command) CDW3() uint32     { return c.u32(12) }
func (c *Command) SetCDW3(v uint32) { c.setU32(12, v) }

func (c *Command) MPTR() uint64     { return c.u64(16) }
func (c *Command) SetMPTR(v uint64) { c.setU64(16, v) }

func (c *Command) PRP1() uint64     { return c.u64(24) }
func (c *Command) SetPRP1(v uint64) { c.setU64(24, v) }
func (c *Command) PRP2() uint64     { return c.u64(32) }
func (c *Command) SetPRP2(v uint64) { c.setU64(32, v) }

func (c *Command) CDW10() uint32     { return c.u32(40) }
func (c *Command) SetCDW10(v uint32) { c.setU32(40, v) }
func (c *Command) CDW11() uint32     { return c.u32(44) }
func (c *Command) SetCDW11(v uint32) { c.setU32(44, v) }
func (c *Command) CDW12() uint32     { return c.u32(48) }
func (c *Command) SetCDW12(v uint32) { c.setU32(48, v) }
func (c *Command) CDW13() uint32     { return c.u32(52) }
func (c *Command) SetCDW13(v uint32) { c.setU32(52, v) }
func (c *Command) CDW14() uint32     { return c.u32(56) }
func (c *Command) SetCDW14(v uint32) { c.setU32(56, v) }
func (c *Command) CDW15() uint32     { return c.u32(60) }
func (c *Command) SetCDW15(v uint32) { c.setU32(60, v) }

// SetPRPs fills PRP1/PRP2 from an already-built prp.List-shaped pair, so
// callers in controller don't need to import prp just to copy two fields.
func (c *Command) SetPRPs(prp1, prp2 uint64) {
	c.SetPRP1(prp1)
	c.SetPRP2(prp2)
}

// --- Admin command constructors ---

// Identify builds an Identify command for the given CNS value and NSID
// (ignored by controller/CNS-list variants).
func Identify(b []byte, cns uint8, nsid uint32, cntid uint16) *Command {
	c := New(b)
	c.SetOPC(OpIdentify)
	c.SetNSID(nsid)
	c.SetCDW10(uint32(cns) | uint32(cntid)<<16)
	return c
}

// CreateIOCompletionQueue builds a Create I/O Completion Queue command.
// qsize is the zero-based queue size (entries-1); vector is nil for
// polling-mode queues.
func CreateIOCompletionQueue(b []byte, qid uint16, qsize uint16, prp1 uint64, vector *uint16) *Command {
	c := New(b)
	c.SetOPC(OpCreateIOCompletionQueue)
	c.SetPRP1(prp1)
	c.SetCDW10(uint32(qid) | uint32(qsize)<<16)
	var cdw11 uint32 = 1 // PC: physically contiguous
	if vector != nil {
		cdw11 |= 1 << 1 // IEN: interrupts enabled
		cdw11 |= uint32(*vector) << 16
	}
	c.SetCDW11(cdw11)
	return c
}

// CreateIOSubmissionQueue builds a Create I/O Submission Queue command.
func CreateIOSubmissionQueue(b []byte, qid uint16, qsize uint16, prp1 uint64, cqid uint16, priority uint8) *Command {
	c := New(b)
	c.SetOPC(OpCreateIOSubmissionQueue)
	c.SetPRP1(prp1)
	c.SetCDW10(uint32(qid) | uint32(qsize)<<16)
	c.SetCDW11(1 /* PC */ | uint32(priority&0x3)<<1 | uint32(cqid)<<16)
	return c
}

// DeleteIOCompletionQueue builds a Delete I/O Completion Queue command.
func DeleteIOCompletionQueue(b []byte, qid uint16) *Command {
	c := New(b)
	c.SetOPC(OpDeleteIOCompletionQueue)
	c.SetCDW10(uint32(qid))
	return c
}

// DeleteIOSubmissionQueue builds a Delete I/O Submission Queue command.
func DeleteIOSubmissionQueue(b []byte, qid uint16) *Command {
	c := New(b)
	c.SetOPC(OpDeleteIOSubmissionQueue)
	c.SetCDW10(uint32(qid))
	return c
}

// GetLogPage builds a Get Log Page command for the given log page id and
// transfer size in bytes (must be a multiple of 4).
func GetLogPage(b []byte, nsid uint32, lid uint8, sizeBytes uint32, prp1, prp2 uint64) *Command {
	c := New(b)
	c.SetOPC(OpGetLogPage)
	c.SetNSID(nsid)
	c.SetPRP1(prp1)
	c.SetPRP2(prp2)
	numDW := sizeBytes/4 - 1
	c.SetCDW10(uint32(lid) | (numDW&0xFFFF)<<16)
	c.SetCDW11(numDW >> 16)
	return c
}

// FormatNVM builds a Format NVM command. lbaf selects the LBA format index,
// ses the secure erase setting.
func FormatNVM(b []byte, nsid uint32, lbaf uint8, ses uint8) *Command {
	c := New(b)
	c.SetOPC(OpFormatNVM)
	c.SetNSID(nsid)
	c.SetCDW10(uint32(lbaf&0xF) | uint32(ses&0x7)<<9)
	return c
}

// GetFeature builds a Get Feature command.
func GetFeature(b []byte, fid uint8, sel uint8, nsid uint32) *Command {
	c := New(b)
	c.SetOPC(OpGetFeature)
	c.SetNSID(nsid)
	c.SetCDW10(uint32(fid) | uint32(sel&0x7)<<8)
	return c
}

// SetFeature builds a Set Feature command. value becomes CDW11, the
// feature-specific payload (e.g. FeaturePowerManagement's PS/WH bits).
func SetFeature(b []byte, fid uint8, save bool, nsid uint32, value uint32) *Command {
	c := New(b)
	c.SetOPC(OpSetFeature)
	c.SetNSID(nsid)
	sv := uint32(0)
	if save {
		sv = 1 << 31
	}
	c.SetCDW10(uint32(fid) | sv)
	c.SetCDW11(value)
	return c
}

// Sanitize builds a Sanitize command.
func Sanitize(b []byte, sanact uint8, ause bool, owpass uint8, oipbp bool, nodealloc bool, ovrpat uint32) *Command {
	c := New(b)
	c.SetOPC(OpSanitize)
	cdw10 := uint32(sanact & 0x7)
	if ause {
		cdw10 |= 1 << 3
	}
	cdw10 |= uint32(owpass&0xF) << 4
	if oipbp {
		cdw10 |= 1 << 8
	}
	if nodealloc {
		cdw10 |= 1 << 9
	}
	c.SetCDW10(cdw10)
	c.SetCDW11(ovrpat)
	return c
}

// --- NVM (I/O) command constructors ---

// Flush builds a Flush command against the given namespace.
func Flush(b []byte, nsid uint32) *Command {
	c := New(b)
	c.SetOPC(OpFlush)
	c.SetNSID(nsid)
	return c
}

// Write builds a Write command: slba is the starting LBA, nlb the zero-based
// number of logical blocks to transfer.
func Write(b []byte, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) *Command {
	c := New(b)
	c.SetOPC(OpWrite)
	c.SetNSID(nsid)
	c.SetPRP1(prp1)
	c.SetPRP2(prp2)
	c.SetCDW10(uint32(slba))
	c.SetCDW11(uint32(slba >> 32))
	c.SetCDW12(uint32(nlb))
	return c
}

// Read builds a Read command.
func Read(b []byte, nsid uint32, slba uint64, nlb uint16, prp1, prp2 uint64) *Command {
	c := New(b)
	c.SetOPC(OpRead)
	c.SetNSID(nsid)
	c.SetPRP1(prp1)
	c.SetPRP2(prp2)
	c.SetCDW10(uint32(slba))
	c.SetCDW11(uint32(slba >> 32))
	c.SetCDW12(uint32(nlb))
	return c
}
