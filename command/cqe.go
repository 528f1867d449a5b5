package command

import "encoding/binary"

// CQESize is the fixed length of every NVMe completion queue entry.
const CQESize = 16

// CQE is a read-only overlay on a 16 byte completion queue slot.
type CQE struct {
	b []byte
}

// NewCQE wraps b (which must be exactly CQESize bytes) as a completion entry.
func NewCQE(b []byte) *CQE {
	if len(b) != CQESize {
		panic("command: CQE backing slice must be 16 bytes")
	}
	return &CQE{b: b}
}

// Bytes returns the raw 16 byte wire encoding.
func (e *CQE) Bytes() []byte { return e.b }

// CmdSpec is DW0, the command-specific completion value (e.g. a Get Feature
// response or a newly created queue's identifier).
func (e *CQE) CmdSpec() uint32 { return binary.LittleEndian.Uint32(e.b[0:]) }

// SQHD is the submission queue head pointer the controller has consumed up
// to, fed back into SubmissionQueue.SetHead by the driver side.
func (e *CQE) SQHD() uint16 { return binary.LittleEndian.Uint16(e.b[8:]) }
func (e *CQE) SQID() uint16 { return binary.LittleEndian.Uint16(e.b[10:]) }
func (e *CQE) CID() uint16  { return binary.LittleEndian.Uint16(e.b[12:]) }

func (e *CQE) statusField() uint16 { return binary.LittleEndian.Uint16(e.b[14:]) }

// Phase returns the phase tag bit (bit 0 of the status field).
func (e *CQE) Phase() bool { return e.statusField()&0x1 != 0 }

// SC is the status code, SCT the status code type.
func (e *CQE) SC() uint8  { return uint8(e.statusField() >> 1 & 0xFF) }
func (e *CQE) SCT() uint8 { return uint8(e.statusField() >> 9 & 0x7) }

// More reports the More bit and DNR the Do Not Retry bit.
func (e *CQE) More() bool { return e.statusField()&(1<<14) != 0 }
func (e *CQE) DNR() bool  { return e.statusField()&(1<<15) != 0 }

// Set fills every field of the entry in one call. This is the simulator-side
// write path: it never sets fields incrementally like the driver's decode
// path does.
func (e *CQE) Set(cmdSpec uint32, sqhd, sqid, cid uint16, sct, sc uint8, more, dnr, phase bool) {
	binary.LittleEndian.PutUint32(e.b[0:], cmdSpec)
	binary.LittleEndian.PutUint16(e.b[8:], sqhd)
	binary.LittleEndian.PutUint16(e.b[10:], sqid)
	binary.LittleEndian.PutUint16(e.b[12:], cid)

	var sf uint16
	if phase {
		sf |= 0x1
	}
	sf |= uint16(sc) << 1
	sf |= uint16(sct&0x7) << 9
	if more {
		sf |= 1 << 14
	}
	if dnr {
		sf |= 1 << 15
	}
	binary.LittleEndian.PutUint16(e.b[14:], sf)
}
