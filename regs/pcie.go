package regs

// PCIe configuration space offsets (type 0 header, per the PCI/PCIe base
// specifications).
const (
	OffID            = 0x00 // Vendor ID (16) | Device ID (16)
	OffCommand       = 0x04
	OffStatus        = 0x06
	OffCapPointer    = 0x34
	OffExtCapListBase = 0x100

	CapIDPowerManagement = 0x01
	CapIDMSI             = 0x05
	CapIDPCIExpress      = 0x10
	CapIDMSIX            = 0x11

	// Device Control register offset relative to a PCI Express capability's
	// start, and the bit within it that requests a function level reset.
	pcieExpDeviceControlOff = 0x08
	pcieExpIFLRBit          = 15
)

// Command register bits.
const (
	CommandBusMasterEnable = 1 << 2
)

// Capability describes one node discovered while walking the PCIe
// capability linked list.
type Capability struct {
	ID     uint16
	Offset uint32
	// Extended is true for capabilities found in the extended (0x100+)
	// capability list, false for the classic capability list.
	Extended bool
}

// PCIeRegs is a typed overlay on the PCIe configuration space.
type PCIeRegs struct {
	r *Region
}

func NewPCIeRegs(r *Region) *PCIeRegs { return &PCIeRegs{r: r} }

func (p *PCIeRegs) Region() *Region { return p.r }

func (p *PCIeRegs) VendorID() uint16 { return uint16(p.r.Load32(OffID) & 0xFFFF) }
func (p *PCIeRegs) DeviceID() uint16 { return uint16(p.r.Load32(OffID) >> 16) }

func (p *PCIeRegs) Command() uint16 { return uint16(p.r.Load32(OffCommand&^0x3) >> ((OffCommand & 0x3) * 8)) }

// SetBusMasterEnable sets or clears CMD.BME (bit 2 of the Command
// register), used by cc_disable/init_admin_queues to gate DMA.
func (p *PCIeRegs) SetBusMasterEnable(enable bool) {
	base := uint32(OffCommand &^ 0x3)
	shift := uint((OffCommand & 0x3) * 8)
	v := p.r.Load32(base)
	cmd := (v >> shift) & 0xFFFF
	if enable {
		cmd |= CommandBusMasterEnable
	} else {
		cmd &^= CommandBusMasterEnable
	}
	v &^= 0xFFFF << shift
	v |= cmd << shift
	p.r.Store32(base, v)
}

// CapabilitiesPointer returns CAP.CP — the byte offset of the first entry
// in the classic capability linked list.
func (p *PCIeRegs) CapabilitiesPointer() uint8 {
	return uint8(p.r.Load32(OffCapPointer&^0x3) >> ((OffCapPointer & 0x3) * 8))
}

// SetCapabilitiesPointer is used by the simulator when laying out its
// synthetic capability list.
func (p *PCIeRegs) SetCapabilitiesPointer(off uint8) {
	base := uint32(OffCapPointer &^ 0x3)
	shift := uint((OffCapPointer & 0x3) * 8)
	v := p.r.Load32(base)
	v &^= 0xFF << shift
	v |= uint32(off) << shift
	p.r.Store32(base, v)
}

// WalkCapabilities walks CAP.CP's linked list of classic capabilities, then
// the extended capability list starting at 0x100, per spec.md §4.C.
func (p *PCIeRegs) WalkCapabilities() []Capability {
	var caps []Capability

	next := p.CapabilitiesPointer()
	seen := map[uint8]bool{}
	for next != 0 && !seen[next] {
		seen[next] = true
		off := uint32(next)
		raw := p.r.Load32(off &^ 0x3)
		shift := (off & 0x3) * 8
		id := uint16(uint8(raw >> shift))
		nextPtr := uint8(raw >> (shift + 8))
		caps = append(caps, Capability{ID: id, Offset: off})
		next = nextPtr
	}

	extOff := uint32(OffExtCapListBase)
	seenExt := map[uint32]bool{}
	for extOff != 0 && !seenExt[extOff] && int(extOff)+4 <= p.r.Len() {
		seenExt[extOff] = true
		raw := p.r.Load32(extOff)
		id := uint16(raw & 0xFFFF)
		nextOff := (raw >> 20) & 0xFFF
		if id != 0 {
			caps = append(caps, Capability{ID: id, Offset: extOff, Extended: true})
		}
		if nextOff == extOff {
			break
		}
		extOff = nextOff
	}

	return caps
}

// FindCapability returns the offset of the first capability matching id,
// searching classic capabilities before extended ones.
func (p *PCIeRegs) FindCapability(id uint16) (uint32, bool) {
	for _, c := range p.WalkCapabilities() {
		if c.ID == id {
			return c.Offset, true
		}
	}
	return 0, false
}

// IFLRRequested reports whether the PCI Express capability's Device
// Control.IFLR bit is set to 1.
func (p *PCIeRegs) IFLRRequested() (bool, bool) {
	off, ok := p.FindCapability(CapIDPCIExpress)
	if !ok {
		return false, false
	}
	dcOff := off + pcieExpDeviceControlOff
	raw := p.r.Load32(dcOff &^ 0x3)
	shift := (dcOff & 0x3) * 8
	dc := raw >> shift
	return (dc>>pcieExpIFLRBit)&1 != 0, true
}

// InitiateFLR sets the PCI Express capability's "Initiate Function Level
// Reset" bit, per spec.md §4.H initiate_flr. The caller must sleep for at
// least twice the device's advertised FLR recovery time afterward.
func (p *PCIeRegs) InitiateFLR() bool {
	off, ok := p.FindCapability(CapIDPCIExpress)
	if !ok {
		return false
	}
	dcOff := off + pcieExpDeviceControlOff
	base := dcOff &^ 0x3
	shift := (dcOff & 0x3) * 8
	raw := p.r.Load32(base)
	dc := raw >> shift
	dc |= 1 << pcieExpIFLRBit
	raw &^= 0xFFFF << shift
	raw |= (dc & 0xFFFF) << shift
	p.r.Store32(base, raw)
	return true
}

// ClearIFLR clears the IFLR bit — used by the simulator once it has
// observed and processed a 0->1 transition, so the next diff doesn't
// re-trigger the reset.
func (p *PCIeRegs) ClearIFLR() {
	off, ok := p.FindCapability(CapIDPCIExpress)
	if !ok {
		return
	}
	dcOff := off + pcieExpDeviceControlOff
	base := dcOff &^ 0x3
	shift := (dcOff & 0x3) * 8
	raw := p.r.Load32(base)
	dc := raw >> shift
	dc &^= 1 << pcieExpIFLRBit
	raw &^= 0xFFFF << shift
	raw |= (dc & 0xFFFF) << shift
	p.r.Store32(base, raw)
}
