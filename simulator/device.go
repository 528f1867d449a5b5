// Package simulator is an in-process NVMe controller: it implements
// platform.Device directly over plain Go memory instead of a real PCIe BAR,
// and runs a background goroutine that plays the device side of the same
// register/doorbell/queue protocol the driver speaks, per
// original_source/python3/nvsim_2/simulators/generic.py.
package simulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nvhost/nvhost/platform"
	"github.com/nvhost/nvhost/regs"
)

func init() {
	platform.RegisterSimulatorOpener(func(opts any) (platform.Device, error) {
		o, _ := opts.(Options)
		return Open(o)
	})
}

// iovaMapping records one MapDMA call so the simulator can translate a PRP
// pointer the driver handed it back into the host bytes it refers to — the
// toy software IOMMU a simulator needs in place of a real one, since vaddr
// and IOVA are otherwise unrelated address spaces.
type iovaMapping struct {
	iova uint64
	size uint64
	buf  []byte
}

// device is the platform.Device implementation backing a Simulator. It owns
// the BAR0/config-space byte buffers and the IOVA translation table; the
// background loop and the handlers package both read and write through it.
type device struct {
	mu sync.Mutex

	pci  *regs.PCIeRegs
	nvme *regs.NVMeRegs

	mappings []iovaMapping

	msixPending map[int]uint64

	closed bool
}

const (
	pciConfigSpaceSize = 4096
)

func newDevice() *device {
	pciBuf := make([]byte, pciConfigSpaceSize)
	nvmeBuf := make([]byte, regs.NVMeRegisterBlockSize)

	d := &device{
		pci:         regs.NewPCIeRegs(regs.NewRegion(pciBuf)),
		nvme:        regs.NewNVMeRegs(regs.NewRegion(nvmeBuf)),
		msixPending: map[int]uint64{},
	}
	d.initPCIeHeader()
	d.initCapabilities()
	d.resetNVMeRegisters()
	return d
}

// initPCIeHeader fills in the VID/DID identity nvsim advertises, per
// generic.py's GenericNVMeNVSimConfig defaults (vid=0xEDDA, did=0xE771).
func (d *device) initPCIeHeader() {
	binary.LittleEndian.PutUint32(d.pci.Region().Bytes()[regs.OffID:], uint32(0xEDDA)|uint32(0xE771)<<16)
}

// classicCap is one node of the synthetic classic capability list laid out
// by initCapabilities.
type classicCap struct {
	id   uint8
	off  uint8
	next uint8
}

// initCapabilities lays out a minimal PCIe classic capability list (Power
// Management, MSI, PCI Express, MSI-X) so PCIeRegs.WalkCapabilities/
// FindCapability/InitiateFLR work the same way they would against a real
// device. Each capability gets a 16-byte slot, comfortably larger than any
// field this simulator touches within it.
func (d *device) initCapabilities() {
	const stride = 0x10
	caps := []classicCap{
		{id: regs.CapIDPowerManagement, off: 0x40},
		{id: regs.CapIDMSI, off: 0x50},
		{id: regs.CapIDPCIExpress, off: 0x60},
		{id: regs.CapIDMSIX, off: 0x70},
	}
	for i := range caps {
		if i+1 < len(caps) {
			caps[i].next = caps[i+1].off
		}
	}

	b := d.pci.Region().Bytes()
	for _, c := range caps {
		b[c.off] = c.id
		b[c.off+1] = c.next
	}
	d.pci.SetCapabilitiesPointer(caps[0].off)
	_ = stride
}

// resetNVMeRegisters (re-)initializes the NVMe register block to its
// post-FLR/post-power-on defaults: CAP describes the controller's
// capabilities, VS its version, CSTS clear (not ready, not fatal).
func (d *device) resetNVMeRegisters() {
	n := d.nvme

	var cap uint64
	cap |= uint64(uint16(queueDepthLimit - 1))          // MQES, zero-based
	cap |= uint64(4) << 24                              // TO: 4 * 500ms = 2s
	cap |= uint64(0) << 32                               // DSTRD
	cap |= uint64(regs.CSSOneOrMoreIOSets) << 37        // CSS
	cap |= uint64(0) << 48                               // MPSMIN: 4KiB pages
	cap |= uint64(0) << 52                               // MPSMAX: 4KiB pages
	n.Region().Store64(regs.OffCAP, cap)

	// VS 2.1.0, matching the NVMe Base Specification revision nvsim targets.
	n.Region().Store32(regs.OffVS, uint32(0)|uint32(1)<<8|uint32(2)<<16)

	n.Region().Store32(regs.OffCSTS, 0)
	n.Region().Store32(regs.OffCC, 0)
}

// queueDepthLimit caps the admin/IO queue sizes this simulator advertises
// support for, per CAP.MQES.
const queueDepthLimit = 4096

// --- platform.Device ---

func (d *device) Slot() string             { return platform.SimulatorSlot }
func (d *device) PCIRegs() *regs.PCIeRegs  { return d.pci }
func (d *device) NVMeRegs() *regs.NVMeRegs { return d.nvme }

func (d *device) MapDMA(vaddr []byte, iova uint64, size uint64, dir platform.Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mappings = append(d.mappings, iovaMapping{iova: iova, size: size, buf: vaddr})
	return nil
}

func (d *device) UnmapDMA(iova uint64, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, m := range d.mappings {
		if m.iova == iova {
			d.mappings = append(d.mappings[:i], d.mappings[i+1:]...)
			return nil
		}
	}
	return nil
}

// Translate resolves an IOVA the driver chose (via a prior MapDMA call) back
// into the host bytes it addresses, the way a real IOMMU's page tables
// would. size bytes starting at iova must lie entirely within one mapping.
func (d *device) Translate(iova uint64, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.mappings {
		if iova >= m.iova && iova+size <= m.iova+m.size {
			off := iova - m.iova
			return m.buf[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("simulator: no DMA mapping covers iova 0x%x size %d", iova, size)
}

func (d *device) AllocPages(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (d *device) FreePages(b []byte) error { return nil }

func (d *device) EnableMSIX(nvec, start int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for v := start; v < start+nvec; v++ {
		d.msixPending[v] = 0
	}
	return nil
}

func (d *device) MSIXPendingCount(vector int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.msixPending[vector]
	d.msixPending[vector] = 0
	return n, nil
}

// signalMSIX increments a vector's pending count, called by the background
// loop after posting a completion on a queue that has one assigned.
func (d *device) signalMSIX(vector uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msixPending[int(vector)]++
}

func (d *device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetNVMeRegisters()
	d.mappings = nil
	return nil
}

func (d *device) IOVARanges() []platform.IOVARange {
	return []platform.IOVARange{{Base: 1 << 24, Size: 1 << 34}}
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ platform.Device = (*device)(nil)
