// Package platform is the uniform view over the host OS's PCI userspace
// binding, DMA map/unmap, and MSI-X pending-count mechanisms (spec.md
// §4.A). Everything above this package — dma, regs, controller — talks to
// a Device, never to the OS directly, so the same driver code runs
// unmodified against either a real PCIe slot or the in-process simulator.
package platform

import (
	"errors"

	"github.com/nvhost/nvhost/regs"
)

// Direction is the data direction of a DMA mapping.
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "host-to-device"
	case DeviceToHost:
		return "device-to-host"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Sentinel errors, per spec.md §4.A and §7. These are all non-retryable.
var (
	ErrPlatformUnavailable = errors.New("platform: slot not bound to a userspace driver")
	ErrPermissionDenied    = errors.New("platform: process lacks ownership of the slot")
	ErrIommuUnavailable    = errors.New("platform: no IOMMU group present for slot")
	ErrUnsupportedDirection = errors.New("platform: BIDIR DMA direction is not supported")
)

// IOVARange is one usable range of I/O virtual addresses reported by the
// platform, used by the DMA memory manager's IOVA allocator.
type IOVARange struct {
	Base uint64
	Size uint64
}

// Device is a single opened, userspace-owned NVMe controller slot.
type Device interface {
	// Slot returns the platform-defined slot identifier this device was
	// opened with.
	Slot() string

	// PCIRegs returns the memory-mapped PCIe configuration space overlay.
	PCIRegs() *regs.PCIeRegs

	// NVMeRegs returns the memory-mapped NVMe controller register overlay
	// at BAR0.
	NVMeRegs() *regs.NVMeRegs

	// MapDMA establishes an IOMMU mapping from iova to the host memory
	// backing vaddr, for the given direction and size.
	MapDMA(vaddr []byte, iova uint64, size uint64, dir Direction) error

	// UnmapDMA tears down a mapping previously established by MapDMA.
	UnmapDMA(iova uint64, size uint64) error

	// AllocPages returns size bytes of page-aligned, physically-contiguous
	// host memory (e.g. backed by a hugepage), to be handed to MapDMA.
	AllocPages(size int) ([]byte, error)

	// FreePages releases memory previously returned by AllocPages.
	FreePages(b []byte) error

	// EnableMSIX configures nvec MSI-X vectors starting at start.
	EnableMSIX(nvec, start int) error

	// MSIXPendingCount returns the number of pending interrupts for the
	// given vector without blocking.
	MSIXPendingCount(vector int) (uint64, error)

	// Reset performs a platform-level reset of the slot (e.g. a secondary
	// bus reset), distinct from the NVMe-level FLR which is driven through
	// the PCIe Express capability register.
	Reset() error

	// IOVARanges reports the usable IOVA ranges for this slot, as seen
	// through its IOMMU group.
	IOVARanges() []IOVARange

	// Close releases all platform resources associated with the device.
	Close() error
}

// openSimulator is populated by simulator.init() so that platform.Open can
// resolve the "nvsim" sentinel slot without platform importing simulator
// (which itself imports platform).
var openSimulator func(opts any) (Device, error)

// RegisterSimulatorOpener lets the simulator package install itself as the
// handler for the "nvsim" slot identifier. Not for direct use by callers.
func RegisterSimulatorOpener(f func(opts any) (Device, error)) {
	openSimulator = f
}

// SimulatorSlot is the reserved slot identifier that selects the in-process
// controller simulator instead of a real PCIe device, per spec.md §6.
const SimulatorSlot = "nvsim"
