// Package dma is the DMA memory manager: a hugepage-backed pool of
// page-sized allocations, each handed an IOVA and mapped through the
// platform's IOMMU before it is returned to a caller.
package dma

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/nvhost/nvhost/platform"
)

// Region is one allocation returned by Manager.Malloc. Its VAddr is
// contiguous host memory of at least Size bytes; its IOVA is the matching
// device-visible address, valid for DMA until Free is called.
type Region struct {
	VAddr     []byte
	IOVA      uint64
	Size      uint64
	Direction platform.Direction
	Tag       string

	pages []*page
}

// page is a single fixed-size (Manager.pageSize) slot carved out of a
// hugepage, either free or backing part of a live Region.
type page struct {
	vaddr []byte
	iova  uint64
	inUse bool
}

// hugepage is one platform.AllocPages()-backed allocation, split into
// pageSize pages.
type hugepage struct {
	vaddr []byte
	iova  uint64
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	return uint64(hdr.Data)
}

// iovaAllocator hands out fixed slotSize-aligned IOVA slots from the ranges
// the platform reports, mirroring HugePagesIovaMgr's flat free list: fixed
// slots sidestep the bookkeeping a general-purpose allocator would need, at
// the cost of limiting any single hugepage to one slot.
type iovaAllocator struct {
	free []uint64
}

func newIOVAAllocator(ranges []platform.IOVARange, slotSize uint64) *iovaAllocator {
	a := &iovaAllocator{}
	for _, r := range ranges {
		base := r.Base
		if base == 0 {
			// 0 is a poor IOVA to hand back for debugging: a stray NULL
			// pointer dereference on the device side would alias it.
			base = slotSize
		}
		for base+slotSize <= r.Base+r.Size {
			a.free = append(a.free, base)
			base += slotSize
		}
	}
	return a
}

func (a *iovaAllocator) get() (uint64, bool) {
	if len(a.free) == 0 {
		return 0, false
	}
	v := a.free[0]
	a.free = a.free[1:]
	return v, true
}

func (a *iovaAllocator) put(iova uint64) {
	a.free = append(a.free, iova)
}

// Manager is the DMA memory manager for one opened platform.Device. It owns
// a growable pool of hugepage-backed pages and the IOVA slots mapped to
// them, per spec.md §4.B.
type Manager struct {
	mu sync.Mutex

	dev          platform.Device
	pageSize     uint64
	hugepageSize uint64

	pages     []*page
	hugepages []*hugepage
	iova      *iovaAllocator
	allocated []*Region
}

// NewManager builds a DMA memory manager over dev. pageSize is normally the
// controller's negotiated MPS (CC.MPS bytes); hugepageSize is the granule
// allocations are carved from, and must be a whole multiple of pageSize.
func NewManager(dev platform.Device, pageSize, hugepageSize uint64) *Manager {
	return &Manager{
		dev:          dev,
		pageSize:     pageSize,
		hugepageSize: hugepageSize,
		iova:         newIOVAAllocator(dev.IOVARanges(), hugepageSize),
	}
}

func (m *Manager) freePages() []*page {
	var out []*page
	for _, p := range m.pages {
		if !p.inUse {
			out = append(out, p)
		}
	}
	return out
}

// growByOneHugepage allocates one more hugepage from the platform, maps it
// through the IOMMU at a freshly assigned IOVA, and splits it into
// pageSize-sized free pages.
func (m *Manager) growByOneHugepage() error {
	iova, ok := m.iova.get()
	if !ok {
		return fmt.Errorf("dma: %w: no free iova slots", ErrOutOfMemory)
	}

	vaddr, err := m.dev.AllocPages(int(m.hugepageSize))
	if err != nil {
		m.iova.put(iova)
		return fmt.Errorf("dma: %w: %v", ErrOutOfMemory, err)
	}

	if err := m.dev.MapDMA(vaddr, iova, m.hugepageSize, platform.Bidirectional); err != nil {
		m.dev.FreePages(vaddr)
		m.iova.put(iova)
		return fmt.Errorf("dma: mapping hugepage: %w", err)
	}

	m.hugepages = append(m.hugepages, &hugepage{vaddr: vaddr, iova: iova})

	n := m.hugepageSize / m.pageSize
	for i := uint64(0); i < n; i++ {
		m.pages = append(m.pages, &page{
			vaddr: vaddr[i*m.pageSize : (i+1)*m.pageSize],
			iova:  iova + i*m.pageSize,
		})
	}
	return nil
}

// contiguousRun looks for a run of n adjacent free pages (same backing
// hugepage, ascending vaddr/iova) among free. Pages are adjacent only
// within the hugepage they were split from, so a run can never straddle two
// hugepages.
func contiguousRun(free []*page, n int) []*page {
	for i := 0; i+n <= len(free); i++ {
		group := free[i : i+n]
		ok := true
		for j := 1; j < len(group); j++ {
			prev, cur := group[j-1], group[j]
			prevEnd := addrOf(prev.vaddr) + uint64(len(prev.vaddr))
			if prevEnd != addrOf(cur.vaddr) || prev.iova+uint64(len(prev.vaddr)) != cur.iova {
				ok = false
				break
			}
		}
		if ok {
			return group
		}
	}
	return nil
}

// Malloc allocates a contiguous, IOVA-mapped region of at least size bytes,
// rounded up to a whole number of pages. dir controls which direction the
// IOMMU mapping permits.
func (m *Manager) Malloc(size uint64, dir platform.Direction, tag string) (*Region, error) {
	// BIDIR is not currently supported, per spec.md §4.B; only the manager's
	// own hugepage-growth mapping uses platform.Bidirectional internally.
	if dir != platform.HostToDevice && dir != platform.DeviceToHost {
		return nil, platform.ErrUnsupportedDirection
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pagesNeeded := int((size + m.pageSize - 1) / m.pageSize)
	if pagesNeeded == 0 {
		pagesNeeded = 1
	}

	var group []*page
	for attempt := 0; attempt < 2; attempt++ {
		group = contiguousRun(m.freePages(), pagesNeeded)
		if group != nil {
			break
		}
		if err := m.growByOneHugepage(); err != nil {
			return nil, err
		}
	}
	if group == nil {
		return nil, fmt.Errorf("dma: %w: no contiguous run of %d pages", ErrOutOfMemory, pagesNeeded)
	}

	for _, p := range group {
		p.inUse = true
	}

	total := 0
	for _, p := range group {
		total += len(p.vaddr)
	}
	// Reconstruct a single slice spanning the whole run: the backing array
	// is contiguous by construction (each page is a sub-slice of the same
	// hugepage mmap), so this is just widening the first page's slice.
	vaddr := unsafe.Slice(&group[0].vaddr[0], total)

	r := &Region{
		VAddr:     vaddr,
		IOVA:      group[0].iova,
		Size:      size,
		Direction: dir,
		Tag:       tag,
		pages:     group,
	}
	m.allocated = append(m.allocated, r)
	return r, nil
}

// Free releases a region back to the pool. It does not unmap the
// hugepage-level IOMMU mapping — only FreeAll (or process exit) does that.
func (m *Manager) Free(r *Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, a := range m.allocated {
		if a == r {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("dma: region %q is not allocated by this manager", r.Tag)
	}

	for _, p := range r.pages {
		for i := range p.vaddr {
			p.vaddr[i] = 0
		}
		p.inUse = false
	}
	m.allocated = append(m.allocated[:idx], m.allocated[idx+1:]...)
	return nil
}

// FreeAll releases every outstanding region and unmaps and returns all
// backing hugepages to the platform, per spec.md §4.B free_all.
func (m *Manager) FreeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, hp := range m.hugepages {
		if err := m.dev.UnmapDMA(hp.iova, m.hugepageSize); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.dev.FreePages(hp.vaddr); err != nil && firstErr == nil {
			firstErr = err
		}
		m.iova.put(hp.iova)
	}

	m.pages = nil
	m.hugepages = nil
	m.allocated = nil
	return firstErr
}

// AllocatedList returns every region currently outstanding, for debugging
// and leak detection.
func (m *Manager) AllocatedList() []*Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Region, len(m.allocated))
	copy(out, m.allocated)
	return out
}
