// Package prp builds and walks NVMe PRP (Physical Region Page) lists: the
// two 64-bit pointers (PRP1, PRP2) carried in every command's DPTR field,
// chained through list pages when a transfer spans more than two pages.
package prp

import (
	"encoding/binary"
	"fmt"

	"github.com/nvhost/nvhost/dma"
	"github.com/nvhost/nvhost/platform"
)

// List is one constructed PRP chain: the data pages a command's transfer
// is scattered across, plus whatever list pages were needed to address
// them, per spec.md §4.D.
type List struct {
	PRP1 uint64
	PRP2 uint64
	Size uint64

	mps       uint64
	mgr       *dma.Manager
	dataPages []*dma.Region
	listPages []*dma.Region
}

// entriesPerListPage is how many 8-byte pointers fit in one list page.
func entriesPerListPage(mps uint64) uint64 { return mps / 8 }

// Builder allocates PRP lists against a single DMA memory manager.
type Builder struct {
	mgr *dma.Manager
	mps uint64
}

// NewBuilder creates a PRP builder using mgr for page allocation. mps is
// the controller's negotiated memory page size.
func NewBuilder(mgr *dma.Manager, mps uint64) *Builder {
	return &Builder{mgr: mgr, mps: mps}
}

// Build allocates enough mps-sized pages to hold size bytes and wires them
// into a PRP1/PRP2(+chain) pointer pair. Unlike a fixed two-page PRP
// implementation, Build never caps the transfer size — it chains as many
// list pages as needed.
func (b *Builder) Build(size uint64, dir platform.Direction, tag string) (*List, error) {
	if size == 0 {
		return nil, fmt.Errorf("prp: size must be non-zero")
	}

	dataPages := (size + b.mps - 1) / b.mps

	l := &List{Size: size, mps: b.mps, mgr: b.mgr}
	for i := uint64(0); i < dataPages; i++ {
		r, err := b.mgr.Malloc(b.mps, dir, tag)
		if err != nil {
			l.FreeAll()
			return nil, fmt.Errorf("prp: allocating data page %d/%d: %w", i+1, dataPages, err)
		}
		l.dataPages = append(l.dataPages, r)
	}

	l.PRP1 = l.dataPages[0].IOVA
	switch {
	case dataPages == 1:
		// PRP2 unused.
	case dataPages == 2:
		l.PRP2 = l.dataPages[1].IOVA
	default:
		if err := l.buildListChain(dir, tag); err != nil {
			l.FreeAll()
			return nil, err
		}
	}

	return l, nil
}

// buildListChain wires dataPages[1:] into one or more list pages, chaining
// through the last entry of each non-final list page, and points PRP2 at
// the first list page.
func (l *List) buildListChain(dir platform.Direction, tag string) error {
	entries := entriesPerListPage(l.mps)
	remaining := l.dataPages[1:]

	for idx := 0; idx < len(remaining); {
		left := uint64(len(remaining) - idx)
		capacity := entries
		isLast := left <= entries
		if !isLast {
			capacity = entries - 1
		}
		take := capacity
		if take > left {
			take = left
		}

		listPage, err := l.mgr.Malloc(l.mps, dir, tag+"-prplist")
		if err != nil {
			return fmt.Errorf("prp: allocating list page: %w", err)
		}
		for i := uint64(0); i < take; i++ {
			binary.LittleEndian.PutUint64(listPage.VAddr[i*8:], remaining[uint64(idx)+i].IOVA)
		}

		if len(l.listPages) > 0 {
			prev := l.listPages[len(l.listPages)-1]
			binary.LittleEndian.PutUint64(prev.VAddr[(entries-1)*8:], listPage.IOVA)
		}
		l.listPages = append(l.listPages, listPage)
		idx += int(take)
	}

	l.PRP2 = l.listPages[0].IOVA
	return nil
}

// GetDataSegments returns each data page's host-visible bytes, in transfer
// order.
func (l *List) GetDataSegments() [][]byte {
	out := make([][]byte, len(l.dataPages))
	for i, p := range l.dataPages {
		out[i] = p.VAddr
	}
	return out
}

// GetDataBuffer concatenates the data pages into a single buffer truncated
// to Size bytes.
func (l *List) GetDataBuffer() []byte {
	out := make([]byte, 0, l.Size)
	remaining := l.Size
	for _, seg := range l.GetDataSegments() {
		n := uint64(len(seg))
		if n > remaining {
			n = remaining
		}
		out = append(out, seg[:n]...)
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	return out
}

// SetDataBuffer scatters data across the data pages, up to their combined
// capacity.
func (l *List) SetDataBuffer(data []byte) {
	segs := l.GetDataSegments()
	off := 0
	for _, seg := range segs {
		if off >= len(data) {
			break
		}
		n := copy(seg, data[off:])
		off += n
	}
}

// FreeAll releases every page this list allocated back to its DMA manager.
func (l *List) FreeAll() {
	for _, p := range l.dataPages {
		l.mgr.Free(p)
	}
	for _, p := range l.listPages {
		l.mgr.Free(p)
	}
	l.dataPages = nil
	l.listPages = nil
}

// WalkDataPointers parses a raw PRP1/PRP2 pointer pair into the ordered
// list of data-page IOVAs a transfer of size bytes touches, without
// allocating anything. readListPage must return the mps bytes backing a
// list page IOVA. Used on the receiving side of a command — the simulator
// — where the pages were allocated by someone else.
func WalkDataPointers(prp1, prp2, size, mps uint64, readListPage func(iova uint64) ([]byte, error)) ([]uint64, error) {
	if size == 0 {
		return nil, nil
	}
	dataPages := (size + mps - 1) / mps
	ptrs := []uint64{prp1}
	if dataPages == 1 {
		return ptrs, nil
	}
	if dataPages == 2 {
		return append(ptrs, prp2), nil
	}

	entries := entriesPerListPage(mps)
	remaining := dataPages - 1
	listIOVA := prp2
	for remaining > 0 {
		page, err := readListPage(listIOVA)
		if err != nil {
			return nil, fmt.Errorf("prp: reading list page at iova 0x%x: %w", listIOVA, err)
		}
		if uint64(len(page)) < mps {
			return nil, fmt.Errorf("prp: list page at iova 0x%x is shorter than mps", listIOVA)
		}

		capacity := entries
		isLast := remaining <= entries
		if !isLast {
			capacity = entries - 1
		}
		take := capacity
		if take > remaining {
			take = remaining
		}
		for i := uint64(0); i < take; i++ {
			ptrs = append(ptrs, binary.LittleEndian.Uint64(page[i*8:]))
		}
		remaining -= take
		if remaining > 0 {
			listIOVA = binary.LittleEndian.Uint64(page[(entries-1)*8:])
		}
	}
	return ptrs, nil
}
