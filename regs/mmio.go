// Package regs provides typed, bit-field overlays on raw MMIO memory: the
// PCIe configuration space and the NVMe controller register block at BAR0.
package regs

import (
	"sync/atomic"
	"unsafe"
)

// Region is a byte-addressable MMIO window — an mmap'd BAR, or a plain
// backing slice on the simulator side. Every access here is a single aligned
// load or store; nothing is cached or reordered on the Go side.
type Region struct {
	b    []byte
	sync func(off uint32, size int)
}

// NewRegion wraps an existing backing slice (e.g. returned by platform's
// BAR mmap, or a simulator's in-process register buffer) as an MMIO region.
func NewRegion(b []byte) *Region {
	return &Region{b: b}
}

// NewRegionWithSync wraps a backing slice that is not itself the true
// register storage — e.g. a host-side mirror of PCIe config space fetched
// with pread(2), for a VFIO region that the kernel does not allow to be
// mmap'd. sync is invoked after every Store32/Store64 with the touched byte
// range so the caller can pwrite(2) the change through.
func NewRegionWithSync(b []byte, sync func(off uint32, size int)) *Region {
	return &Region{b: b, sync: sync}
}

// Bytes exposes the raw backing slice, e.g. for diff-based change detection
// in the simulator.
func (r *Region) Bytes() []byte {
	return r.b
}

// Len returns the size of the backing region in bytes.
func (r *Region) Len() int {
	return len(r.b)
}

func (r *Region) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.b[off]))
}

func (r *Region) ptr64(off uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.b[off]))
}

// Load32 performs a single aligned 32-bit load at off.
func (r *Region) Load32(off uint32) uint32 {
	return atomic.LoadUint32(r.ptr32(off))
}

// Store32 performs a single aligned 32-bit store at off.
func (r *Region) Store32(off uint32, v uint32) {
	atomic.StoreUint32(r.ptr32(off), v)
	if r.sync != nil {
		r.sync(off, 4)
	}
}

// Load64 performs a single aligned 64-bit load at off.
func (r *Region) Load64(off uint32) uint64 {
	return atomic.LoadUint64(r.ptr64(off))
}

// Store64 performs a single aligned 64-bit store at off.
func (r *Region) Store64(off uint32, v uint64) {
	atomic.StoreUint64(r.ptr64(off), v)
	if r.sync != nil {
		r.sync(off, 8)
	}
}

// bits extracts a bitfield of width starting at bit shift from a raw
// register value.
func bits32(v uint32, shift, width uint) uint32 {
	mask := uint32(1)<<width - 1
	return (v >> shift) & mask
}

func setBits32(v uint32, shift, width uint, field uint32) uint32 {
	mask := uint32(1)<<width - 1
	v &^= mask << shift
	v |= (field & mask) << shift
	return v
}

func bits64(v uint64, shift, width uint) uint64 {
	mask := uint64(1)<<width - 1
	return (v >> shift) & mask
}

func setBits64(v uint64, shift, width uint, field uint64) uint64 {
	mask := uint64(1)<<width - 1
	v &^= mask << shift
	v |= (field & mask) << shift
	return v
}
