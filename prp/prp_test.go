package prp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvhost/nvhost/dma"
	"github.com/nvhost/nvhost/platform"
	"github.com/nvhost/nvhost/regs"
)

type fakeDevice struct {
	pci    *regs.PCIeRegs
	nvme   *regs.NVMeRegs
	mapped map[uint64][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		pci:    regs.NewPCIeRegs(regs.NewRegion(make([]byte, 4096))),
		nvme:   regs.NewNVMeRegs(regs.NewRegion(make([]byte, regs.NVMeRegisterBlockSize))),
		mapped: map[uint64][]byte{},
	}
}

func (f *fakeDevice) Slot() string             { return "fake" }
func (f *fakeDevice) PCIRegs() *regs.PCIeRegs  { return f.pci }
func (f *fakeDevice) NVMeRegs() *regs.NVMeRegs { return f.nvme }
func (f *fakeDevice) MapDMA(vaddr []byte, iova uint64, size uint64, dir platform.Direction) error {
	f.mapped[iova] = vaddr
	return nil
}
func (f *fakeDevice) UnmapDMA(iova uint64, size uint64) error       { delete(f.mapped, iova); return nil }
func (f *fakeDevice) AllocPages(size int) ([]byte, error)           { return make([]byte, size), nil }
func (f *fakeDevice) FreePages(b []byte) error                      { return nil }
func (f *fakeDevice) EnableMSIX(nvec, start int) error              { return nil }
func (f *fakeDevice) MSIXPendingCount(v int) (uint64, error)        { return 0, nil }
func (f *fakeDevice) Reset() error                                  { return nil }
func (f *fakeDevice) IOVARanges() []platform.IOVARange {
	return []platform.IOVARange{{Base: 1 << 20, Size: 64 << 20}}
}
func (f *fakeDevice) Close() error { return nil }

const mps = 4096

func newBuilder() *Builder {
	dev := newFakeDevice()
	mgr := dma.NewManager(dev, mps, 2<<20)
	return NewBuilder(mgr, mps)
}

// allocations returned for each size mirror the teacher corpus's
// lone.nvme.spec.prp test_alloc cases, except at the chain boundary where a
// list page's final entry is only reserved for a next-list pointer when one
// is actually needed — see DESIGN.md for why this implementation does not
// reproduce the off-by-one in the page count the original computes when the
// last list page is exactly full.
func TestBuildPageCounts(t *testing.T) {
	require := require.New(t)

	cases := []struct {
		size          uint64
		wantDataPages int
		wantListPages int
	}{
		{4096, 1, 0},
		{2 * 4096, 2, 0},
		{3 * 4096, 3, 1},
		{4 * 4096, 4, 1},
		{16 * 4096, 16, 1},
		{2 * 1024 * 1024, 512, 1},
		{2*1024*1024 + 1, 513, 1},
		{1030 * 4096, 1030, 3},
	}

	for _, c := range cases {
		b := newBuilder()
		l, err := b.Build(c.size, platform.HostToDevice, "test")
		require.NoError(err, "size=%d", c.size)
		require.Len(l.dataPages, c.wantDataPages, "size=%d", c.size)
		require.Len(l.listPages, c.wantListPages, "size=%d", c.size)
	}
}

func TestBuildSinglePageHasNoPRP2(t *testing.T) {
	require := require.New(t)
	b := newBuilder()
	l, err := b.Build(100, platform.HostToDevice, "test")
	require.NoError(err)
	require.NotZero(l.PRP1)
	require.Zero(l.PRP2)
}

func TestBuildTwoPagesUsesPRP2Directly(t *testing.T) {
	require := require.New(t)
	b := newBuilder()
	l, err := b.Build(2*mps, platform.HostToDevice, "test")
	require.NoError(err)
	require.Equal(l.dataPages[1].IOVA, l.PRP2)
}

func TestGetSetDataBuffer(t *testing.T) {
	require := require.New(t)
	b := newBuilder()
	l, err := b.Build(10*mps, platform.HostToDevice, "test")
	require.NoError(err)
	require.Len(l.GetDataBuffer(), 10*mps)

	payload := make([]byte, 9*mps)
	for i := range payload {
		payload[i] = byte(i)
	}
	l.SetDataBuffer(payload)
	require.Equal(payload, l.GetDataBuffer()[:len(payload)])
}

func TestFreeAllEmptiesPages(t *testing.T) {
	require := require.New(t)
	b := newBuilder()
	l, err := b.Build(4*mps, platform.HostToDevice, "test")
	require.NoError(err)
	l.FreeAll()
	require.Len(l.dataPages, 0)
	require.Len(l.listPages, 0)
}

func TestWalkDataPointersMatchesBuild(t *testing.T) {
	require := require.New(t)
	b := newBuilder()
	l, err := b.Build(16*mps, platform.HostToDevice, "test")
	require.NoError(err)

	readList := func(iova uint64) ([]byte, error) {
		for _, p := range l.listPages {
			if p.IOVA == iova {
				return p.VAddr, nil
			}
		}
		return nil, nil
	}

	ptrs, err := WalkDataPointers(l.PRP1, l.PRP2, l.Size, mps, readList)
	require.NoError(err)
	require.Len(ptrs, 16)
	for i, p := range l.dataPages {
		require.Equal(p.IOVA, ptrs[i])
	}
}
