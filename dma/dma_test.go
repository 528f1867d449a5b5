package dma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvhost/nvhost/platform"
	"github.com/nvhost/nvhost/regs"
)

// fakeDevice is an in-memory platform.Device good enough to exercise the
// DMA manager without a real VFIO binding.
type fakeDevice struct {
	pci  *regs.PCIeRegs
	nvme *regs.NVMeRegs

	mapped map[uint64][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		pci:    regs.NewPCIeRegs(regs.NewRegion(make([]byte, 4096))),
		nvme:   regs.NewNVMeRegs(regs.NewRegion(make([]byte, regs.NVMeRegisterBlockSize))),
		mapped: map[uint64][]byte{},
	}
}

func (f *fakeDevice) Slot() string            { return "fake" }
func (f *fakeDevice) PCIRegs() *regs.PCIeRegs { return f.pci }
func (f *fakeDevice) NVMeRegs() *regs.NVMeRegs { return f.nvme }

func (f *fakeDevice) MapDMA(vaddr []byte, iova uint64, size uint64, dir platform.Direction) error {
	f.mapped[iova] = vaddr
	return nil
}

func (f *fakeDevice) UnmapDMA(iova uint64, size uint64) error {
	delete(f.mapped, iova)
	return nil
}

func (f *fakeDevice) AllocPages(size int) ([]byte, error) { return make([]byte, size), nil }
func (f *fakeDevice) FreePages(b []byte) error            { return nil }
func (f *fakeDevice) EnableMSIX(nvec, start int) error    { return nil }
func (f *fakeDevice) MSIXPendingCount(v int) (uint64, error) { return 0, nil }
func (f *fakeDevice) Reset() error                        { return nil }

func (f *fakeDevice) IOVARanges() []platform.IOVARange {
	return []platform.IOVARange{{Base: 1 << 20, Size: 8 << 20}}
}

func (f *fakeDevice) Close() error { return nil }

var _ platform.Device = (*fakeDevice)(nil)

const testPageSize = 4096
const testHugepageSize = 2 << 20

func TestMallocSinglePage(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	r, err := m.Malloc(100, platform.HostToDevice, "test")
	require.NoError(err)
	require.Equal(uint64(100), r.Size)
	require.Len(r.VAddr, testPageSize)
	require.NotZero(r.IOVA)
}

func TestMallocMultiPageIsContiguous(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	r, err := m.Malloc(testPageSize*3+1, platform.HostToDevice, "queue")
	require.NoError(err)
	require.Len(r.VAddr, testPageSize*4)
	require.Len(r.pages, 4)
	for i := 1; i < len(r.pages); i++ {
		require.Equal(r.pages[i-1].iova+testPageSize, r.pages[i].iova)
	}
}

func TestMallocGrowsPoolAcrossHugepages(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	pagesPerHugepage := int(testHugepageSize / testPageSize)
	for i := 0; i < pagesPerHugepage; i++ {
		_, err := m.Malloc(testPageSize, platform.HostToDevice, "fill")
		require.NoError(err)
	}
	require.Len(dev.mapped, 1)

	_, err := m.Malloc(testPageSize, platform.HostToDevice, "overflow")
	require.NoError(err)
	require.Len(dev.mapped, 2)
}

func TestFreeReturnsPagesToPool(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	r, err := m.Malloc(testPageSize, platform.HostToDevice, "a")
	require.NoError(err)
	require.NoError(m.Free(r))
	require.Len(m.AllocatedList(), 0)

	r2, err := m.Malloc(testPageSize, platform.HostToDevice, "b")
	require.NoError(err)
	require.Equal(r.IOVA, r2.IOVA)
}

func TestFreeAllUnmapsEveryHugepage(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	_, err := m.Malloc(testPageSize, platform.HostToDevice, "a")
	require.NoError(err)
	require.NoError(m.FreeAll())
	require.Len(dev.mapped, 0)
	require.Len(m.AllocatedList(), 0)
}

func TestMallocRejectsUnsupportedDirection(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	_, err := m.Malloc(testPageSize, platform.Direction(99), "bad")
	require.ErrorIs(err, platform.ErrUnsupportedDirection)
}

func TestMallocRejectsBidirectional(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	m := NewManager(dev, testPageSize, testHugepageSize)

	_, err := m.Malloc(testPageSize, platform.Bidirectional, "bad")
	require.ErrorIs(err, platform.ErrUnsupportedDirection)
}
