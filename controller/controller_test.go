package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/platform"
	"github.com/nvhost/nvhost/regs"
)

// fakeDevice is a minimal in-memory platform.Device: real register overlays
// backed by plain byte slices, and no-op DMA/MSI-X plumbing. It exists only
// to drive the controller package's register-twiddling logic without a real
// PCIe slot or the full simulator.
type fakeDevice struct {
	nvmeBuf []byte
	pciBuf  []byte
	nvme    *regs.NVMeRegs
	pci     *regs.PCIeRegs

	allocated [][]byte
}

func newFakeDevice() *fakeDevice {
	nvmeBuf := make([]byte, regs.NVMeRegisterBlockSize)
	pciBuf := make([]byte, 0x200)

	// Lay out a single PCI Express capability at offset 0x40 so InitiateFLR
	// has somewhere to set its bit.
	pciBuf[0x34] = 0x40           // capabilities pointer
	pciBuf[0x40] = regs.CapIDPCIExpress
	pciBuf[0x41] = 0x00 // next pointer: end of list

	d := &fakeDevice{
		nvmeBuf: nvmeBuf,
		pciBuf:  pciBuf,
		nvme:    regs.NewNVMeRegs(regs.NewRegion(nvmeBuf)),
		pci:     regs.NewPCIeRegs(regs.NewRegion(pciBuf)),
	}
	return d
}

func (d *fakeDevice) Slot() string                { return "fake" }
func (d *fakeDevice) PCIRegs() *regs.PCIeRegs      { return d.pci }
func (d *fakeDevice) NVMeRegs() *regs.NVMeRegs     { return d.nvme }
func (d *fakeDevice) MapDMA([]byte, uint64, uint64, platform.Direction) error { return nil }
func (d *fakeDevice) UnmapDMA(uint64, uint64) error                          { return nil }

func (d *fakeDevice) AllocPages(size int) ([]byte, error) {
	b := make([]byte, size)
	d.allocated = append(d.allocated, b)
	return b, nil
}
func (d *fakeDevice) FreePages(b []byte) error { return nil }

func (d *fakeDevice) EnableMSIX(nvec, start int) error           { return nil }
func (d *fakeDevice) MSIXPendingCount(vector int) (uint64, error) { return 0, nil }
func (d *fakeDevice) Reset() error                               { return nil }

func (d *fakeDevice) IOVARanges() []platform.IOVARange {
	return []platform.IOVARange{{Base: 1 << 20, Size: 1 << 30}}
}

func (d *fakeDevice) Close() error { return nil }

// simulateRDYFollowsEN starts a background goroutine that mirrors CC.EN into
// CSTS.RDY after a short delay, standing in for the controller firmware this
// package would otherwise be talking to over real MMIO.
func simulateRDYFollowsEN(t *testing.T, dev *fakeDevice, stop <-chan struct{}) {
	t.Helper()
	go func() {
		lastEN := false
		for {
			select {
			case <-stop:
				return
			default:
			}
			en := dev.nvme.EN()
			if en != lastEN {
				time.Sleep(time.Millisecond)
				csts := dev.nvme.CSTSRaw()
				if en {
					csts |= 1
				} else {
					csts &^= 1
				}
				dev.nvmeBuf[0x1C] = byte(csts)
				lastEN = en
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()
}

func TestCCDisableWhenAlreadyIdle(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	require.NoError(c.CCDisable(time.Second))
	require.Equal(StateReset, c.State())
	require.False(dev.nvme.EN())
}

func TestCCEnableWaitsForRDY(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	stop := make(chan struct{})
	defer close(stop)
	simulateRDYFollowsEN(t, dev, stop)

	require.NoError(c.CCEnable(time.Second))
	require.True(dev.nvme.RDY())
}

func TestCCEnableTimesOutWithoutFirmware(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	err := c.CCEnable(20 * time.Millisecond)
	require.ErrorIs(err, ErrEnableTimeout)
}

func TestCCEnableReturnsFatalOnCFS(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	dev.nvme.SetEN(true)
	dev.nvmeBuf[0x1C] |= 1 << 1 // CFS

	err := c.CCEnable(time.Second)
	require.ErrorIs(err, ErrControllerFatal)
}

func TestInitAdminQueuesProgramsRegistersAndRegistersQueue(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	stop := make(chan struct{})
	defer close(stop)
	simulateRDYFollowsEN(t, dev, stop)

	require.NoError(c.InitAdminQueues(64, 64))
	require.Equal(StateAdminReady, c.State())

	require.Equal(uint16(63), dev.nvme.ASQS())
	require.Equal(uint16(63), dev.nvme.ACQS())
	require.NotZero(dev.nvme.ASQRaw())
	require.NotZero(dev.nvme.ACQRaw())

	_, ok := c.queues.GetByPair(0, 0)
	require.True(ok)
}

func TestInitiateFLRSetsIFLRBit(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())

	require.NoError(c.InitiateFLR(time.Millisecond))
	requested, ok := dev.pci.IFLRRequested()
	require.True(ok)
	require.True(requested)
	require.Equal(StateReset, c.State())
}

// postAndComplete posts cmd to the admin queue, then writes a matching
// completion directly into the admin CQ's backing memory the way a
// controller would, exercising PostCommand/WaitCompletion without a real
// firmware loop.
func postAndComplete(t *testing.T, c *Controller, cmd *command.Command, sct, sc uint8) *command.CQE {
	t.Helper()
	require := require.New(t)

	pair, ok := c.queues.GetByPair(0, 0)
	require.True(ok)

	cid, err := c.PostCommand(0, cmd)
	require.NoError(err)

	cqeBuf := make([]byte, command.CQESize)
	cqe := command.NewCQE(cqeBuf)
	cqe.Set(0, 1, 0, cid, sct, sc, false, false, pair.CQ.Phase() != 0)
	require.NoError(pair.CQ.PostCompletion(cqeBuf))

	got, err := c.WaitCompletion(0, 0, cid, time.Second)
	require.NoError(err)
	return got
}

func TestSyncCmdRoundTripSuccess(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())
	stop := make(chan struct{})
	defer close(stop)
	simulateRDYFollowsEN(t, dev, stop)
	require.NoError(c.InitAdminQueues(4, 4))

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSController, 0, 0)

	got := postAndComplete(t, c, cmd, command.SCTGeneric, command.SCSuccessfulCompletion)
	require.NoError(command.CheckCQE(cmd.OPC(), got))
}

func TestWaitCompletionDropsOrphan(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())
	stop := make(chan struct{})
	defer close(stop)
	simulateRDYFollowsEN(t, dev, stop)
	require.NoError(c.InitAdminQueues(4, 4))

	pair, ok := c.queues.GetByPair(0, 0)
	require.True(ok)

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSController, 0, 0)
	cid, err := c.PostCommand(0, cmd)
	require.NoError(err)

	// Post an orphan completion for a CID nothing is waiting on, then the
	// real one. WaitCompletion must skip the orphan and return the match.
	orphanBuf := make([]byte, command.CQESize)
	orphan := command.NewCQE(orphanBuf)
	orphan.Set(0, 1, 0, cid+1, command.SCTGeneric, command.SCSuccessfulCompletion, false, false, pair.CQ.Phase() != 0)
	require.NoError(pair.CQ.PostCompletion(orphanBuf))

	realBuf := make([]byte, command.CQESize)
	real := command.NewCQE(realBuf)
	real.Set(0, 2, 0, cid, command.SCTGeneric, command.SCSuccessfulCompletion, false, false, pair.CQ.Phase() != 0)
	require.NoError(pair.CQ.PostCompletion(realBuf))

	got, err := c.WaitCompletion(0, 0, cid, time.Second)
	require.NoError(err)
	require.Equal(cid, got.CID())
}

func TestSyncCmdReturnsStatusError(t *testing.T) {
	require := require.New(t)
	dev := newFakeDevice()
	c := New(dev, DefaultOptions())
	stop := make(chan struct{})
	defer close(stop)
	simulateRDYFollowsEN(t, dev, stop)
	require.NoError(c.InitAdminQueues(4, 4))

	pair, ok := c.queues.GetByPair(0, 0)
	require.True(ok)

	buf := make([]byte, command.Size)
	cmd := command.Identify(buf, command.CNSController, 0, 0)
	cid, err := c.PostCommand(0, cmd)
	require.NoError(err)

	cqeBuf := make([]byte, command.CQESize)
	cqe := command.NewCQE(cqeBuf)
	cqe.Set(0, 1, 0, cid, command.SCTGeneric, command.SCInvalidField, false, false, pair.CQ.Phase() != 0)
	require.NoError(pair.CQ.PostCompletion(cqeBuf))

	got, err := c.WaitCompletion(0, 0, cid, time.Second)
	require.NoError(err)

	statusErr := &command.StatusError{}
	require.ErrorAs(command.CheckCQE(cmd.OPC(), got), &statusErr)
	require.Equal(uint8(command.SCInvalidField), statusErr.Status.SC)
}

func TestCIDAllocatorWrapsAndRefusesExhaustion(t *testing.T) {
	require := require.New(t)
	a := newCIDAllocator(0x10, 0x12)

	c1, err := a.get()
	require.NoError(err)
	c2, err := a.get()
	require.NoError(err)
	require.NotEqual(c1, c2)

	_, err = a.get()
	require.ErrorIs(err, ErrCidExhausted)

	a.release(c1)
	c3, err := a.get()
	require.NoError(err)
	require.Equal(c1, c3)
}

func TestCIDAllocatorResetClearsInUse(t *testing.T) {
	require := require.New(t)
	a := newCIDAllocator(0x10, 0x12)
	_, err := a.get()
	require.NoError(err)
	a.reset()
	_, err = a.get()
	require.NoError(err)
}
