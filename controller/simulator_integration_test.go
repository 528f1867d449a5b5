package controller_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvhost/nvhost/command"
	"github.com/nvhost/nvhost/controller"
	"github.com/nvhost/nvhost/identify"
	"github.com/nvhost/nvhost/platform"
	"github.com/nvhost/nvhost/queue"
	"github.com/nvhost/nvhost/simulator"
)

func newSimController(t *testing.T) (*controller.Controller, platform.Device) {
	t.Helper()
	dev, err := simulator.Open(simulator.Options{})
	require.NoError(t, err)

	ctrl := controller.New(dev, controller.DefaultOptions())
	t.Cleanup(func() { ctrl.Close() })

	require.NoError(t, ctrl.InitAdminQueues(64, 64))
	return ctrl, dev
}

// S1 — enumerate on empty host: the simulator's fixed identity and single
// default namespace.
func TestSimulatorIdentity(t *testing.T) {
	ctrl, _ := newSimController(t)
	cache := identify.NewCache(ctrl)

	info, err := cache.Controller()
	require.NoError(t, err)
	require.Equal(t, "EDDAE771", info.SerialNumber)
	require.Equal(t, "nvsim_0.1", info.ModelNumber)
	require.Equal(t, "0.001", info.FirmwareVersion)

	ids, err := cache.NamespaceIDs()
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, ids)
}

// S2 — single write/read: NLB=0 addresses exactly one active-format block
// (4096 bytes in this simulator's default namespace geometry).
func TestSimulatorWriteReadRoundTrip(t *testing.T) {
	ctrl, _ := newSimController(t)
	require.NoError(t, ctrl.CreateIOQueuePair(
		controller.IOQueueParams{Entries: 16, QID: 1},
		controller.IOQueueParams{Entries: 16, QID: 1},
	))
	sqid, ok := ctrl.NextIOSQID()
	require.True(t, ok)

	const blockSize = 4096
	wregion, err := ctrl.DMA().Malloc(blockSize, platform.HostToDevice, "s2-write")
	require.NoError(t, err)
	for i := range wregion.VAddr {
		wregion.VAddr[i] = 0xED
	}

	wbuf := make([]byte, command.Size)
	wcmd := command.Write(wbuf, 1, 0, 0, wregion.IOVA, 0)
	wcqe, err := ctrl.SyncCmd(sqid, wcmd, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint8(command.SCSuccessfulCompletion), wcqe.SC())

	rregion, err := ctrl.DMA().Malloc(blockSize, platform.DeviceToHost, "s2-read")
	require.NoError(t, err)

	rbuf := make([]byte, command.Size)
	rcmd := command.Read(rbuf, 1, 0, 0, rregion.IOVA, 0)
	rcqe, err := ctrl.SyncCmd(sqid, rcmd, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint8(command.SCSuccessfulCompletion), rcqe.SC())

	for i, b := range rregion.VAddr {
		require.Equalf(t, byte(0xED), b, "byte %d", i)
	}
}

// S3 — FLR recovery: SN/MN/FR survive a function level reset byte-for-byte.
func TestSimulatorFLRRecovery(t *testing.T) {
	ctrl, _ := newSimController(t)
	cache := identify.NewCache(ctrl)

	before, err := cache.Controller()
	require.NoError(t, err)

	require.NoError(t, ctrl.InitiateFLR(200*time.Millisecond))
	require.Equal(t, controller.StateReset, ctrl.State())

	require.NoError(t, ctrl.InitAdminQueues(64, 64))

	after, err := identify.NewCache(ctrl).Controller()
	require.NoError(t, err)
	require.Equal(t, before.SerialNumber, after.SerialNumber)
	require.Equal(t, before.ModelNumber, after.ModelNumber)
	require.Equal(t, before.FirmwareVersion, after.FirmwareVersion)
}

// S4 — queue full: a ring of 3 entries holds 2 usable slots (the ring's
// always-empty slot distinguishes full from empty). Posting 2 commands
// without ever draining completions fills it, and a third is rejected.
func TestSimulatorAdminQueueFull(t *testing.T) {
	dev, err := simulator.Open(simulator.Options{})
	require.NoError(t, err)
	ctrl := controller.New(dev, controller.DefaultOptions())
	t.Cleanup(func() { ctrl.Close() })

	require.NoError(t, ctrl.InitAdminQueues(3, 3))

	post := func() error {
		buf := make([]byte, command.Size)
		cmd := command.Identify(buf, command.CNSController, 0, 0)
		_, err := ctrl.PostCommand(0, cmd)
		return err
	}

	require.NoError(t, post())
	require.NoError(t, post())
	require.ErrorIs(t, post(), queue.ErrQueueFull)
}

// S5 — out-of-range LBA: reading at SLBA = num_lbas (one past the end)
// completes with the media-error LBA-out-of-range status.
func TestSimulatorOutOfRangeLBA(t *testing.T) {
	ctrl, _ := newSimController(t)
	require.NoError(t, ctrl.CreateIOQueuePair(
		controller.IOQueueParams{Entries: 16, QID: 1},
		controller.IOQueueParams{Entries: 16, QID: 1},
	))
	sqid, ok := ctrl.NextIOSQID()
	require.True(t, ok)

	nsInfo, err := identify.NewCache(ctrl).Namespace(1)
	require.NoError(t, err)

	rregion, err := ctrl.DMA().Malloc(nsInfo.LBADataBytes, platform.DeviceToHost, "s5-read")
	require.NoError(t, err)

	rbuf := make([]byte, command.Size)
	rcmd := command.Read(rbuf, 1, nsInfo.NSZE, 0, rregion.IOVA, 0)
	_, err = ctrl.SyncCmd(sqid, rcmd, 10*time.Second)
	require.Error(t, err)

	var statusErr *command.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, uint8(command.SCTMediaError), statusErr.Status.SCT)
	require.Equal(t, uint8(command.SCLBAOutOfRange), statusErr.Status.SC)
}

// S6 — Flush: a real namespace and the broadcast NSID both succeed; NSID 0
// is always invalid.
func TestSimulatorFlush(t *testing.T) {
	ctrl, _ := newSimController(t)
	require.NoError(t, ctrl.CreateIOQueuePair(
		controller.IOQueueParams{Entries: 16, QID: 1},
		controller.IOQueueParams{Entries: 16, QID: 1},
	))
	sqid, ok := ctrl.NextIOSQID()
	require.True(t, ok)

	flush := func(nsid uint32) (*command.CQE, error) {
		buf := make([]byte, command.Size)
		return ctrl.SyncCmd(sqid, command.Flush(buf, nsid), 10*time.Second)
	}

	cqe, err := flush(1)
	require.NoError(t, err)
	require.Equal(t, uint8(command.SCSuccessfulCompletion), cqe.SC())

	cqe, err = flush(0xFFFFFFFF)
	require.NoError(t, err)
	require.Equal(t, uint8(command.SCSuccessfulCompletion), cqe.SC())

	_, err = flush(0)
	require.Error(t, err)
	var statusErr *command.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, uint8(command.SCInvalidNamespace), statusErr.Status.SC)
}
