package regs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPCIeRegs(size int) *PCIeRegs {
	b := make([]byte, size)
	return NewPCIeRegs(NewRegion(b))
}

// layoutExpressCap writes a minimal PCI Express capability at off and wires
// it into the classic capability list starting at CAP.CP.
func layoutExpressCap(p *PCIeRegs, off uint32) {
	p.SetCapabilitiesPointer(uint8(off))
	// CAP_ID (8) | NEXT_PTR (8) at the capability header.
	raw := p.r.Load32(off &^ 0x3)
	shift := (off & 0x3) * 8
	raw &^= 0xFFFF << shift
	raw |= uint32(CapIDPCIExpress) << shift
	p.r.Store32(off&^0x3, raw)
}

func TestWalkCapabilitiesFindsExpress(t *testing.T) {
	require := require.New(t)
	p := newTestPCIeRegs(4096)
	layoutExpressCap(p, 0x40)

	off, ok := p.FindCapability(CapIDPCIExpress)
	require.True(ok)
	require.Equal(uint32(0x40), off)
}

func TestInitiateFLRSetsAndClearsIFLR(t *testing.T) {
	require := require.New(t)
	p := newTestPCIeRegs(4096)
	layoutExpressCap(p, 0x40)

	set, ok := p.IFLRRequested()
	require.True(ok)
	require.False(set)

	require.True(p.InitiateFLR())
	set, ok = p.IFLRRequested()
	require.True(ok)
	require.True(set)

	p.ClearIFLR()
	set, _ = p.IFLRRequested()
	require.False(set)
}

func TestBusMasterEnable(t *testing.T) {
	require := require.New(t)
	p := newTestPCIeRegs(4096)

	require.Equal(uint16(0), p.Command())
	p.SetBusMasterEnable(true)
	require.NotZero(p.Command() & CommandBusMasterEnable)
	p.SetBusMasterEnable(false)
	require.Zero(p.Command() & CommandBusMasterEnable)
}
