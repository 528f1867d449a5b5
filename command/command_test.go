package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpcodeConstants(t *testing.T) {
	require := require.New(t)

	cases := []struct {
		name string
		got  int
		want int
	}{
		{"DeleteIOSubmissionQueue", OpDeleteIOSubmissionQueue, 0x00},
		{"CreateIOSubmissionQueue", OpCreateIOSubmissionQueue, 0x01},
		{"GetLogPage", OpGetLogPage, 0x02},
		{"DeleteIOCompletionQueue", OpDeleteIOCompletionQueue, 0x04},
		{"CreateIOCompletionQueue", OpCreateIOCompletionQueue, 0x05},
		{"Identify", OpIdentify, 0x06},
		{"SetFeature", OpSetFeature, 0x09},
		{"GetFeature", OpGetFeature, 0x0A},
		{"FormatNVM", OpFormatNVM, 0x80},
		{"Sanitize", OpSanitize, 0x84},
	}
	for _, c := range cases {
		require.Equal(c.want, c.got, c.name)
	}

	require.Equal(0x00, OpFlush)
	require.Equal(0x01, OpWrite)
	require.Equal(0x02, OpRead)
}

func newCmdBuf() []byte { return make([]byte, Size) }

func TestIdentifyFields(t *testing.T) {
	require := require.New(t)
	c := Identify(newCmdBuf(), CNSController, 0, 0)
	require.Equal(uint8(OpIdentify), c.OPC())
	require.Equal(uint32(CNSController), c.CDW10())
	require.Zero(c.NSID())

	c = Identify(newCmdBuf(), CNSNamespace, 7, 0)
	require.Equal(uint32(7), c.NSID())
	require.Equal(uint32(CNSNamespace), c.CDW10())
}

func TestCreateIOCompletionQueueEncodesVector(t *testing.T) {
	require := require.New(t)

	c := CreateIOCompletionQueue(newCmdBuf(), 3, 63, 0x1000, nil)
	require.Equal(uint32(3)|uint32(63)<<16, c.CDW10())
	require.Equal(uint32(1), c.CDW11())

	vec := uint16(5)
	c = CreateIOCompletionQueue(newCmdBuf(), 3, 63, 0x1000, &vec)
	require.Equal(uint32(1)|uint32(1)<<1|uint32(5)<<16, c.CDW11())
}

func TestCreateIOSubmissionQueueEncodesCQID(t *testing.T) {
	require := require.New(t)
	c := CreateIOSubmissionQueue(newCmdBuf(), 2, 63, 0x2000, 1, 0)
	require.Equal(uint32(2)|uint32(63)<<16, c.CDW10())
	require.Equal(uint32(1)|uint32(1)<<16, c.CDW11())
}

func TestGetLogPageEncodesNUMD(t *testing.T) {
	require := require.New(t)
	c := GetLogPage(newCmdBuf(), 0, LIDSMARTHealth, 512, 0x1000, 0)
	require.Equal(uint8(OpGetLogPage), c.OPC())
	numDW := uint32(512/4 - 1)
	require.Equal(uint32(LIDSMARTHealth)|(numDW&0xFFFF)<<16, c.CDW10())
}

func TestWriteReadEncodeSLBAAndNLB(t *testing.T) {
	require := require.New(t)
	slba := uint64(0x1_0000_0002)
	c := Write(newCmdBuf(), 1, slba, 7, 0x3000, 0x4000)
	require.Equal(uint8(OpWrite), c.OPC())
	require.Equal(uint32(slba), c.CDW10())
	require.Equal(uint32(slba>>32), c.CDW11())
	require.Equal(uint32(7), c.CDW12())
	require.Equal(uint64(0x3000), c.PRP1())

	c = Read(newCmdBuf(), 1, slba, 7, 0x3000, 0x4000)
	require.Equal(uint8(OpRead), c.OPC())
}

func TestFlushSetsOpcodeAndNSID(t *testing.T) {
	require := require.New(t)
	c := Flush(newCmdBuf(), 42)
	require.Equal(uint8(OpFlush), c.OPC())
	require.Equal(uint32(42), c.NSID())
}

func TestSanitizeEncodesFields(t *testing.T) {
	require := require.New(t)
	c := Sanitize(newCmdBuf(), 2, true, 3, false, true, 0xAA)
	require.Equal(uint8(OpSanitize), c.OPC())
	require.Equal(uint32(2)|1<<3|3<<4|1<<9, c.CDW10())
	require.Equal(uint32(0xAA), c.CDW11())
}

func TestCIDRoundTrips(t *testing.T) {
	require := require.New(t)
	c := New(newCmdBuf())
	c.SetCID(0xBEEF)
	require.Equal(uint16(0xBEEF), c.CID())
}

func TestNewPanicsOnWrongSize(t *testing.T) {
	require := require.New(t)
	require.Panics(func() { New(make([]byte, 10)) })
}
