package ioctlnum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVFIOKnownNumbers pins a couple of the resulting ioctl numbers against
// values independently computed from the kernel's _IO/_IOR/_IOW/_IOWR
// macros for type ';' (0x3B), base 100, matching uapi/linux/vfio.h.
func TestVFIOKnownNumbers(t *testing.T) {
	require := require.New(t)

	// VFIO_GET_API_VERSION = _IO(';', 100) = 0x3B64
	require.Equal(uint(0x3B64), IO(';', 100))

	// VFIO_GROUP_GET_STATUS = _IOR(';', 103, 8) = dir(2)<<30 | size(8)<<16 | type(';')<<8 | nr(103)
	want := uint(2)<<30 | uint(8)<<16 | uint(';')<<8 | uint(103)
	require.Equal(want, IOR(';', 103, 8))
}
