package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectionString(t *testing.T) {
	require := require.New(t)
	require.Equal("host-to-device", HostToDevice.String())
	require.Equal("device-to-host", DeviceToHost.String())
	require.Equal("bidirectional", Bidirectional.String())
}

func TestRegisterSimulatorOpenerDispatches(t *testing.T) {
	require := require.New(t)
	called := false
	RegisterSimulatorOpener(func(opts any) (Device, error) {
		called = true
		return nil, nil
	})
	defer RegisterSimulatorOpener(nil)

	_, _ = Open(SimulatorSlot)
	require.True(called)
}
