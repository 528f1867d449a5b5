//go:build !linux

package platform

import "fmt"

// Enumerate is unsupported outside Linux; VFIO is a Linux-only mechanism.
func Enumerate() ([]string, error) {
	return nil, fmt.Errorf("%w: vfio enumeration is only supported on linux", ErrPlatformUnavailable)
}

// Open only resolves the in-process simulator slot outside Linux.
func Open(slot string) (Device, error) {
	if slot == SimulatorSlot {
		if openSimulator == nil {
			return nil, fmt.Errorf("%w: simulator package not linked in", ErrPlatformUnavailable)
		}
		return openSimulator(nil)
	}
	return nil, fmt.Errorf("%w: vfio is only supported on linux", ErrPlatformUnavailable)
}
