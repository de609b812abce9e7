//go:build linux

package device

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// init registers the BlueZ/HCI-backed device factory on Linux, the
// expected deployment target for a long-running collector service. Darwin
// gets its own factory in goble_darwin.go, matching how the teacher's
// pkg/ble/scanner.go hard-codes darwin.NewDevice for its (desktop CLI) use
// case - a headless service needs the Linux backend instead.
func init() {
	DeviceFactory = func() (ble.Device, error) {
		return linux.NewDevice()
	}
}
