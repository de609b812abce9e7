//go:build darwin

package device

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// init registers the CoreBluetooth-backed device factory on Darwin, for
// local development - matching the teacher's pkg/ble/scanner.go and
// pkg/connection/connection.go, both of which call darwin.NewDevice()
// directly.
func init() {
	DeviceFactory = func() (ble.Device, error) {
		return darwin.NewDevice()
	}
}
