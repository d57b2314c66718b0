package device

import "github.com/go-ble/ble"

// DeviceFactory creates the platform ble.Device. It is a package variable so
// tests can substitute a fake radio.
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}
