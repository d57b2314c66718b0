//go:build linux

package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newPlatformDevice() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "operation not possible due to RF-kill") {
			return nil, fmt.Errorf("%w: enable Bluetooth and retry", ErrBluetoothOff)
		}
		return nil, err
	}
	return dev, nil
}
