package main

import (
	"errors"
	"fmt"

	"sticklog/internal/device"
	"sticklog/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost
	// during operation. This is distinct from device.ErrNotConnected, which
	// indicates an attempt to use a device that was never connected or was
	// already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns internal errors into messages aimed at the person
// running the command, without Go error chain noise.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is powered off or unavailable. Turn it on and try again."
	case errors.Is(err, ErrConnectionLost):
		return "The BLE connection was lost. Move closer to the device and reconnect."
	case errors.Is(err, device.ErrAlreadyConnected):
		return "A session is already open. Disconnect before connecting again."
	case errors.Is(err, session.ErrAlreadyRecording):
		return "A recording is already in progress."
	case errors.Is(err, session.ErrNotRecording):
		return "No recording is in progress."
	case errors.Is(err, device.ErrNotConnected):
		return fmt.Sprintf("Not connected: %s", err)
	default:
		return err.Error()
	}
}
