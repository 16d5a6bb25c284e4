package main

import (
	"errors"
	"fmt"

	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/capture"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/mqtt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link went away while a command was using it.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a transport that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns well-known failures into a message a user can act on.
// Unknown errors are returned verbatim.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.As(err, &notFound):
		return fmt.Sprintf("the device does not expose the UART service (%s)", notFound.Error())
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out, check that the device is powered on and in range (%v)", err)
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("the connection to the device was lost (%v)", err)
	case errors.Is(err, capture.ErrSessionNotFound):
		return fmt.Sprintf("no such capture session (%v)", err)
	case errors.Is(err, export.ErrUnsupportedFormat):
		return fmt.Sprintf("%v", err)
	case errors.Is(err, export.ErrEmpty):
		return "nothing to export: the session has no data"
	case errors.Is(err, export.ErrDecode):
		return "the session data is not valid UTF-8 text, export with --hex or as bin"
	case errors.Is(err, mqtt.ErrNoHost):
		return "MQTT is enabled but no broker host is configured (set mqtt.host or --mqtt-host)"
	default:
		return err.Error()
	}
}
