package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/device"
	goble "github.com/srg/bluart/internal/device/go-ble"
	"github.com/srg/bluart/internal/device/serialport"
)

// UARTFactory creates the UART transport for an address.
// This is a variable so that it can be overridden in tests.
var UARTFactory = func(address string, opts device.ConnectOptions, logger *logrus.Logger) device.UART {
	if path, portOpts, ok := serialport.ParseAddress(address); ok {
		return serialport.NewUART(path, portOpts, logger)
	}
	return goble.NewUART(address, opts, logger)
}

// ScannerFactory creates the device used for BLE scanning (can be overridden in tests)
var ScannerFactory = func() (device.ScanningDevice, error) {
	return goble.NewScanner()
}

// NewUART picks the serial transport for "serial:" or /dev addresses and BLE otherwise.
func NewUART(address string, opts device.ConnectOptions, logger *logrus.Logger) device.UART {
	return UARTFactory(address, opts, logger)
}
