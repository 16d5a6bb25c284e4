package device

import (
	"context"
	"time"
)

// ConnectOptions configures a UART transport connection.
type ConnectOptions struct {
	ConnectTimeout time.Duration // 0 = DefaultConnectTimeout
	WriteChunkSize int           // 0 = DefaultWriteChunkSize
	WriteInterval  time.Duration // Minimum spacing between chunks (0 = no pacing)
}

const (
	DefaultConnectTimeout = 30 * time.Second

	// DefaultWriteChunkSize is the ATT payload of the minimum 23-byte MTU.
	DefaultWriteChunkSize = 20
)

// Normalize fills unset fields with defaults.
func (o ConnectOptions) Normalize() ConnectOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteChunkSize <= 0 {
		o.WriteChunkSize = DefaultWriteChunkSize
	}
	return o
}

// UART is a bidirectional byte link to a peripheral.
//
// Received fragments are delivered to the handler in arrival order from a
// single goroutine. Done is closed once the link is gone, whether by
// Disconnect or by the peripheral; Err then reports why.
type UART interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, data []byte) error
	SetReceiveHandler(h func(data []byte))
	Disconnect() error
	Done() <-chan struct{}
	Err() error
	Address() string
	Name() string
}

// Advertisement is the subset of advertising data the scanner needs.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
	ManufacturerData() []byte
}

// ScanningDevice represents a device capable of scanning for advertisements
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}
