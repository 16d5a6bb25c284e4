// Package packet holds the UART packet log: an ordered, append-only record of
// every byte chunk received from or sent to a peripheral.
package packet

import (
	"fmt"
	"time"
)

// Mode is the direction of a packet relative to this host.
type Mode uint8

const (
	// Transmit is a chunk sent by this host to the peripheral (TX).
	Transmit Mode = iota
	// Receive is a chunk delivered by the peripheral (RX).
	Receive
)

// String renders the direction tag used by every export format.
func (m Mode) String() string {
	switch m {
	case Transmit:
		return "TX"
	case Receive:
		return "RX"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "TX", "tx":
		return Transmit, nil
	case "RX", "rx":
		return Receive, nil
	default:
		return 0, fmt.Errorf("unknown packet mode %q", s)
	}
}

// Packet is one timestamped, directional chunk of bytes.
// A Packet never changes after construction.
type Packet struct {
	timestamp    time.Time
	mode         Mode
	payload      []byte
	peripheralID string
}

// New builds a packet, copying payload so later changes by the caller are not observed.
func New(ts time.Time, mode Mode, payload []byte) Packet {
	return NewFromPeripheral(ts, mode, payload, "")
}

// NewFromPeripheral is New with the identifier of the peripheral the bytes belong to.
func NewFromPeripheral(ts time.Time, mode Mode, payload []byte, peripheralID string) Packet {
	data := make([]byte, len(payload))
	copy(data, payload)
	return Packet{
		timestamp:    ts,
		mode:         mode,
		payload:      data,
		peripheralID: peripheralID,
	}
}

func (p Packet) Timestamp() time.Time { return p.timestamp }

func (p Packet) Mode() Mode { return p.mode }

// Payload returns the packet bytes. The slice is shared and must not be modified.
func (p Packet) Payload() []byte { return p.payload }

func (p Packet) PeripheralID() string { return p.peripheralID }

func (p Packet) Len() int { return len(p.payload) }
