package goble

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/bluart/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uartProfile(txProp, rxProp ble.Property) *ble.Profile {
	return &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.UUID16(0x180F)},
			{
				UUID: ble.MustParse(device.UARTServiceUUID),
				Characteristics: []*ble.Characteristic{
					{UUID: ble.MustParse(device.UARTTxCharUUID), Property: txProp},
					{UUID: ble.MustParse(device.UARTRxCharUUID), Property: rxProp},
				},
			},
		},
	}
}

func TestResolveUART(t *testing.T) {
	// GOAL: Verify the UART TX/RX characteristics are located by UUID and checked for usable properties

	t.Run("finds write and notify characteristics", func(t *testing.T) {
		tx, rx, err := resolveUART(uartProfile(ble.CharWrite|ble.CharWriteNR, ble.CharNotify))

		require.NoError(t, err)
		assert.True(t, tx.UUID.Equal(ble.MustParse(device.UARTTxCharUUID)))
		assert.True(t, rx.UUID.Equal(ble.MustParse(device.UARTRxCharUUID)))
	})

	t.Run("missing service", func(t *testing.T) {
		_, _, err := resolveUART(&ble.Profile{Services: []*ble.Service{{UUID: ble.UUID16(0x1800)}}})

		var nf *device.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "service", nf.Resource)
	})

	t.Run("tx without write property", func(t *testing.T) {
		_, _, err := resolveUART(uartProfile(ble.CharRead, ble.CharNotify))

		var nf *device.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Contains(t, nf.Error(), device.UARTTxCharUUID)
	})

	t.Run("rx without notify property", func(t *testing.T) {
		_, _, err := resolveUART(uartProfile(ble.CharWrite, ble.CharRead))

		var nf *device.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Contains(t, nf.Error(), device.UARTRxCharUUID)
	})
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		data     []byte
		expected []int
	}{
		{name: "empty", size: 20, data: nil, expected: []int{}},
		{name: "exact", size: 20, data: make([]byte, 20), expected: []int{20}},
		{name: "split", size: 20, data: make([]byte, 45), expected: []int{20, 20, 5}},
		{name: "default size", size: 0, data: make([]byte, 21), expected: []int{20, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunks(tt.data, tt.size)

			lengths := make([]int, len(chunks))
			for i, c := range chunks {
				lengths[i] = len(c)
			}
			assert.Equal(t, tt.expected, lengths)
		})
	}
}

func TestWriteBeforeConnect(t *testing.T) {
	u := NewUART("AA:BB:CC:DD:EE:FF", device.ConnectOptions{}, nil)

	err := u.Write(t.Context(), []byte("AT"))

	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.NoError(t, u.Disconnect(), "disconnecting an unconnected link MUST be a no-op")
}
