package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"16-bit", "2902", "2902"},
		{"16-bit with 0x prefix", "0x180D", "180d"},
		{"16-bit with 0X prefix", "0X2902", "2902"},
		{"SIG base dashed", "00002902-0000-1000-8000-00805f9b34fb", "2902"},
		{"SIG base uppercase", "00002A37-0000-1000-8000-00805F9B34FB", "2a37"},
		{"SIG base undashed", "0000290200001000800000805f9b34fb", "2902"},
		{"SIG base odd dashes", "0000-2902-0000-1000-8000-00805f9b34fb", "2902"},
		{"UART service", UARTServiceUUID, "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"UART service uppercase", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"surrounding spaces", "  2902 ", "2902"},
		{"32-bit", "12345678", "12345678"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDKeepsNonBaseUUIDs(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"prefix is not 0000", "AA002902-0000-1000-8000-00805f9b34fb"},
		{"suffix is not the SIG base", "00002902-1234-5678-9abc-def012345678"},
		{"too short", "00002902"},
		{"too long", "0000290200001000800000805f9b34fb00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := strings.ToLower(strings.ReplaceAll(tt.input, "-", ""))
			assert.Equal(t, want, NormalizeUUID(tt.input), "only SIG base UUIDs MUST be shortened")
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"0x180d", "0000-2a37-0000-1000-8000-00805f9b34fb", UARTTxCharUUID})

	assert.Equal(t, []string{"180d", "2a37", "6e400002b5a3f393e0a9e50e24dcca9e"}, got)
}

func TestHasUARTService(t *testing.T) {
	assert.True(t, HasUARTService([]string{"1800", "6E400001B5A3F393E0A9E50E24DCCA9E"}))
	assert.True(t, SameUUID("0x2902", "00002902-0000-1000-8000-00805F9B34FB"))
	assert.False(t, HasUARTService([]string{"180d", UARTRxCharUUID}))
	assert.False(t, HasUARTService(nil))
}
