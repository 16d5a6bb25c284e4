package device

import "strings"

// Nordic UART Service, as exposed by Bluefruit firmware.
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTTxCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // central writes here
	UARTRxCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // peripheral notifies here
)

// sigBaseSuffix is the Bluetooth SIG base UUID after the 16-bit slot.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to lowercase without dashes or a 0x prefix.
// A 128-bit UUID built on the Bluetooth SIG base (0000xxxx-0000-1000-8000-00805f9b34fb)
// is shortened to its 16-bit form xxxx.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs applies NormalizeUUID to every element.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// SameUUID compares two UUIDs in normalized form.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// HasUARTService reports whether an advertised service list includes the UART service.
func HasUARTService(services []string) bool {
	for _, s := range services {
		if SameUUID(s, UARTServiceUUID) {
			return true
		}
	}
	return false
}
