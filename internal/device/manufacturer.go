package device

import (
	"encoding/binary"
	"fmt"
)

// Bluetooth SIG company identifiers seen on UART-capable boards.
const (
	CompanyAdafruit  uint16 = 0x0822
	CompanyNordic    uint16 = 0x0059
	CompanyEspressif uint16 = 0x02E5
)

var companyNames = map[uint16]string{
	CompanyAdafruit:  "Adafruit Industries",
	CompanyNordic:    "Nordic Semiconductor",
	CompanyEspressif: "Espressif",
	0x004C:           "Apple",
	0x0006:           "Microsoft",
	0x0075:           "Samsung",
	0x00E0:           "Google",
	0x0131:           "Cypress Semiconductor",
	0x000D:           "Texas Instruments",
	0x0030:           "STMicroelectronics",
}

// Vendor reads the little-endian company ID that leads manufacturer data.
// ok is false when data is shorter than the ID. Unknown IDs are named "0xNNNN".
func Vendor(manufacturerData []byte) (id uint16, name string, ok bool) {
	if len(manufacturerData) < 2 {
		return 0, "", false
	}
	id = binary.LittleEndian.Uint16(manufacturerData[:2])
	if n, known := companyNames[id]; known {
		return id, n, true
	}
	return id, fmt.Sprintf("0x%04X", id), true
}
