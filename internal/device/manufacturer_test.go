package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVendor(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		wantID uint16
		want   string
		wantOK bool
	}{
		{"adafruit", []byte{0x22, 0x08, 0x01}, CompanyAdafruit, "Adafruit Industries", true},
		{"id only", []byte{0x59, 0x00}, CompanyNordic, "Nordic Semiconductor", true},
		{"unknown", []byte{0xFE, 0xFF, 0x00}, 0xFFFE, "0xFFFE", true},
		{"too short", []byte{0x22}, 0, "", false},
		{"empty", nil, 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, name, ok := Vendor(tt.data)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.want, name)
		})
	}
}
