package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bluetooth off", errors.New("can't init hci: is Bluetooth turned on?"), ErrBluetoothOff},
		{"powered off", errors.New("central manager powered off"), ErrBluetoothOff},
		{"already connected", errors.New("Device already connected"), ErrAlreadyConnected},
		{"not connected", errors.New("device not connected"), ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), ErrLinkLost},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.err.Error(), "original text MUST be kept")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("gatt: bad attribute")
	assert.Same(t, other, NormalizeError(other), "unknown errors MUST pass through unchanged")
}

func TestLinkErrorMatchesByState(t *testing.T) {
	err := &LinkError{State: LinkDropped, Detail: "supervision timeout"}

	assert.ErrorIs(t, err, ErrLinkLost)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "link lost: supervision timeout", err.Error())
	assert.Equal(t, "not connected", ErrNotConnected.Error())
}

func TestNotFoundErrorMessage(t *testing.T) {
	assert.Equal(t, "service not found", (&NotFoundError{Resource: "service"}).Error())
	assert.Equal(t, "service 6e400001 not found",
		(&NotFoundError{Resource: "service", UUIDs: []string{"6e400001"}}).Error())
	assert.Equal(t, "characteristic 6e400003 not found in service 6e400001",
		(&NotFoundError{Resource: "characteristic", UUIDs: []string{"6e400001", "6e400003"}}).Error())
}
