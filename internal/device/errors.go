package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
)

// NotFoundError is returned when the peripheral lacks the UART service or one of its characteristics.
type NotFoundError struct {
	Resource string   // "service" or "characteristic"
	UUIDs    []string // service UUID, then the characteristic UUID if any
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return e.Resource + " not found"
	}
	msg := fmt.Sprintf("%s %s not found", e.Resource, e.UUIDs[len(e.UUIDs)-1])
	if len(e.UUIDs) > 1 {
		msg += " in service " + e.UUIDs[0]
	}
	return msg
}

// LinkState names why a UART link cannot be used.
type LinkState string

const (
	LinkDown    LinkState = "not connected"
	LinkUp      LinkState = "already connected"
	LinkDropped LinkState = "link lost"
)

// LinkError reports a UART used in the wrong link state. Values compare
// equal under errors.Is when their states match, whatever the detail.
type LinkError struct {
	State  LinkState
	Detail string
}

func (e *LinkError) Error() string {
	if e.Detail == "" {
		return string(e.State)
	}
	return string(e.State) + ": " + e.Detail
}

func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.State == e.State
}

var (
	ErrNotConnected     = &LinkError{State: LinkDown}
	ErrAlreadyConnected = &LinkError{State: LinkUp}
	ErrLinkLost         = &LinkError{State: LinkDropped}
)

// linkMessages maps lowercase fragments of backend error text to our errors.
var linkMessages = []struct {
	fragment string
	err      error
}{
	{"is bluetooth turned on", ErrBluetoothOff},
	{"bluetooth is turned off", ErrBluetoothOff},
	{"powered off", ErrBluetoothOff},
	{"device already connected", ErrAlreadyConnected},
	{"device not connected", ErrNotConnected},
	{"disconnected", ErrLinkLost},
	{"connection reset", ErrLinkLost},
}

// NormalizeError wraps backend errors with the matching sentinel, keeping the original text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range linkMessages {
		if strings.Contains(msg, m.fragment) {
			return fmt.Errorf("%w: %v", m.err, err)
		}
	}
	return err
}
