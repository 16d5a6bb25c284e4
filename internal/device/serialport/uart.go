// Package serialport implements the UART transport over a USB serial port, for
// Bluefruit boards attached by cable instead of BLE.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/groutine"
	"go.bug.st/serial"
)

const (
	readBufferSize = 256
	readTimeout    = 100 * time.Millisecond
)

// Port is the subset of serial.Port used by the transport.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens serial ports (can be overridden in tests)
var PortOpener = func(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// UART is a device.UART over a serial port.
type UART struct {
	path   string
	opts   PortOptions
	logger *logrus.Logger

	mu      sync.RWMutex
	port    Port
	handler func([]byte)
	done    chan struct{}
	err     error
	closing bool

	writeMu sync.Mutex
}

func NewUART(path string, opts PortOptions, logger *logrus.Logger) *UART {
	if logger == nil {
		logger = logrus.New()
	}
	return &UART{
		path:   path,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (u *UART) Address() string { return "serial:" + u.path }

func (u *UART) Name() string { return u.path }

func (u *UART) Done() <-chan struct{} { return u.done }

func (u *UART) Err() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.err
}

func (u *UART) SetReceiveHandler(h func([]byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

// Connect opens the port and starts the read loop.
func (u *UART) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.port != nil {
		return device.ErrAlreadyConnected
	}

	mode, err := u.opts.SerialMode()
	if err != nil {
		return fmt.Errorf("invalid serial options for %s: %w", u.path, err)
	}

	port, err := PortOpener(u.path, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", u.path, err)
	}
	if t, ok := port.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := t.SetReadTimeout(readTimeout); err != nil {
			u.logger.WithError(err).Debug("Serial port does not support read timeouts")
		}
	}
	u.port = port

	groutine.Go(context.Background(), "serial-uart-reader", func(context.Context) {
		u.readLoop(port)
	})

	u.logger.WithFields(logrus.Fields{
		"path": u.path,
		"baud": mode.BaudRate,
	}).Info("Serial UART connected")
	return nil
}

func (u *UART) readLoop(port Port) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			u.mu.RLock()
			h := u.handler
			u.mu.RUnlock()
			if h != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				h(data)
			}
		}
		if err != nil {
			u.mu.RLock()
			closing := u.closing
			u.mu.RUnlock()
			if closing {
				u.finish(nil)
				return
			}
			u.logger.WithError(err).WithField("path", u.path).Warn("Serial port read failed")
			if errors.Is(err, io.EOF) {
				err = device.ErrLinkLost
			} else {
				err = fmt.Errorf("%w: %v", device.ErrLinkLost, err)
			}
			u.finish(err)
			return
		}
		select {
		case <-u.done:
			return
		default:
		}
	}
}

func (u *UART) Write(ctx context.Context, data []byte) error {
	u.mu.RLock()
	port := u.port
	u.mu.RUnlock()
	if port == nil {
		return device.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			return fmt.Errorf("failed to write serial port %s: %w", u.path, err)
		}
		data = data[n:]
	}
	return nil
}

func (u *UART) Disconnect() error {
	u.mu.Lock()
	port := u.port
	u.port = nil
	u.closing = true
	u.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	u.finish(nil)
	u.logger.WithField("path", u.path).Info("Serial UART disconnected")
	return err
}

func (u *UART) finish(cause error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	select {
	case <-u.done:
		return
	default:
	}
	u.err = cause
	u.port = nil
	close(u.done)
}
