package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/groutine"
	"golang.org/x/time/rate"
)

var (
	uartService = ble.MustParse(device.UARTServiceUUID)
	uartTxChar  = ble.MustParse(device.UARTTxCharUUID)
	uartRxChar  = ble.MustParse(device.UARTRxCharUUID)
)

// UART is a Nordic UART Service link over go-ble.
type UART struct {
	address string
	opts    device.ConnectOptions
	logger  *logrus.Logger

	mu      sync.RWMutex
	client  ble.Client
	tx      *ble.Characteristic
	rx      *ble.Characteristic
	noRsp   bool
	ind     bool // RX delivers indications instead of notifications
	handler func([]byte)
	done    chan struct{}
	err     error
	name    string
	closing bool

	writeMu sync.Mutex
	limiter *rate.Limiter
}

// NewUART creates an unconnected UART link for the peripheral at address.
func NewUART(address string, opts device.ConnectOptions, logger *logrus.Logger) *UART {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.Normalize()
	u := &UART{
		address: address,
		opts:    opts,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if opts.WriteInterval > 0 {
		u.limiter = rate.NewLimiter(rate.Every(opts.WriteInterval), 1)
	}
	return u
}

func (u *UART) Address() string { return u.address }

func (u *UART) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.name
}

func (u *UART) Done() <-chan struct{} { return u.done }

func (u *UART) Err() error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.err
}

// SetReceiveHandler must be called before Connect; fragments arriving with no handler are dropped.
func (u *UART) SetReceiveHandler(h func([]byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

// Connect dials the peripheral, resolves the UART characteristics and subscribes to RX notifications.
func (u *UART) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if strings.TrimSpace(u.address) == "" {
		return fmt.Errorf("device address is empty")
	}
	if u.client != nil {
		return device.ErrAlreadyConnected
	}

	u.logger.WithFields(logrus.Fields{
		"address": u.address,
		"timeout": u.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, u.opts.ConnectTimeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(u.address))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", u.address, device.NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	tx, rx, err := resolveUART(profile)
	if err != nil {
		_ = client.CancelConnection()
		return err
	}

	ind := rx.Property&ble.CharNotify == 0
	if err := client.Subscribe(rx, ind, u.onNotification); err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to subscribe to UART RX: %w", device.NormalizeError(err))
	}

	u.client = client
	u.tx = tx
	u.rx = rx
	u.noRsp = tx.Property&ble.CharWriteNR != 0
	u.ind = ind
	u.name = client.Name()

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-uart-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
			case <-u.done:
				return
			}
			u.mu.RLock()
			closing := u.closing
			u.mu.RUnlock()
			if closing {
				return
			}
			u.logger.WithField("address", u.address).Warn("BLE link lost")
			u.finish(device.ErrLinkLost)
		})
	} else {
		u.logger.Debug("Client does not report disconnection; link loss will surface as write errors")
	}

	u.logger.WithFields(logrus.Fields{
		"address":   u.address,
		"name":      u.name,
		"no_rsp":    u.noRsp,
		"chunkSize": u.opts.WriteChunkSize,
	}).Info("BLE UART connected")
	return nil
}

func (u *UART) onNotification(data []byte) {
	u.mu.RLock()
	h := u.handler
	u.mu.RUnlock()
	if h == nil {
		return
	}
	// go-ble reuses the notification buffer
	buf := make([]byte, len(data))
	copy(buf, data)
	h(buf)
}

// Write sends data to the TX characteristic in chunks, pacing them if a write interval is configured.
func (u *UART) Write(ctx context.Context, data []byte) error {
	u.mu.RLock()
	client, tx, noRsp := u.client, u.tx, u.noRsp
	u.mu.RUnlock()
	if client == nil {
		return device.ErrNotConnected
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	for _, chunk := range Chunks(data, u.opts.WriteChunkSize) {
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := client.WriteCharacteristic(tx, chunk, noRsp); err != nil {
			return fmt.Errorf("failed to write UART TX: %w", device.NormalizeError(err))
		}
	}
	return nil
}

// Disconnect unsubscribes and drops the link. Calling it on a closed link is a no-op.
func (u *UART) Disconnect() error {
	u.mu.Lock()
	client, rx, ind := u.client, u.rx, u.ind
	u.client = nil
	u.closing = true
	u.mu.Unlock()

	if client == nil {
		return nil
	}

	if err := client.Unsubscribe(rx, ind); err != nil {
		u.logger.WithError(err).Debug("Failed to unsubscribe from UART RX")
	}
	err := client.CancelConnection()
	u.finish(nil)

	if err != nil {
		u.logger.WithError(err).Warn("BLE device disconnected with errors")
		return device.NormalizeError(err)
	}
	u.logger.WithField("address", u.address).Info("BLE device disconnected")
	return nil
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
	u.client = nil
	close(u.done)
}

// resolveUART finds the TX (write) and RX (notify) characteristics in a discovered profile.
func resolveUART(p *ble.Profile) (tx, rx *ble.Characteristic, err error) {
	var svc *ble.Service
	for _, s := range p.Services {
		if s.UUID.Equal(uartService) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, nil, &device.NotFoundError{Resource: "service", UUIDs: []string{device.UARTServiceUUID}}
	}

	for _, c := range svc.Characteristics {
		switch {
		case c.UUID.Equal(uartTxChar):
			tx = c
		case c.UUID.Equal(uartRxChar):
			rx = c
		}
	}
	if tx == nil || tx.Property&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UARTServiceUUID, device.UARTTxCharUUID}}
	}
	if rx == nil || rx.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{device.UARTServiceUUID, device.UARTRxCharUUID}}
	}
	return tx, rx, nil
}

// Chunks splits data into consecutive slices of at most size bytes. Empty data yields no chunks.
func Chunks(data []byte, size int) [][]byte {
	if size <= 0 {
		size = device.DefaultWriteChunkSize
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(len(data), size)
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
