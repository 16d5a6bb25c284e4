package testutils

import (
	"context"
	"sync"

	"github.com/srg/bluart/internal/device"
)

// FakeUART is an in-memory device.UART. Tests drive the peripheral side with
// Receive and Drop and inspect what the host wrote with Written.
type FakeUART struct {
	mu         sync.Mutex
	address    string
	name       string
	handler    func([]byte)
	writes     [][]byte
	connected  bool
	done       chan struct{}
	err        error
	ConnectErr error
	WriteErr   error
	Connects   int
}

func NewFakeUART(address string) *FakeUART {
	return &FakeUART{address: address, name: "Fake UART", done: make(chan struct{})}
}

func (f *FakeUART) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	if f.connected {
		return device.ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.connected = true
	f.Connects++
	f.done = make(chan struct{})
	f.err = nil
	return nil
}

func (f *FakeUART) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return device.ErrNotConnected
	}
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *FakeUART) SetReceiveHandler(h func(data []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeUART) Disconnect() error {
	f.finish(nil)
	return nil
}

// Drop simulates the peripheral going away.
func (f *FakeUART) Drop() {
	f.finish(device.ErrLinkLost)
}

func (f *FakeUART) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	f.connected = false
	f.err = err
	close(f.done)
}

// Receive delivers a fragment as if the peripheral had notified it.
func (f *FakeUART) Receive(data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// Written returns a copy of every buffer passed to Write.
func (f *FakeUART) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *FakeUART) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeUART) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *FakeUART) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *FakeUART) Address() string { return f.address }
func (f *FakeUART) Name() string    { return f.name }

var _ device.UART = (*FakeUART)(nil)
