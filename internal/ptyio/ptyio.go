// Package ptyio exposes a UART session as a pseudo-terminal.
//
// A Terminal owns a raw-mode PTY pair created with github.com/creack/pty.
// Bytes written by an application into the slave are delivered to an input
// handler; bytes destined for the application are queued in a ring buffer and
// drained into the master by a background loop, so a peripheral that streams
// faster than the application reads never blocks the session.
//
//	term, err := ptyio.Open(ptyio.Options{Logger: logger})
//	term.SetInputHandler(func(b []byte) { sess.Send(ctx, b, session.OriginPTY) })
//	term.Write(rxBytes) // never blocks, drops oldest on overflow
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bluart/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 1000
	DefaultPollTimeout = 50 * time.Millisecond

	ioChunk = 4096
)

// InputHandler receives bytes the application wrote into the slave. The slice is reused after return.
type InputHandler func(data []byte)

type Options struct {
	InputBufferSize  int // bytes read from the slave, waiting for the handler (0 = DefaultBufferSize)
	OutputBufferSize int // bytes waiting to be written to the slave (0 = DefaultBufferSize)
	PollTimeout      time.Duration
	Logger           *logrus.Logger
	OnError          func(err error) // called at most once when a loop dies
}

// Stats are byte counters of one terminal.
type Stats struct {
	InputBytes     uint64
	OutputBytes    uint64
	DroppedInput   uint64
	DroppedOutput  uint64
	PendingOutput  int
	OutputCapacity int
}

// Terminal is the master side of a PTY pair.
type Terminal struct {
	master   *os.File
	slave    *os.File
	masterFD int32 // taken in openRaw; the loops poll it without calling master.Fd
	ttyName  string
	logger  *logrus.Logger
	poll    int // milliseconds

	in  *ringbuffer.RingBuffer
	out *ringbuffer.RingBuffer

	handler   atomic.Pointer[InputHandler]
	inNotify  chan struct{}
	outNotify chan struct{}

	onError   func(error)
	errorOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	inputBytes    atomic.Uint64
	outputBytes   atomic.Uint64
	droppedInput  atomic.Uint64
	droppedOutput atomic.Uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Open creates the PTY pair and starts its I/O loops.
func Open(opts Options) (*Terminal, error) {
	if opts.InputBufferSize <= 0 {
		opts.InputBufferSize = DefaultBufferSize
	}
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}

	master, slave, masterFD, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		master:    master,
		slave:     slave,
		masterFD:  int32(masterFD),
		ttyName:   slave.Name(),
		logger:    logger,
		poll:      int(opts.PollTimeout / time.Millisecond),
		in:        ringbuffer.New(opts.InputBufferSize),
		out:       ringbuffer.New(opts.OutputBufferSize),
		inNotify:  make(chan struct{}, 1),
		outNotify: make(chan struct{}, 1),
		onError:   opts.OnError,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { t.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { t.writeLoop() })
	groutine.Go(ctx, "pty-input-dispatch", func(context.Context) { t.dispatchLoop() })

	logger.WithField("tty", t.ttyName).Debug("PTY opened")
	return t, nil
}

// TTYName is the slave device path, e.g. /dev/pts/5.
func (t *Terminal) TTYName() string { return t.ttyName }

// SetInputHandler installs h (nil removes it). Input that arrived earlier is delivered to h.
func (t *Terminal) SetInputHandler(h InputHandler) {
	if h == nil {
		t.handler.Store(nil)
		return
	}
	t.handler.Store(&h)
	t.notifyInput()
}

func (t *Terminal) notifyInput() {
	select {
	case t.inNotify <- struct{}{}:
	default:
	}
}

// Write queues data for the application. It never blocks; bytes that do not fit are dropped.
func (t *Terminal) Write(data []byte) (int, error) {
	if t.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := t.out.Write(data)
	if err != nil && !isOverflow(err) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		t.droppedOutput.Add(uint64(dropped))
		t.logger.WithFields(logrus.Fields{"tty": t.ttyName, "dropped": dropped}).Warn("PTY output buffer full")
	}
	select {
	case t.outNotify <- struct{}{}:
	default:
	}
	return n, nil
}

func isOverflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func (t *Terminal) Stats() Stats {
	return Stats{
		InputBytes:     t.inputBytes.Load(),
		OutputBytes:    t.outputBytes.Load(),
		DroppedInput:   t.droppedInput.Load(),
		DroppedOutput:  t.droppedOutput.Load(),
		PendingOutput:  t.out.Length(),
		OutputCapacity: t.out.Capacity(),
	}
}

func (t *Terminal) fail(err error) {
	t.logger.WithError(err).WithField("tty", t.ttyName).Warn("PTY loop stopped")
	if t.onError != nil {
		t.errorOnce.Do(func() { t.onError(err) })
	}
}

func (t *Terminal) stopping() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// readLoop moves bytes from the master (what the application wrote) into the input ring.
func (t *Terminal) readLoop() {
	defer t.wg.Done()

	master := t.master
	fds := []unix.PollFd{{Fd: t.masterFD, Events: unix.POLLIN}}
	buf := make([]byte, ioChunk)

	for !t.stopping() {
		ready, err := unix.Poll(fds, t.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			t.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			w, _ := t.in.Write(buf[:n]) // a short write means the ring is full
			if w < n {
				t.droppedInput.Add(uint64(n - w))
			}
			t.inputBytes.Add(uint64(w))
			t.notifyInput()
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return
		default:
			t.fail(fmt.Errorf("pty read: %w", err))
			return
		}
	}
}

// writeLoop drains the output ring into the master.
func (t *Terminal) writeLoop() {
	defer t.wg.Done()

	master := t.master
	fds := []unix.PollFd{{Fd: t.masterFD, Events: unix.POLLOUT}}
	buf := make([]byte, ioChunk)

	for !t.stopping() {
		n, _ := t.out.TryRead(buf)
		if n == 0 {
			select {
			case <-t.ctx.Done():
				return
			case <-t.outNotify:
			}
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			off += w
			t.outputBytes.Add(uint64(w))
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, t.poll)
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				t.fail(fmt.Errorf("pty write: %w", err))
				return
			}
			if t.stopping() {
				return
			}
		}
	}
}

// dispatchLoop hands buffered input to the handler outside the read loop.
func (t *Terminal) dispatchLoop() {
	defer t.wg.Done()

	buf := make([]byte, ioChunk)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.inNotify:
		}

		for {
			h := t.handler.Load()
			if h == nil {
				break
			}
			n, _ := t.in.TryRead(buf)
			if n == 0 {
				break
			}
			t.deliver(*h, buf[:n])
		}
	}
}

func (t *Terminal) deliver(h InputHandler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.handler.Store(nil)
			t.fail(fmt.Errorf("pty input handler panicked: %v", r))
		}
	}()
	h(data)
}

// Close stops the loops and closes both ends of the pair. The files are
// closed only once the loops have returned, so no loop polls a reused fd.
func (t *Terminal) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(context.Context) {
		t.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Duration(t.poll)*time.Millisecond*3 + time.Second):
		// A handler blocked in dispatch keeps its loop alive; the read and
		// write loops exit within one poll interval.
		t.logger.WithField("tty", t.ttyName).Warn("PTY loops did not stop in time")
	}

	var errs []error
	if err := t.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty master: %w", err))
	}
	if err := t.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty slave: %w", err))
	}

	t.logger.WithField("tty", t.ttyName).Debug("PTY closed")
	return errors.Join(errs...)
}

// openRaw opens a PTY pair with the slave in raw mode and a non-blocking master.
// masterFD is taken before SetNonblock because File.Fd switches the file back to blocking.
func openRaw() (master, slave *os.File, masterFD int, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(step string, cause error) error {
		_ = master.Close()
		_ = slave.Close()
		return fmt.Errorf("failed to %s on %s: %w", step, slave.Name(), cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, -1, cleanup("set raw mode", err)
	}
	masterFD = int(master.Fd())
	if err := syscall.SetNonblock(masterFD, true); err != nil {
		return nil, nil, -1, cleanup("set non-blocking mode", err)
	}
	return master, slave, masterFD, nil
}
