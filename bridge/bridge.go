// Package bridge exposes a running UART session as a virtual serial device.
package bridge

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/ptyio"
	"github.com/srg/bluart/internal/script"
	"github.com/srg/bluart/packet"
	"github.com/srg/bluart/session"
)

const listenerName = "pty"

// Options configures the PTY side of a bridge
type Options struct {
	Symlink          string         // Optional symlink to the PTY slave (e.g., /tmp/bluefruit)
	Script           *script.Engine // Optional rx_to_tty / tty_to_tx transforms
	InputBufferSize  int            // PTY input ring size in bytes (0 = ptyio default)
	OutputBufferSize int            // PTY output ring size in bytes (0 = ptyio default)
	Logger           *logrus.Logger
}

// Stats counts bridge traffic
type Stats struct {
	ToTTY        uint64 `json:"to_tty"`
	FromTTY      uint64 `json:"from_tty"`
	Dropped      uint64 `json:"dropped"`
	ScriptErrors uint64 `json:"script_errors"`
	SendErrors   uint64 `json:"send_errors"`
}

// Bridge forwards RX packets to a PTY and bytes written into the PTY to the peripheral.
type Bridge struct {
	sess     *session.Session
	term     *ptyio.Terminal
	script   *script.Engine
	symlink  string
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	attached bool

	toTTY        atomic.Uint64
	fromTTY      atomic.Uint64
	dropped      atomic.Uint64
	scriptErrors atomic.Uint64
	sendErrors   atomic.Uint64
}

// Start opens a PTY and attaches it to sess.
func Start(ctx context.Context, sess *session.Session, opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	term, err := ptyio.Open(ptyio.Options{
		InputBufferSize:  opts.InputBufferSize,
		OutputBufferSize: opts.OutputBufferSize,
		Logger:           logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY failed")
		},
	})
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		sess:   sess,
		term:   term,
		script: opts.Script,
		logger: logger,
		ctx:    bctx,
		cancel: cancel,
	}
	fail := func(err error) (*Bridge, error) {
		_ = b.Close()
		return nil, err
	}

	logger.WithField("tty", term.TTYName()).Info("Created PTY device")

	if opts.Symlink != "" {
		if err := os.Symlink(term.TTYName(), opts.Symlink); err != nil {
			return fail(fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.Symlink, term.TTYName(), err))
		}
		b.symlink = opts.Symlink
		logger.WithFields(logrus.Fields{
			"ttySymlink": opts.Symlink,
			"target":     term.TTYName(),
		}).Info("Created PTY symlink")
	}

	if err := sess.Subscribe(listenerName, b.onEvent); err != nil {
		return fail(err)
	}
	b.attached = true
	term.SetInputHandler(b.onInput)
	return b, nil
}

func (b *Bridge) TTYName() string { return b.term.TTYName() }

// Symlink returns the symlink path, empty if none was created.
func (b *Bridge) Symlink() string { return b.symlink }

func (b *Bridge) PTYStats() ptyio.Stats { return b.term.Stats() }

func (b *Bridge) Stats() Stats {
	return Stats{
		ToTTY:        b.toTTY.Load(),
		FromTTY:      b.fromTTY.Load(),
		Dropped:      b.dropped.Load(),
		ScriptErrors: b.scriptErrors.Load(),
		SendErrors:   b.sendErrors.Load(),
	}
}

// onEvent writes received bytes to the PTY. Sent packets are not echoed.
func (b *Bridge) onEvent(ev session.Event) {
	if ev.Packet.Mode() != packet.Receive {
		return
	}

	data, ok := b.transform(script.HookRxToTTY, ev.Packet.Payload())
	if !ok || len(data) == 0 {
		return
	}

	n, err := b.term.Write(data)
	b.toTTY.Add(uint64(n))
	if n < len(data) {
		b.dropped.Add(uint64(len(data) - n))
	}
	if err != nil {
		b.logger.WithError(err).Debug("PTY write failed")
	}
}

// onInput sends what the application wrote into the PTY.
func (b *Bridge) onInput(chunk []byte) {
	b.fromTTY.Add(uint64(len(chunk)))

	// chunk is reused by the PTY after return
	data, ok := b.transform(script.HookTTYToTx, append([]byte(nil), chunk...))
	if !ok || len(data) == 0 {
		return
	}

	if err := b.sess.Send(b.ctx, data, session.OriginPTY); err != nil {
		b.sendErrors.Add(1)
		b.logger.WithError(err).WithField("bytes", len(data)).Warn("Failed to send PTY input")
	}
}

func (b *Bridge) transform(hook string, data []byte) ([]byte, bool) {
	if b.script == nil {
		return data, true
	}
	out, keep, err := b.script.Call(hook, data)
	if err != nil {
		// A broken hook must not silence the link: forward the original bytes.
		if b.scriptErrors.Add(1) == 1 {
			b.logger.WithError(err).Error("Bridge script failed, forwarding raw bytes")
		}
		return data, true
	}
	return out, keep
}

// Close detaches from the session, removes the symlink and closes the PTY.
func (b *Bridge) Close() error {
	b.cancel()
	b.term.SetInputHandler(nil)
	if b.attached {
		b.sess.Unsubscribe(listenerName)
		b.attached = false
	}

	if b.symlink != "" {
		if err := os.Remove(b.symlink); err != nil {
			b.logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
		} else {
			b.logger.WithField("ttySymlink", b.symlink).Debug("Removed tty symlink")
		}
		b.symlink = ""
	}
	return b.term.Close()
}
