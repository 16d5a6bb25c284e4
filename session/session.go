// Package session ties one UART transport to one packet store.
//
// A Session is the explicit owner of the packet log for a connection: every
// received fragment and every sent buffer is appended by a single event-loop
// goroutine, then fanned out to listeners (console, MQTT bridge, PTY, capture
// log) through per-listener queues so a slow consumer never delays arrival.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/export"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/groutine"
	"github.com/srg/bluart/packet"
)

var (
	ErrClosed         = errors.New("session is closed")
	ErrNotStarted     = errors.New("session is not started")
	ErrListenerExists = errors.New("listener already registered")
)

// Origin tells where a packet came from.
type Origin uint8

const (
	OriginRemote Origin = iota // received from the peripheral
	OriginLocal                // typed or sent by this process
	OriginPTY                  // written by an application into the PTY bridge
	OriginMQTT                 // received on the MQTT subscribe topic
)

func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "remote"
	case OriginLocal:
		return "local"
	case OriginPTY:
		return "pty"
	case OriginMQTT:
		return "mqtt"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

// Event is delivered to listeners for every appended packet.
type Event struct {
	Packet packet.Packet
	Origin Origin
	Sent   bool // TX only: bytes were handed to the transport
}

// Options configures a Session.
type Options struct {
	Store     packet.StoreOptions
	Formatter export.Options

	// TransmitRemote sends MQTT-originated data to the peripheral; otherwise it is only recorded.
	TransmitRemote bool

	EOL               []byte // appended by SendLine
	EventQueueSize    int    // inbound buffer of the event loop (0 = 256)
	ListenerQueueSize uint32 // per-listener ring size (0 = DefaultListenerQueueSize)

	Logger *logrus.Logger
}

type inbound struct {
	mode   packet.Mode
	data   []byte
	ts     time.Time
	origin Origin
	sent   bool
	ack    chan struct{}
}

// Session owns one transport, one store and the listeners fed from it.
type Session struct {
	id        string
	opts      Options
	transport device.UART
	store     *packet.Store
	formatter *export.Formatter
	logger    *logrus.Logger

	inbox     chan inbound
	listeners *hashmap.Map[string, *listener]

	started   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	startedAt time.Time
}

// New creates a session around transport. Nothing happens until Start.
func New(transport device.UART, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = logger
	}
	if opts.Formatter.Logger == nil {
		opts.Formatter.Logger = logger
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = 256
	}
	if opts.ListenerQueueSize == 0 {
		opts.ListenerQueueSize = DefaultListenerQueueSize
	}

	return &Session{
		id:        newSessionID(time.Now()),
		opts:      opts,
		transport: transport,
		store:     packet.NewStore(opts.Store),
		formatter: export.NewFormatter(opts.Formatter),
		logger:    logger,
		inbox:     make(chan inbound, opts.EventQueueSize),
		listeners: hashmap.New[string, *listener](),
		closed:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Address() string              { return s.transport.Address() }
func (s *Session) Name() string                 { return s.transport.Name() }
func (s *Session) StartedAt() time.Time         { return s.startedAt }
func (s *Session) Store() *packet.Store         { return s.store }
func (s *Session) Formatter() *export.Formatter { return s.formatter }

// Done is closed when the transport link goes away.
func (s *Session) Done() <-chan struct{} { return s.transport.Done() }

// Err reports why the link went away, nil for a requested disconnect.
func (s *Session) Err() error { return s.transport.Err() }

// Start connects the transport and begins recording. The store is cleared on every (re)connect.
func (s *Session) Start(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return device.ErrAlreadyConnected
	}

	s.transport.SetReceiveHandler(s.onReceive)
	if err := s.transport.Connect(ctx); err != nil {
		s.started.Store(false)
		return err
	}

	s.store.Clear()
	s.startedAt = time.Now()

	groutine.Go(context.Background(), "session-event-loop", func(context.Context) {
		s.loop()
	})

	s.logger.WithFields(logrus.Fields{
		"session": s.id,
		"address": s.transport.Address(),
	}).Info("UART session started")
	return nil
}

func (s *Session) onReceive(data []byte) {
	select {
	case s.inbox <- inbound{mode: packet.Receive, data: data, ts: time.Now(), origin: OriginRemote}:
	case <-s.closed:
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case in := <-s.inbox:
			s.handle(in)
		case <-s.closed:
			// Flush what the transport already delivered.
			for {
				select {
				case in := <-s.inbox:
					s.handle(in)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) handle(in inbound) {
	p := packet.NewFromPeripheral(in.ts, in.mode, in.data, s.transport.Address())
	if err := s.store.AppendPacket(p); err != nil {
		s.logger.WithError(err).WithField("mode", in.mode).Debug("Packet not retained")
	}

	ev := Event{Packet: p, Origin: in.origin, Sent: in.sent}
	s.listeners.Range(func(_ string, l *listener) bool {
		l.push(ev)
		return true
	})

	if in.ack != nil {
		close(in.ack)
	}
}

// Send records data as a TX packet and writes it to the peripheral.
// MQTT-originated data is written only when TransmitRemote is set; it is recorded either way.
func (s *Session) Send(ctx context.Context, data []byte, origin Origin) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.started.Load() {
		return ErrNotStarted
	}

	transmit := origin != OriginMQTT || s.opts.TransmitRemote

	ack := make(chan struct{})
	in := inbound{mode: packet.Transmit, data: data, ts: time.Now(), origin: origin, sent: transmit, ack: ack}
	select {
	case s.inbox <- in:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait for the append so packets from one caller keep their order.
	select {
	case <-ack:
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !transmit {
		return nil
	}
	if err := s.transport.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send %d bytes: %w", len(data), err)
	}
	return nil
}

// SendLine sends text followed by the configured end-of-line bytes.
func (s *Session) SendLine(ctx context.Context, text string, origin Origin) error {
	data := make([]byte, 0, len(text)+len(s.opts.EOL))
	data = append(data, text...)
	data = append(data, s.opts.EOL...)
	return s.Send(ctx, data, origin)
}

// Subscribe registers a listener for every event appended after this call.
func (s *Session) Subscribe(name string, fn Listener) error {
	l := newListener(name, fn, s.opts.ListenerQueueSize, s.logger)
	if !s.listeners.Insert(name, l) {
		return fmt.Errorf("%w: %s", ErrListenerExists, name)
	}
	groutine.Go(context.Background(), "session-listener-"+name, func(context.Context) {
		l.run()
	})
	return nil
}

// Unsubscribe removes a listener after delivering the events already queued for it.
func (s *Session) Unsubscribe(name string) {
	l, ok := s.listeners.Get(name)
	if !ok {
		return
	}
	s.listeners.Del(name)
	l.close()
}

// Dropped reports how many events a listener lost to queue overflow.
func (s *Session) Dropped(name string) int64 {
	if l, ok := s.listeners.Get(name); ok {
		return l.dropped.Load()
	}
	return 0
}

// Snapshot returns a copy of the packet log.
func (s *Session) Snapshot() []packet.Packet { return s.store.Snapshot() }

// Clear empties the packet log.
func (s *Session) Clear() { s.store.Clear() }

func (s *Session) Stats() packet.Stats { return s.store.Stats() }

// Export renders the current packet log.
func (s *Session) Export(format export.Format) (*export.Result, error) {
	return s.formatter.Export(format, s.store.Snapshot())
}

// Close disconnects the transport, flushes pending events to listeners and stops them.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Disconnect()
		close(s.closed)
		if s.started.Load() {
			<-s.loopDone
		}

		var names []string
		s.listeners.Range(func(name string, _ *listener) bool {
			names = append(names, name)
			return true
		})
		for _, name := range names {
			s.Unsubscribe(name)
		}

		stats := s.store.Stats()
		s.logger.WithFields(logrus.Fields{
			"session":  s.id,
			"packets":  stats.Packets,
			"rx_bytes": stats.RxBytes,
			"tx_bytes": stats.TxBytes,
		}).Info("UART session closed")
	})
	return err
}
