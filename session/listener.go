package session

import (
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// DefaultListenerQueueSize is the number of events buffered per listener before the oldest are overwritten.
const DefaultListenerQueueSize = 1024

// Listener receives session events in packet order, on its own goroutine.
type Listener func(Event)

// listener decouples a consumer from the event loop: the loop enqueues into an
// overlapped ring and never waits for the consumer.
type listener struct {
	name    string
	fn      Listener
	queue   mpmc.RichOverlappedRingBuffer[Event]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	logger  *logrus.Logger
}

func newListener(name string, fn Listener, size uint32, logger *logrus.Logger) *listener {
	return &listener{
		name:   name,
		fn:     fn,
		queue:  mpmc.NewOverlappedRingBuffer[Event](size),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (l *listener) push(ev Event) {
	overwrites, err := l.queue.EnqueueM(ev)
	if err != nil {
		l.logger.WithError(err).WithField("listener", l.name).Error("Failed to enqueue session event")
		return
	}
	if overwrites > 0 {
		if l.dropped.Add(int64(overwrites)) == int64(overwrites) {
			l.logger.WithField("listener", l.name).Warn("Listener is too slow, dropping oldest events")
		}
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain()
		case <-l.stop:
			l.drain()
			return
		}
	}
}

func (l *listener) drain() {
	for !l.queue.IsEmpty() {
		ev, err := l.queue.Dequeue()
		if err != nil {
			return
		}
		l.deliver(ev)
	}
}

func (l *listener) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"listener": l.name,
				"panic":    fmt.Sprint(r),
			}).Error("Session listener panicked")
		}
	}()
	l.fn(ev)
}

// close flushes queued events and waits for the listener goroutine to exit.
func (l *listener) close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}
