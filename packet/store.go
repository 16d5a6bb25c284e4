package packet

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStoreFull is returned by Append when a bounded store uses the Reject policy and is at capacity.
var ErrStoreFull = errors.New("packet store is full")

// OverflowPolicy decides what a bounded store does with a packet that does not fit.
type OverflowPolicy uint8

const (
	// EvictOldest drops the oldest packet to make room.
	EvictOldest OverflowPolicy = iota
	// Reject refuses the new packet with ErrStoreFull.
	Reject
)

func (p OverflowPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "evict-oldest"
}

// ParseOverflowPolicy accepts "evict-oldest" (or "evict") and "reject".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "evict", "evict-oldest":
		return EvictOldest, nil
	case "reject":
		return Reject, nil
	default:
		return 0, errors.New("overflow policy must be evict-oldest or reject")
	}
}

// StoreOptions configures a Store. The zero value is an unbounded, caching store.
type StoreOptions struct {
	Capacity     int            // Maximum retained packets (0 = unbounded)
	Overflow     OverflowPolicy // Applied once Capacity is reached
	DisableCache bool           // Count traffic but retain no packets
	Logger       *logrus.Logger
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Packets  int    `json:"packets"`
	RxBytes  uint64 `json:"rx_bytes"`
	TxBytes  uint64 `json:"tx_bytes"`
	Evicted  uint64 `json:"evicted"`
	Rejected uint64 `json:"rejected"`
}

// Store is the ordered packet log of one session.
//
// Appends are expected from a single producer (the session event loop) but the
// store is safe for concurrent use: Snapshot copies under a read lock and never
// observes a half-applied append.
type Store struct {
	mu    sync.RWMutex
	items []Packet
	head  int // index of the oldest retained packet; items[:head] are evicted

	capacity int
	overflow OverflowPolicy
	cache    bool

	rxBytes  uint64
	txBytes  uint64
	evicted  uint64
	rejected uint64

	logger *logrus.Logger
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	capacity := opts.Capacity
	if capacity < 0 {
		capacity = 0
	}
	return &Store{
		capacity: capacity,
		overflow: opts.Overflow,
		cache:    !opts.DisableCache,
		logger:   logger,
	}
}

// Append records a new packet. A zero timestamp is replaced with the current time.
// The payload is copied; zero-length payloads are valid.
func (s *Store) Append(mode Mode, payload []byte, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	return s.AppendPacket(New(ts, mode, payload))
}

// AppendPacket records an already built packet.
func (s *Store) AppendPacket(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Mode() {
	case Receive:
		s.rxBytes += uint64(p.Len())
	case Transmit:
		s.txBytes += uint64(p.Len())
	}

	if !s.cache {
		return nil
	}

	if s.capacity > 0 && len(s.items)-s.head >= s.capacity {
		if s.overflow == Reject {
			s.rejected++
			return ErrStoreFull
		}
		s.items[s.head] = Packet{}
		s.head++
		s.evicted++
		if s.evicted == 1 {
			s.logger.WithField("capacity", s.capacity).Warn("Packet store reached capacity, evicting oldest packets")
		}
	}

	// Reclaim the evicted prefix once it dominates the backing array.
	if s.head > 0 && s.head >= len(s.items)/2 {
		n := copy(s.items, s.items[s.head:])
		clear(s.items[n:])
		s.items = s.items[:n]
		s.head = 0
	}

	s.items = append(s.items, p)
	return nil
}

// Snapshot returns a copy of the retained packets in append order.
// Later appends or clears never affect a returned snapshot.
func (s *Store) Snapshot() []Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Packet, len(s.items)-s.head)
	copy(out, s.items[s.head:])
	return out
}

// Clear drops every retained packet. Traffic counters are kept; see ResetCounters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.head = 0
	s.logger.Debug("Packet store cleared")
}

// Len reports the number of retained packets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items) - s.head
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Packets:  len(s.items) - s.head,
		RxBytes:  s.rxBytes,
		TxBytes:  s.txBytes,
		Evicted:  s.evicted,
		Rejected: s.rejected,
	}
}

// ResetCounters zeroes the RX/TX byte counters.
func (s *Store) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxBytes = 0
	s.txBytes = 0
}

// CacheEnabled reports whether packets are retained.
func (s *Store) CacheEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache
}

// SetCacheEnabled toggles packet retention. Disabling it drops retained packets.
func (s *Store) SetCacheEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = enabled
	if !enabled {
		s.items = nil
		s.head = 0
	}
}
