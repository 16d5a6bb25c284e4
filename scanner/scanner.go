// Package scanner discovers peripherals that expose the UART service.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bluart/internal/device"
	"github.com/srg/bluart/internal/devicefactory"
	"github.com/srg/bluart/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the peripheral was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type Event struct {
	Type   EventType
	Device Device
}

// Device is what the scanner knows about one peripheral.
type Device struct {
	Address          string    `json:"address"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	Connectable      bool      `json:"connectable"`
	UART             bool      `json:"uart"`
	Services         []string  `json:"services,omitempty"`
	ManufacturerData []byte    `json:"manufacturer_data,omitempty"`
	Vendor           string    `json:"vendor,omitempty"` // company named by the manufacturer data
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Seen             int       `json:"seen"`
}

// DisplayName is the advertised name or a placeholder.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "<unknown>"
	}
	return d.Name
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	AllowDuplicates bool     // report every advertisement, not only the first per address
	All             bool     // include peripherals that do not advertise the UART service
	NamePrefix      string   // case-insensitive local name prefix
	AllowList       []string // addresses to include (empty = all)
	BlockList       []string // addresses to exclude
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		AllowDuplicates: true,
	}
}

// Scanner handles peripheral discovery
type Scanner struct {
	devices *hashmap.Map[string, *entry]
	events  *ringchan.RingChannel[Event]
	logger  *logrus.Logger
	opts    *Options
}

// entry guards one Device against concurrent advertisement callbacks.
type entry struct {
	mu  sync.Mutex
	dev Device
}

// New creates a scanner. Events are buffered; when the consumer falls behind the oldest are dropped.
func New(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		devices: hashmap.New[string, *entry](),
		events:  ringchan.New[Event](100),
		logger:  logger,
	}
}

// Events returns a read-only channel of discovery events. It is closed when Scan returns.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Scan listens for advertisements until opts.Duration elapses or ctx ends, and
// returns the matching peripherals sorted by signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progressCallback ProgressCallback) ([]Device, error) {
	defer s.events.Close()

	if opts == nil {
		opts = DefaultOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	s.opts = opts

	dev, err := devicefactory.ScannerFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"all":      opts.All,
	}).Info("Starting BLE scan...")
	progressCallback("Scanning")

	err = dev.Scan(scanCtx, opts.AllowDuplicates, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		progressCallback("Failed")
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	progressCallback("Processing results")
	devices := s.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")

	// A cancelled parent context is the caller stopping the scan, not a failure.
	if errors.Is(ctx.Err(), context.Canceled) {
		return devices, ctx.Err()
	}
	return devices, nil
}

// Devices returns a snapshot of discovered peripherals, strongest signal first.
func (s *Scanner) Devices() []Device {
	out := make([]Device, 0, s.devices.Len())
	s.devices.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		out = append(out, e.dev)
		e.mu.Unlock()
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	addr := adv.Addr()
	now := time.Now()

	e, existing := s.devices.Get(addr)
	if !existing {
		if !s.include(adv) {
			return
		}
		fresh := &entry{dev: Device{Address: addr, FirstSeen: now}}
		if s.devices.Insert(addr, fresh) {
			e = fresh
		} else {
			// Another advertisement for addr won the insert.
			e, _ = s.devices.Get(addr)
			existing = true
		}
	}

	e.mu.Lock()
	update(&e.dev, adv, now)
	snapshot := e.dev
	e.mu.Unlock()

	ev := Event{Type: EventUpdated, Device: snapshot}
	if !existing {
		ev.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  snapshot.DisplayName(),
			"address": addr,
			"rssi":    snapshot.RSSI,
			"uart":    snapshot.UART,
		}).Info("Discovered new device")
	}
	s.events.Send(ev)
}

func update(d *Device, adv device.Advertisement, now time.Time) {
	if name := adv.LocalName(); name != "" {
		d.Name = name
	}
	d.RSSI = adv.RSSI()
	d.Connectable = adv.Connectable()
	if services := adv.Services(); len(services) > 0 {
		d.Services = services
		d.UART = device.HasUARTService(services)
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		d.ManufacturerData = append([]byte(nil), md...)
		if _, vendor, ok := device.Vendor(md); ok {
			d.Vendor = vendor
		}
	}
	d.LastSeen = now
	d.Seen++
}

// include applies the allow/block/name/service filters to a first advertisement.
func (s *Scanner) include(adv device.Advertisement) bool {
	opts := s.opts
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if opts.NamePrefix != "" && !strings.HasPrefix(strings.ToLower(adv.LocalName()), strings.ToLower(opts.NamePrefix)) {
		return false
	}

	return opts.All || device.HasUARTService(adv.Services())
}
