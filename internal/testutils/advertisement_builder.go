package testutils

import (
	"context"

	"github.com/srg/bluart/internal/device"
)

// FakeAdvertisement is a plain device.Advertisement.
type FakeAdvertisement struct {
	Name         string
	Address      string
	Signal       int
	IsConnect    bool
	ServiceUUIDs []string
	Manufacturer []byte
}

func (a *FakeAdvertisement) LocalName() string        { return a.Name }
func (a *FakeAdvertisement) Addr() string             { return a.Address }
func (a *FakeAdvertisement) RSSI() int                { return a.Signal }
func (a *FakeAdvertisement) Connectable() bool        { return a.IsConnect }
func (a *FakeAdvertisement) Services() []string       { return a.ServiceUUIDs }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.Manufacturer }

// AdvertisementBuilder builds advertisements with a fluent API.
//
//	testutils.NewAdvertisementBuilder().WithAddress("AA:..").WithName("Bluefruit52").WithUART().Build()
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder starts from a connectable advertisement with no services.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{IsConnect: true}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithUART advertises the Nordic UART service.
func (b *AdvertisementBuilder) WithUART() *AdvertisementBuilder {
	return b.WithServices(device.UARTServiceUUID)
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnect = c
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.Manufacturer = data
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	return &adv
}

// FakeScanningDevice replays advertisements, then waits for ctx like a real scan.
type FakeScanningDevice struct {
	Advertisements []device.Advertisement
	Err            error
}

func (d *FakeScanningDevice) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	if d.Err != nil {
		return d.Err
	}
	for _, adv := range d.Advertisements {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}
