// Package mqtt mirrors UART traffic to an MQTT broker and feeds messages from a
// subscribe topic back into the session.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/bluart/packet"
	"github.com/srg/bluart/pkg/config"
	"github.com/srg/bluart/session"
)

var (
	ErrNoHost       = errors.New("mqtt host is not set")
	ErrNotConnected = errors.New("mqtt is not connected")
)

// Status of the broker connection.
type Status int

const (
	StatusNone Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const (
	listenerName = "mqtt"

	defaultPublishTimeout = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second

	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// SettingsFromConfig converts the config section into bridge settings.
func SettingsFromConfig(c config.MQTTConfig) Settings {
	s := Settings{
		Host:             c.Host,
		Port:             c.Port,
		Username:         c.Username,
		Password:         c.Password,
		ClientID:         c.ClientID,
		KeepAlive:        c.KeepAlive,
		PublishEnabled:   c.PublishEnabled,
		RxTopic:          c.RxTopic,
		RxQoS:            c.RxQoS,
		TxTopic:          c.TxTopic,
		TxQoS:            c.TxQoS,
		SubscribeEnabled: c.SubscribeEnabled,
		SubscribeTopic:   c.SubscribeTopic,
		SubscribeQoS:     c.SubscribeQoS,
		Transmit:         c.SubscribeBehaviour == "transmit",
	}
	return s.normalize()
}

func (s Settings) normalize() Settings {
	if s.Port == 0 {
		s.Port = 1883
	}
	if s.ClientID == "" {
		s.ClientID = fmt.Sprintf("Bluefruit_%d", os.Getpid())
	}
	if s.KeepAlive == 0 {
		s.KeepAlive = 60 * time.Second
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return s
}

// Bridge publishes session packets and forwards subscribed messages.
type Bridge struct {
	settings Settings
	logger   *logrus.Logger
	client   Client
	breaker  *gobreaker.CircuitBreaker[struct{}]

	mu          sync.Mutex
	status      Status
	description string
	sess        *session.Session
}

// New creates a bridge. Nothing is sent until Connect.
func New(settings Settings, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{
		settings: settings.normalize(),
		logger:   logger,
	}
	b.client = ClientFactory(b.settings, ClientHooks{
		OnConnect:        func() { b.setStatus(StatusConnected, "") },
		OnConnectionLost: b.onConnectionLost,
	}, logger)

	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt:" + b.settings.Host,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("MQTT circuit breaker state change")
		},
	})
	return b
}

// Status returns the connection status and, for StatusError, its description.
func (b *Bridge) Status() (Status, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.description
}

func (b *Bridge) setStatus(s Status, description string) {
	b.mu.Lock()
	prev := b.status
	b.status = s
	b.description = description
	b.mu.Unlock()

	if prev != s {
		entry := b.logger.WithFields(logrus.Fields{"broker": b.settings.BrokerURL(), "status": s})
		if description != "" {
			entry = entry.WithField("reason", description)
		}
		entry.Info("MQTT status changed")
	}
}

func (b *Bridge) onConnectionLost(err error) {
	b.logger.WithError(err).Warn("MQTT connection lost")
	b.setStatus(StatusDisconnected, "")
}

// Connect opens the broker connection.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.settings.Host == "" {
		b.setStatus(StatusError, ErrNoHost.Error())
		return ErrNoHost
	}

	b.setStatus(StatusConnecting, "")
	connectCtx, cancel := context.WithTimeout(ctx, b.settings.ConnectTimeout)
	defer cancel()

	if err := b.client.Connect(connectCtx); err != nil {
		desc := Describe(err)
		b.setStatus(StatusError, desc)
		return fmt.Errorf("failed to connect to MQTT broker %s (%s): %w", b.settings.BrokerURL(), desc, err)
	}
	b.setStatus(StatusConnected, "")
	return nil
}

// Attach starts mirroring sess to the broker and, if enabled, subscribes to the send topic.
func (b *Bridge) Attach(ctx context.Context, sess *session.Session) error {
	b.mu.Lock()
	b.sess = sess
	b.mu.Unlock()

	if b.settings.PublishEnabled {
		if err := sess.Subscribe(listenerName, b.HandleEvent); err != nil {
			return err
		}
	}

	if b.settings.SubscribeEnabled && b.settings.SubscribeTopic != "" {
		err := b.client.Subscribe(ctx, b.settings.SubscribeTopic, b.settings.SubscribeQoS, b.onMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", b.settings.SubscribeTopic, err)
		}
		b.logger.WithFields(logrus.Fields{
			"topic":    b.settings.SubscribeTopic,
			"transmit": b.settings.Transmit,
		}).Info("Subscribed to MQTT send topic")
	}
	return nil
}

func (b *Bridge) onMessage(payload []byte) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return
	}

	data := append([]byte(nil), payload...)
	if err := sess.Send(context.Background(), data, session.OriginMQTT); err != nil {
		b.logger.WithError(err).Warn("Failed to forward MQTT message")
	}
}

// HandleEvent publishes one packet. Non UTF-8 payloads are not published, and
// packets that came from MQTT are not echoed back.
func (b *Bridge) HandleEvent(ev session.Event) {
	if ev.Origin == session.OriginMQTT {
		return
	}
	payload := ev.Packet.Payload()
	if !utf8.Valid(payload) {
		b.logger.WithField("bytes", len(payload)).Debug("Skipping MQTT publish of non UTF-8 packet")
		return
	}

	topic, qos := b.settings.RxTopic, b.settings.RxQoS
	if ev.Packet.Mode() == packet.Transmit {
		topic, qos = b.settings.TxTopic, b.settings.TxQoS
	}
	if topic == "" {
		return
	}

	if err := b.Publish(context.Background(), topic, qos, payload); err != nil {
		b.logger.WithError(err).WithField("topic", topic).Debug("MQTT publish failed")
	}
}

// Publish sends payload through the circuit breaker.
func (b *Bridge) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if st, _ := b.Status(); st != StatusConnected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.client.Publish(ctx, topic, qos, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("broker %s circuit open: %w", b.settings.BrokerURL(), err)
		}
		return err
	}
	return nil
}

// Close stops mirroring and disconnects from the broker.
func (b *Bridge) Close() {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.mu.Unlock()
	if sess != nil {
		sess.Unsubscribe(listenerName)
	}

	if st, _ := b.Status(); st == StatusConnected {
		b.setStatus(StatusDisconnecting, "")
		b.client.Disconnect()
	}
	b.setStatus(StatusDisconnected, "")
}
