package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sirupsen/logrus"
)

// Client is the subset of an MQTT client the bridge uses.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(payload []byte)) error
	Disconnect()
}

// ClientHooks lets the bridge follow the connection state.
type ClientHooks struct {
	OnConnect        func()
	OnConnectionLost func(err error)
}

// ClientFactory creates the MQTT client (can be overridden in tests)
var ClientFactory = func(s Settings, hooks ClientHooks, logger *logrus.Logger) Client {
	return newPahoClient(s, hooks, logger)
}

type pahoClient struct {
	client paho.Client
	logger *logrus.Logger
}

func newPahoClient(s Settings, hooks ClientHooks, logger *logrus.Logger) *pahoClient {
	opts := paho.NewClientOptions()
	opts.AddBroker(s.BrokerURL())
	opts.SetClientID(s.ClientID)
	opts.SetUsername(s.Username)
	opts.SetPassword(s.Password)
	opts.SetKeepAlive(s.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(s.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		if hooks.OnConnect != nil {
			hooks.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if hooks.OnConnectionLost != nil {
			hooks.OnConnectionLost(err)
		}
	})

	return &pahoClient{client: paho.NewClient(opts), logger: logger}
}

func (c *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, c.client.Connect())
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return wait(ctx, c.client.Publish(topic, qos, false, payload))
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler func([]byte)) error {
	return wait(ctx, c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Payload())
	}))
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// wait blocks on a paho token until it completes or ctx ends.
func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Describe turns a broker refusal into the message shown to the user.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return "Proto ver"
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return "Invalid Id"
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return "Invalid Server"
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return "Invalid Credentials"
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return "Authorization Error"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return err.Error()
	}
}

// Settings configures the bridge.
type Settings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	PublishEnabled bool
	RxTopic        string
	RxQoS          byte
	TxTopic        string
	TxQoS          byte

	SubscribeEnabled bool
	SubscribeTopic   string
	SubscribeQoS     byte
	// Transmit forwards subscribed messages to the peripheral instead of only recording them.
	Transmit bool
}

func (s Settings) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", s.Host, s.Port)
}
