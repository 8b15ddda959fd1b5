package blockingio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the push publisher.
type MQTTConfig struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTPusher publishes push notifications to <prefix>/<target> at QoS 1.
// The mobile push bridge subscribes to that tree.
type MQTTPusher struct {
	log    zerolog.Logger
	client mqtt.Client
	prefix string
}

// DialMQTT connects to the broker. The client reconnects on its own.
func DialMQTT(log zerolog.Logger, cfg MQTTConfig) (*MQTTPusher, error) {
	log = log.With().Str("component", "push").Logger()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	}

	client := mqtt.NewClient(opts)
	if tk := client.Connect(); tk.WaitTimeout(10*time.Second) && tk.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tk.Error())
	}
	return &MQTTPusher{log: log, client: client, prefix: cfg.TopicPrefix}, nil
}

// pushTopic builds the topic of a push target. Wildcards in the target are
// not allowed to leak into a publish topic.
func pushTopic(prefix, target string) (string, error) {
	if target == "" || strings.ContainsAny(target, "+#") {
		return "", fmt.Errorf("invalid push target %q", target)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return target, nil
	}
	return prefix + "/" + target, nil
}

// Push publishes body and waits for the broker acknowledgement.
func (p *MQTTPusher) Push(ctx context.Context, target, body string) error {
	topic, err := pushTopic(p.prefix, target)
	if err != nil {
		return err
	}
	tk := p.client.Publish(topic, 1, false, body)
	select {
	case <-tk.Done():
		if err := tk.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("mqtt publish %s: not acknowledged", topic), ctx.Err())
	}
}

// Close disconnects, giving in-flight publishes 250ms.
func (p *MQTTPusher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
