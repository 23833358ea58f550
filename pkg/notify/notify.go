// Package notify publishes capture outcomes to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	config "github.com/mpoegel/camtrap/pkg/config"
	pipeline "github.com/mpoegel/camtrap/pkg/pipeline"
	zap "go.uber.org/zap"
)

const (
	queueSize      = 16
	publishTimeout = 2 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

type Notifier struct {
	cfg    config.MQTT
	client mqtt.Client
	logger *zap.Logger
	queue  chan pipeline.Outcome

	// swapped in tests
	publish func(topic string, payload []byte) error
}

func New(cfg config.MQTT, logger *zap.Logger) *Notifier {
	n := &Notifier{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan pipeline.Outcome, queueSize),
	}
	n.publish = n.publishMQTT
	return n
}

// Enabled reports whether a broker is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.Broker != ""
}

// Connect starts the MQTT client. The client keeps reconnecting in the
// background, so a broker that is down at startup is not fatal.
func (n *Notifier) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(n.cfg.Broker)
	opts.SetClientID(n.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		n.logger.Info("mqtt connection established", zap.String("broker", n.cfg.Broker))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.logger.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", n.cfg.Broker), zap.Error(err))
	}

	n.client = mqtt.NewClient(opts)
	n.logger.Info("connecting to mqtt broker", zap.String("broker", n.cfg.Broker))

	token := n.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	case <-time.After(5 * time.Second):
		n.logger.Warn("mqtt broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Notify queues an outcome without blocking. Outcomes are dropped while
// the queue is full.
func (n *Notifier) Notify(out pipeline.Outcome) {
	if out.Skipped {
		return
	}
	select {
	case n.queue <- out:
	default:
		n.logger.Warn("notification queue full, dropping outcome", zap.String("id", out.ID))
	}
}

// Run publishes queued outcomes until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	defer n.disconnect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-n.queue:
			payload, err := Payload(out)
			if err != nil {
				n.logger.Error("failed to encode outcome", zap.Error(err))
				continue
			}
			if err := n.publish(n.cfg.Topic, payload); err != nil {
				n.logger.Warn("failed to publish outcome", zap.String("id", out.ID), zap.Error(err))
				continue
			}
			n.logger.Debug("outcome published", zap.String("topic", n.cfg.Topic), zap.Int("size", len(payload)))
		}
	}
}

func (n *Notifier) publishMQTT(topic string, payload []byte) error {
	if n.client == nil || !n.client.IsConnected() {
		return ErrNotConnected
	}
	token := n.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

func (n *Notifier) disconnect() {
	if n.client != nil && n.client.IsConnected() {
		n.client.Disconnect(250)
		n.logger.Info("mqtt disconnected")
	}
}

func Payload(out pipeline.Outcome) ([]byte, error) {
	return json.Marshal(out.Fields())
}
