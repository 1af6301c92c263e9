// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

// MQTTConfig configures the snapshot publisher.
type MQTTConfig struct {
	// Identity
	DeviceID string

	// Connection
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration
}

// MQTTPublisher publishes heater snapshots on an interval and accepts
// setpoint commands on <base>/set/<heater>.
type MQTTPublisher struct {
	source    Source
	setTarget SetpointHandler
	cfg       MQTTConfig
	log       *log.Logger
	client    mqtt.Client
}

// NewMQTTPublisher validates the config and prepares a publisher.
func NewMQTTPublisher(source Source, setTarget SetpointHandler,
	cfg MQTTConfig, logger *log.Logger) (*MQTTPublisher, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New(errors.ErrConfig, "mqtt: device_id is required")
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "thermal-host/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "thermal-host-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New(errors.ErrConfig, "mqtt: qos must be 0 or 1")
	}
	return &MQTTPublisher{
		source:    source,
		setTarget: setTarget,
		cfg:       cfg,
		log:       logger.Child("mqtt"),
	}, nil
}

// Run connects and publishes until the context is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	// Resubscribe on every (re)connect.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := p.topic("set/+")
		token := cl.Subscribe(topic, p.cfg.QoS, p.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Errorf("subscribe %s: %v", topic, err)
		}
	}

	p.client = mqtt.NewClient(opts)
	tok := p.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	var last []HeaterSnapshot
	first := true

	p.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := p.source.Snapshots()
			if first || !reflect.DeepEqual(cur, last) {
				p.publishSnapshot()
				last = cur
				first = false
			}
		}
	}
}

func (p *MQTTPublisher) publishSnapshot() {
	snaps := p.source.Snapshots()
	b, _ := json.Marshal(snaps)
	p.client.Publish(p.topic("heaters"), p.cfg.QoS, p.cfg.RetainSnapshot, b)
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (p *MQTTPublisher) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<heater>
	prefix := p.cfg.BaseTopic + "/set/"
	if !strings.HasPrefix(msg.Topic(), prefix) {
		return
	}
	heater := strings.TrimPrefix(msg.Topic(), prefix)

	target, err := decodeValueStrict[float64](msg.Payload())
	if err != nil {
		p.log.Warnf("bad setpoint payload on %s: %v", msg.Topic(), err)
		return
	}
	if err := p.setTarget(heater, target); err != nil {
		p.log.Warnf("setpoint %s=%.1f rejected: %v", heater, target, err)
	}
}

func (p *MQTTPublisher) topic(suffix string) string {
	return strings.TrimRight(p.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, fmt.Errorf("missing field 'value'")
	}
	return *req.Value, nil
}
