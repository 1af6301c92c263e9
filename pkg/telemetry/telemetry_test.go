// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"io"
	"testing"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

func testLogger() *log.Logger {
	logger := log.New("telemetry-test")
	logger.SetWriter(io.Discard)
	return logger
}

type staticSource struct {
	snaps []HeaterSnapshot
}

func (s *staticSource) Snapshots() []HeaterSnapshot {
	return s.snaps
}

// fakeMessage implements mqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// TestNewMQTTPublisherDefaults verifies config defaulting and
// validation.
func TestNewMQTTPublisherDefaults(t *testing.T) {
	p, err := NewMQTTPublisher(&staticSource{}, nil,
		MQTTConfig{DeviceID: "printer1"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if p.cfg.BaseTopic != "thermal-host/printer1" {
		t.Errorf("base topic = %q", p.cfg.BaseTopic)
	}
	if p.cfg.ClientID != "thermal-host-printer1" {
		t.Errorf("client id = %q", p.cfg.ClientID)
	}
	if p.cfg.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("broker = %q", p.cfg.BrokerURL)
	}
	if p.cfg.PublishInterval <= 0 {
		t.Error("publish interval not defaulted")
	}

	if _, err := NewMQTTPublisher(&staticSource{}, nil,
		MQTTConfig{}, testLogger()); !errors.IsCode(err, errors.ErrConfig) {
		t.Errorf("missing device id: err = %v", err)
	}
	if _, err := NewMQTTPublisher(&staticSource{}, nil,
		MQTTConfig{DeviceID: "x", QoS: 2}, testLogger()); !errors.IsCode(err, errors.ErrConfig) {
		t.Errorf("qos 2: err = %v", err)
	}
}

// TestSetpointMessage verifies the set topic dispatches to the
// handler.
func TestSetpointMessage(t *testing.T) {
	var gotHeater string
	var gotTarget float64
	p, err := NewMQTTPublisher(&staticSource{},
		func(heater string, target float64) error {
			gotHeater, gotTarget = heater, target
			return nil
		},
		MQTTConfig{DeviceID: "printer1"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	p.onMessage(nil, &fakeMessage{
		topic:   "thermal-host/printer1/set/extruder",
		payload: []byte(`{"value": 210.5}`),
	})
	if gotHeater != "extruder" || gotTarget != 210.5 {
		t.Fatalf("handler got (%q, %v)", gotHeater, gotTarget)
	}

	// Unknown fields and missing value are rejected.
	gotHeater = ""
	p.onMessage(nil, &fakeMessage{
		topic:   "thermal-host/printer1/set/extruder",
		payload: []byte(`{"value": 200, "extra": 1}`),
	})
	p.onMessage(nil, &fakeMessage{
		topic:   "thermal-host/printer1/set/extruder",
		payload: []byte(`{}`),
	})
	if gotHeater != "" {
		t.Fatal("malformed payload reached the handler")
	}

	// Foreign topics are ignored.
	p.onMessage(nil, &fakeMessage{
		topic:   "other/printer1/set/extruder",
		payload: []byte(`{"value": 5}`),
	})
	if gotHeater != "" {
		t.Fatal("foreign topic reached the handler")
	}
}

// TestTopicBuilding verifies trailing slashes collapse.
func TestTopicBuilding(t *testing.T) {
	p, err := NewMQTTPublisher(&staticSource{}, nil,
		MQTTConfig{DeviceID: "p", BaseTopic: "hosts/p/"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := p.topic("heaters"); got != "hosts/p/heaters" {
		t.Errorf("topic = %q", got)
	}
}

// TestDisconnectedRecorderDropsWrites verifies writes are no-ops once
// the recorder is closed.
func TestDisconnectedRecorderDropsWrites(t *testing.T) {
	r := &InfluxRecorder{log: testLogger()}
	if r.IsConnected() {
		t.Fatal("zero-value recorder reports connected")
	}
	// Must not panic with a nil write API.
	r.WriteHeaterMetric("extruder", "temperature", 200)
	r.RecordSnapshots([]HeaterSnapshot{{Name: "extruder", Temperature: 200}})
	r.Close()
}
