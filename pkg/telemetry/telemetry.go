// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package telemetry streams heater state to external consumers: an
// MQTT snapshot publisher with a setpoint command topic, and an
// InfluxDB history recorder.
package telemetry

// HeaterSnapshot is one heater's state at sampling time.
type HeaterSnapshot struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`
	Target      float64 `json:"target"`
	Power       float64 `json:"power"`
	Profile     string  `json:"pid_profile"`
}

// Source supplies heater snapshots. Implementations must be safe for
// concurrent use.
type Source interface {
	Snapshots() []HeaterSnapshot
}

// SetpointHandler applies an externally requested target temperature.
type SetpointHandler func(heater string, target float64) error
