// Control algorithms for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

// ControlKind identifies a control algorithm in config and profiles.
type ControlKind string

const (
	KindWatermark   ControlKind = "watermark"
	KindPID         ControlKind = "pid"
	KindVelocityPID ControlKind = "pid_v"
)

// Control is the per-sample decision maker driving one heater. The
// heater invokes TemperatureUpdate with its own lock held; the control
// answers by calling back into heater.setPWM exactly once per sample.
type Control interface {
	// TemperatureUpdate consumes one sensor reading and issues the
	// resulting duty decision.
	TemperatureUpdate(readTime, temp, targetTemp float64)

	// CheckBusy reports whether the loop is still settling.
	CheckBusy(eventtime, smoothedTemp, targetTemp float64) bool

	// UpdateSmoothTime re-derives filter constants after the heater's
	// smoothing window changed at runtime. Called with the heater lock
	// held; implementations must not call back into the heater.
	UpdateSmoothTime(smoothTime float64)

	// Profile returns the profile this control was built from.
	Profile() *Profile

	// Kind identifies the algorithm.
	Kind() ControlKind
}

// ControlBangBang is on/off control with hysteresis: full power while
// below target-max_delta, off above target+max_delta, hold in between.
type ControlBangBang struct {
	profile  *Profile
	heater   *Heater
	maxDelta float64
	heating  bool
}

// NewControlBangBang builds a watermark control from a profile.
func NewControlBangBang(profile *Profile, heater *Heater) *ControlBangBang {
	return &ControlBangBang{
		profile:  profile,
		heater:   heater,
		maxDelta: profile.MaxDelta,
	}
}

func (c *ControlBangBang) TemperatureUpdate(readTime, temp, targetTemp float64) {
	if c.heating && temp >= targetTemp+c.maxDelta {
		c.heating = false
	} else if !c.heating && temp <= targetTemp-c.maxDelta {
		c.heating = true
	}
	if c.heating {
		c.heater.setPWM(readTime, c.heater.MaxPower())
	} else {
		c.heater.setPWM(readTime, 0)
	}
}

func (c *ControlBangBang) CheckBusy(eventtime, smoothedTemp, targetTemp float64) bool {
	return smoothedTemp < targetTemp-c.maxDelta
}

func (c *ControlBangBang) UpdateSmoothTime(smoothTime float64) {}

func (c *ControlBangBang) Profile() *Profile {
	return c.profile
}

func (c *ControlBangBang) Kind() ControlKind {
	return KindWatermark
}
