// Positional PID control for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import "math"

const (
	// PIDSettleDelta and PIDSettleSlope bound the error and smoothed
	// derivative below which the loop reports settled.
	PIDSettleDelta = 1.0
	PIDSettleSlope = 0.1
)

// ControlPID is positional PID with a trapezoidal integral, derivative
// on measurement with single-pole smoothing, and conditional anti-windup
// while the output saturates.
type ControlPID struct {
	profile *Profile
	heater  *Heater

	kp       float64
	ki       float64
	kd       float64
	maxPower float64

	dt       float64
	smooth   float64
	prevTemp float64
	prevErr  float64
	prevDer  float64
	intSum   float64
}

// NewControlPID builds a PID control from a profile. A clean load seeds
// the derivative filter from ambient; a continuing load carries the
// heater's live smoothed temperature so swapping profiles mid-print does
// not kick the output. A profile without its own smooth_time inherits
// the heater's current window.
func NewControlPID(profile *Profile, heater *Heater, loadClean bool) *ControlPID {
	c := &ControlPID{
		profile:  profile,
		heater:   heater,
		kp:       profile.Kp / PIDParamBase,
		ki:       profile.Ki / PIDParamBase,
		kd:       profile.Kd / PIDParamBase,
		maxPower: heater.MaxPower(),
		dt:       heater.PWMDelay(),
	}
	smoothTime := heater.SmoothTime()
	if profile.SmoothTime != nil {
		smoothTime = *profile.SmoothTime
	}
	heater.setInvSmoothTime(1.0 / smoothTime)
	c.smooth = 1.0 + smoothTime/c.dt
	if loadClean {
		c.prevTemp = AmbientTemp
	} else {
		c.prevTemp = heater.SmoothedTemp()
	}
	return c
}

func (c *ControlPID) TemperatureUpdate(readTime, temp, targetTemp float64) {
	// calculate the error
	err := targetTemp - temp
	// calculate the current integral amount using the trapezoidal rule
	ic := (c.prevErr + err) / 2.0 * c.dt
	i := c.intSum + ic
	// calculate the current derivative using a modified moving average,
	// and derivative on measurement, to account for derivative kick
	// when the set point changes
	dc := -(temp - c.prevTemp) / c.dt
	dc = ((c.smooth-1.0)*c.prevDer + dc) / c.smooth
	// calculate the output
	o := c.kp*err + c.ki*i + c.kd*dc
	so := math.Max(0.0, math.Min(c.maxPower, o))

	c.heater.setPWM(readTime, so)
	c.prevTemp = temp
	c.prevDer = dc
	if targetTemp > 0 {
		c.prevErr = err
		if o == so || signOf(o) != signOf(ic) {
			// not saturated, or the increment pulls the output back
			// out of saturation
			c.intSum = i
		}
	} else {
		c.prevErr = 0
		c.intSum = 0
	}
}

func (c *ControlPID) CheckBusy(eventtime, smoothedTemp, targetTemp float64) bool {
	tempDiff := targetTemp - smoothedTemp
	return math.Abs(tempDiff) > PIDSettleDelta ||
		math.Abs(c.prevDer) > PIDSettleSlope
}

func (c *ControlPID) UpdateSmoothTime(smoothTime float64) {
	c.smooth = 1.0 + smoothTime/c.dt
}

func (c *ControlPID) Profile() *Profile {
	return c.profile
}

func (c *ControlPID) Kind() ControlKind {
	return KindPID
}

func signOf(v float64) int {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}
