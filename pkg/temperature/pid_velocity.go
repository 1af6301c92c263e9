// Velocity-form PID control for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import "math"

// ControlVelocityPID is PID in velocity form: each sample produces an
// output increment rather than an absolute output, so saturation needs
// no explicit anti-windup. Both derivatives are taken on measurement to
// avoid derivative kick on set point changes.
type ControlVelocityPID struct {
	profile *Profile
	heater  *Heater

	kp       float64
	ki       float64
	kd       float64
	maxPower float64

	smoothTime float64
	temps      [3]float64
	times      [3]float64
	d1         float64
	d2         float64
	pwm        float64
}

// NewControlVelocityPID builds a velocity PID control from a profile. A
// clean load seeds the sample window from ambient with zero output; a
// continuing load carries the heater's live smoothed temperature and
// last commanded duty so the incremental output resumes where the
// previous control left off.
func NewControlVelocityPID(profile *Profile, heater *Heater, loadClean bool) *ControlVelocityPID {
	c := &ControlVelocityPID{
		profile:  profile,
		heater:   heater,
		kp:       profile.Kp / PIDParamBase,
		ki:       profile.Ki / PIDParamBase,
		kd:       profile.Kd / PIDParamBase,
		maxPower: heater.MaxPower(),
	}
	smoothTime := heater.SmoothTime()
	if profile.SmoothTime != nil {
		smoothTime = *profile.SmoothTime
	}
	heater.setInvSmoothTime(1.0 / smoothTime)
	c.smoothTime = smoothTime
	seed := AmbientTemp
	if !loadClean {
		seed = heater.SmoothedTemp()
		c.pwm = heater.LastPWMValue()
	}
	c.temps = [3]float64{seed, seed, seed}
	return c
}

func (c *ControlVelocityPID) TemperatureUpdate(readTime, temp, targetTemp float64) {
	c.temps[0], c.temps[1], c.temps[2] = c.temps[1], c.temps[2], temp
	c.times[0], c.times[1], c.times[2] = c.times[1], c.times[2], readTime

	timeDiff := c.times[2] - c.times[1]

	// 1st derivative of the measurement: the P part in velocity form
	d1 := c.temps[2] - c.temps[1]

	// accumulated error over the sample: the I part in velocity form
	errTerm := timeDiff * (targetTemp - c.temps[2])

	// 2nd derivative of the measurement: the D part in velocity form
	d2 := (c.temps[2] - 2.0*c.temps[1] + c.temps[0]) / timeDiff

	// modified moving average that handles unevenly spaced samples
	n := math.Max(1.0, c.smoothTime/timeDiff)
	c.d1 = ((n-1.0)*c.d1 + d1) / n
	c.d2 = ((n-1.0)*c.d2 + d2) / n

	p := c.kp * -c.d1
	i := c.ki * errTerm
	d := c.kd * -c.d2

	if targetTemp > 0 {
		c.pwm = math.Max(0.0, math.Min(c.maxPower, c.pwm+p+i+d))
	} else {
		c.pwm = 0
	}
	c.heater.setPWM(readTime, c.pwm)
}

func (c *ControlVelocityPID) CheckBusy(eventtime, smoothedTemp, targetTemp float64) bool {
	tempDiff := targetTemp - smoothedTemp
	return math.Abs(tempDiff) > PIDSettleDelta ||
		math.Abs(c.d1) > PIDSettleSlope
}

func (c *ControlVelocityPID) UpdateSmoothTime(smoothTime float64) {
	c.smoothTime = smoothTime
}

func (c *ControlVelocityPID) Profile() *Profile {
	return c.profile
}

func (c *ControlVelocityPID) Kind() ControlKind {
	return KindVelocityPID
}
