// Simulated PWM output channel
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"sync"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
)

// Output drives a Plant as a PWM channel. A non-zero value must be
// refreshed within the configured max duration or the output latches
// itself off, mirroring the failsafe a hardware channel carries.
type Output struct {
	plant   *Plant
	reactor *reactor.Reactor
	log     *log.Logger

	mu          sync.Mutex
	cycleTime   float64
	maxDuration float64
	lastValue   float64
	shutdown    bool
	watchdog    *reactor.Timer
	onFault     func(msg string)
}

// NewOutput creates a simulated output for the plant.
func NewOutput(r *reactor.Reactor, plant *Plant, name string,
	logger *log.Logger) *Output {
	o := &Output{
		plant:   plant,
		reactor: r,
		log:     logger.Child("sim-out:" + name),
	}
	o.watchdog = r.RegisterTimer(o.expire, reactor.NEVER)
	return o
}

// SetupCycleTime records the PWM cycle time.
func (o *Output) SetupCycleTime(cycleTime float64) error {
	if cycleTime <= 0 {
		return errors.New(errors.ErrConfig, "pwm cycle time must be positive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycleTime = cycleTime
	return nil
}

// SetupMaxDuration sets how long a non-zero value may run unrefreshed.
func (o *Output) SetupMaxDuration(maxDuration float64) error {
	if maxDuration < 0 {
		return errors.New(errors.ErrConfig, "max duration must not be negative")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxDuration = maxDuration
	return nil
}

// SetupFault registers the handler invoked when the watchdog expires.
func (o *Output) SetupFault(fn func(msg string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFault = fn
}

// SetPWM applies the value to the plant at pwmTime.
func (o *Output) SetPWM(pwmTime, value float64) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return errors.ShutdownError("output is shut down")
	}
	o.lastValue = value
	maxDuration := o.maxDuration
	o.mu.Unlock()

	o.plant.SetPower(value)
	if maxDuration > 0 {
		if value > 0 {
			o.reactor.UpdateTimer(o.watchdog, pwmTime+maxDuration)
		} else {
			o.reactor.UpdateTimer(o.watchdog, reactor.NEVER)
		}
	}
	return nil
}

// EstimatedClock maps an event time to the output's notion of time. The
// simulated channel shares the reactor clock directly.
func (o *Output) EstimatedClock(eventtime float64) float64 {
	return eventtime
}

// LastValue returns the most recently applied PWM value.
func (o *Output) LastValue() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastValue
}

func (o *Output) expire(eventtime float64) float64 {
	o.mu.Lock()
	if o.shutdown || o.lastValue == 0 {
		o.mu.Unlock()
		return reactor.NEVER
	}
	o.shutdown = true
	o.lastValue = 0
	onFault := o.onFault
	o.mu.Unlock()

	o.plant.SetPower(0)
	o.log.Errorf("pwm value not refreshed within max duration")
	if onFault != nil {
		onFault("pwm value not refreshed within max duration")
	}
	return reactor.NEVER
}
