// Software PWM output on a GPIO line
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package output drives heater hardware through the Linux GPIO
// character device. The kernel line is a plain digital output; the PWM
// duty cycle is generated in software on a reactor timer.
package output

import (
	"sync"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
)

// LineDriver is the minimal contract needed from a GPIO backend.
// Close should be best-effort and leave the line in a safe state.
type LineDriver interface {
	SetValue(value int) error
	Close() error
}

// GPIO implements the heater output contract over a LineDriver. Writes
// from the control loop only update the duty cycle; the phase timer
// does the actual line toggling.
type GPIO struct {
	name    string
	driver  LineDriver
	reactor *reactor.Reactor
	log     *log.Logger

	mu          sync.Mutex
	cycleTime   float64
	maxDuration float64
	value       float64
	phaseHigh   bool
	shutdown    bool
	onFault     func(msg string)

	phase    *reactor.Timer
	watchdog *reactor.Timer
}

// NewGPIO creates a software PWM output over the given line.
func NewGPIO(r *reactor.Reactor, driver LineDriver, name string,
	logger *log.Logger) *GPIO {
	g := &GPIO{
		name:    name,
		driver:  driver,
		reactor: r,
		log:     logger.Child("gpio:" + name),
	}
	g.phase = r.RegisterTimer(g.pwmPhase, reactor.NEVER)
	g.watchdog = r.RegisterTimer(g.expire, reactor.NEVER)
	return g
}

// SetupCycleTime sets the software PWM period.
func (g *GPIO) SetupCycleTime(cycleTime float64) error {
	if cycleTime <= 0 {
		return errors.New(errors.ErrConfig, "pwm cycle time must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cycleTime = cycleTime
	return nil
}

// SetupMaxDuration sets how long a non-zero value may run unrefreshed
// before the output latches off.
func (g *GPIO) SetupMaxDuration(maxDuration float64) error {
	if maxDuration < 0 {
		return errors.New(errors.ErrConfig, "output %s max duration must not be negative", g.name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxDuration = maxDuration
	return nil
}

// SetupFault registers the handler invoked on a line fault or watchdog
// expiry.
func (g *GPIO) SetupFault(fn func(msg string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFault = fn
}

// SetPWM schedules the new duty cycle from pwmTime on.
func (g *GPIO) SetPWM(pwmTime, value float64) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return errors.ShutdownError("output %s is shut down", g.name)
	}
	if g.cycleTime <= 0 {
		g.mu.Unlock()
		return errors.New(errors.ErrConfig, "output %s has no cycle time", g.name)
	}
	g.value = value
	maxDuration := g.maxDuration
	g.mu.Unlock()

	g.reactor.UpdateTimer(g.phase, pwmTime)
	if maxDuration > 0 {
		if value > 0 {
			g.reactor.UpdateTimer(g.watchdog, pwmTime+maxDuration)
		} else {
			g.reactor.UpdateTimer(g.watchdog, reactor.NEVER)
		}
	}
	return nil
}

// EstimatedClock maps an event time to the output clock. The line is
// host-driven, so they are the same.
func (g *GPIO) EstimatedClock(eventtime float64) float64 {
	return eventtime
}

// Close forces the line low and releases it.
func (g *GPIO) Close() error {
	g.reactor.UnregisterTimer(g.phase)
	g.reactor.UnregisterTimer(g.watchdog)
	g.mu.Lock()
	g.shutdown = true
	g.mu.Unlock()
	return g.driver.Close()
}

// pwmPhase is the timer generating the duty cycle on the line.
func (g *GPIO) pwmPhase(eventtime float64) float64 {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return reactor.NEVER
	}
	value := g.value
	cycleTime := g.cycleTime
	high := !g.phaseHigh
	if value <= 0 {
		high = false
	} else if value >= 1 {
		high = true
	}
	g.phaseHigh = high
	g.mu.Unlock()

	level := 0
	if high {
		level = 1
	}
	if err := g.driver.SetValue(level); err != nil {
		g.fault("gpio write failed: " + err.Error())
		return reactor.NEVER
	}

	switch {
	case value <= 0:
		// Line is low; nothing to toggle until the next SetPWM.
		return reactor.NEVER
	case value >= 1:
		return eventtime + cycleTime
	case high:
		return eventtime + cycleTime*value
	default:
		return eventtime + cycleTime*(1-value)
	}
}

func (g *GPIO) expire(eventtime float64) float64 {
	g.mu.Lock()
	if g.shutdown || g.value == 0 {
		g.mu.Unlock()
		return reactor.NEVER
	}
	g.mu.Unlock()
	g.fault("pwm value not refreshed within max duration")
	return reactor.NEVER
}

// fault forces the line low, latches the output and notifies the
// handler.
func (g *GPIO) fault(msg string) {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return
	}
	g.shutdown = true
	g.value = 0
	g.phaseHigh = false
	onFault := g.onFault
	g.mu.Unlock()

	if err := g.driver.SetValue(0); err != nil {
		g.log.Errorf("failed to drive line low: %v", err)
	}
	g.log.Errorf("%s", msg)
	if onFault != nil {
		onFault(msg)
	}
}
