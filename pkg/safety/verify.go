// Heater verification: watch each heater's readings and latch a fault
// when a heater runs away past its limit or stops making progress
// toward its target.
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package safety

import (
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
)

const (
	// verifyInterval is the polling period of one verifier.
	verifyInterval = 1.0

	// defaultHysteresis is how far below target a heater may sit while
	// still counting as "at temperature".
	defaultHysteresis = 5.0

	// defaultHeatingGain is the temperature rise required within each
	// gain window while approaching target.
	defaultHeatingGain = 2.0

	// defaultCheckGainTime is the gain window in seconds.
	defaultCheckGainTime = 20.0
)

// VerifierOptions tunes one heater verifier.
type VerifierOptions struct {
	MaxTemp       float64
	Hysteresis    float64
	HeatingGain   float64
	CheckGainTime float64
}

// Verifier polls one heater once per second on the reactor and latches
// a host fault when the heater misbehaves: a reading past MaxTemp is a
// thermal runaway; failing to gain HeatingGain degrees within
// CheckGainTime while below target-Hysteresis is a heating failure.
type Verifier struct {
	manager *Manager
	heater  Heater
	log     *log.Logger
	opts    VerifierOptions

	timer *reactor.Timer

	approaching  bool
	goalTemp     float64
	goalDeadline float64
	lastTarget   float64
}

// NewVerifier registers a verification timer for a heater. The timer
// starts on the next reactor dispatch.
func NewVerifier(r *reactor.Reactor, manager *Manager, heater Heater,
	opts VerifierOptions, logger *log.Logger) *Verifier {
	if opts.Hysteresis <= 0 {
		opts.Hysteresis = defaultHysteresis
	}
	if opts.HeatingGain <= 0 {
		opts.HeatingGain = defaultHeatingGain
	}
	if opts.CheckGainTime <= 0 {
		opts.CheckGainTime = defaultCheckGainTime
	}
	v := &Verifier{
		manager: manager,
		heater:  heater,
		log:     logger,
		opts:    opts,
	}
	v.timer = r.RegisterTimer(v.check, reactor.NOW)
	return v
}

// check is the timer callback. Returns the next poll time, or NEVER
// once a fault latches.
func (v *Verifier) check(eventtime float64) float64 {
	if v.manager.IsShutdown() {
		return reactor.NEVER
	}
	current, target := v.heater.GetTemp(eventtime)

	if v.opts.MaxTemp > 0 && current > v.opts.MaxTemp {
		v.manager.ThermalRunaway(v.heater.Name(), current, target)
		return reactor.NEVER
	}
	if target <= 0 {
		v.approaching = false
		v.lastTarget = 0
		return eventtime + verifyInterval
	}
	if current >= target-v.opts.Hysteresis {
		// At temperature; progress tracking restarts if it drops out.
		v.approaching = false
		v.lastTarget = target
		return eventtime + verifyInterval
	}
	if !v.approaching || target != v.lastTarget {
		// New heating phase.
		v.approaching = true
		v.lastTarget = target
		v.goalTemp = current + v.opts.HeatingGain
		v.goalDeadline = eventtime + v.opts.CheckGainTime
		return eventtime + verifyInterval
	}
	if current >= v.goalTemp {
		v.goalTemp = current + v.opts.HeatingGain
		v.goalDeadline = eventtime + v.opts.CheckGainTime
		return eventtime + verifyInterval
	}
	if eventtime >= v.goalDeadline {
		v.manager.HeatingFailed(v.heater.Name(), current, target)
		return reactor.NEVER
	}
	return eventtime + verifyInterval
}
