// First-order thermal plant model
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim provides a simulated heater plant with a matching sensor
// and PWM output, used by the daemon when no GPIO hardware is
// configured and by the test benches.
package sim

import (
	"sync"

	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
)

// PlantOptions describe the thermal model of a simulated heater.
type PlantOptions struct {
	// AmbientTemp is the temperature the plant relaxes towards with
	// the heater off.
	AmbientTemp float64
	// HeaterGain is the heating rate in degrees per second at full
	// power.
	HeaterGain float64
	// LossCoefficient couples the plant to ambient; larger values
	// cool faster. Zero disables heat loss entirely.
	LossCoefficient float64
}

// PlantOptionsFromSection reads the model parameters from a heater's
// config section.
func PlantOptionsFromSection(sec *config.Section) (PlantOptions, error) {
	var opts PlantOptions
	var err error
	if opts.AmbientTemp, err = sec.GetFloat("sim_ambient_temp", 25.0); err != nil {
		return opts, err
	}
	if opts.HeaterGain, err = sec.GetFloat("sim_heater_gain", 2.0); err != nil {
		return opts, err
	}
	if opts.LossCoefficient, err = sec.GetFloat("sim_loss_coefficient", 0.05); err != nil {
		return opts, err
	}
	if opts.HeaterGain <= 0 {
		return opts, errors.ConfigError(sec.Name(),
			"sim_heater_gain must be positive").SetOption("sim_heater_gain")
	}
	if opts.LossCoefficient < 0 {
		return opts, errors.ConfigError(sec.Name(),
			"sim_loss_coefficient must not be negative").SetOption("sim_loss_coefficient")
	}
	return opts, nil
}

// Plant integrates a first-order thermal model. Heating is linear in
// the applied power; losses are proportional to the difference from
// ambient.
type Plant struct {
	mu       sync.Mutex
	opts     PlantOptions
	temp     float64
	power    float64
	lastTime float64
	started  bool
}

// NewPlant creates a plant resting at ambient.
func NewPlant(opts PlantOptions) *Plant {
	return &Plant{opts: opts, temp: opts.AmbientTemp}
}

// Advance integrates the model up to now and returns the new
// temperature.
func (p *Plant) Advance(now float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	dt := now - p.lastTime
	if !p.started || dt <= 0 {
		p.started = true
		p.lastTime = now
		return p.temp
	}
	p.lastTime = now
	p.temp += p.power * p.opts.HeaterGain * dt
	factor := p.opts.LossCoefficient * dt
	if factor > 1 {
		factor = 1
	}
	p.temp += (p.opts.AmbientTemp - p.temp) * factor
	return p.temp
}

// SetPower sets the applied heater power in [0, 1].
func (p *Plant) SetPower(value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value < 0 {
		value = 0
	} else if value > 1 {
		value = 1
	}
	p.power = value
}

// Power returns the currently applied power.
func (p *Plant) Power() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}

// Temp returns the current plant temperature without advancing time.
func (p *Plant) Temp() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.temp
}
