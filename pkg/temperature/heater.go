// Heater state and PWM handoff for the thermal host
//
// Tracking of PWM controlled heaters and their temperature control.
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"fmt"
	"math"
	"sync"

	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

const (
	// MaxHeatTime is the output channel safety ceiling: a PWM write is
	// never scheduled further than this past its issue time, and the
	// re-issue deadline keeps the channel's own timeout refreshed.
	MaxHeatTime = 5.0

	// AmbientTemp seeds control filter state on a clean load
	AmbientTemp = 25.0

	// PIDParamBase normalizes 0-255 style config gains
	PIDParamBase = 255.0

	// TempStaleTime is the staleness cutoff for GetTemp, against the
	// output channel's estimated clock
	TempStaleTime = 5.0

	// pwmSuppressDelta is the duty change below which a write may be
	// suppressed inside the re-issue window
	pwmSuppressDelta = 0.05
)

// PWMOutput is the contract of the hardware output collaborator. SetPWM
// accepts a duty cycle in [0,1] scheduled at an absolute clock time.
type PWMOutput interface {
	SetupCycleTime(cycleTime float64) error
	SetupMaxDuration(maxDuration float64) error
	SetPWM(pwmTime, value float64) error

	// EstimatedClock converts a reactor event time to the output
	// channel's estimated clock, used for staleness checks.
	EstimatedClock(eventtime float64) float64
}

// HeaterOptions is the static configuration of one heater.
type HeaterOptions struct {
	Name           string
	MinTemp        float64
	MaxTemp        float64
	MaxSetTemp     float64
	MinExtrudeTemp float64
	MaxPower       float64
	SmoothTime     float64
	PWMCycleTime   float64
}

// HeaterOptionsFromSection reads heater options from a config section,
// applying the standard defaults.
func HeaterOptionsFromSection(sec *config.Section) (HeaterOptions, error) {
	var opts HeaterOptions
	opts.Name = shortName(sec.Name())

	var err error
	if opts.MinTemp, err = sec.GetFloat("min_temp"); err != nil {
		return opts, err
	}
	if opts.MaxTemp, err = sec.GetFloat("max_temp"); err != nil {
		return opts, err
	}
	if opts.MaxSetTemp, err = sec.GetFloat("max_set_temp", opts.MaxTemp); err != nil {
		return opts, err
	}
	if opts.MinExtrudeTemp, err = sec.GetFloat("min_extrude_temp", 170.0); err != nil {
		return opts, err
	}
	if sec.HasOption("min_extrude_temp") &&
		(opts.MinExtrudeTemp < opts.MinTemp || opts.MinExtrudeTemp > opts.MaxTemp) {
		return opts, errors.ConfigError(sec.Name(),
			"min_extrude_temp %.2f must be within [%.2f, %.2f]",
			opts.MinExtrudeTemp, opts.MinTemp, opts.MaxTemp).SetOption("min_extrude_temp")
	}
	if opts.MaxPower, err = sec.GetFloat("max_power", 1.0); err != nil {
		return opts, err
	}
	if opts.SmoothTime, err = sec.GetFloat("smooth_time", 1.0); err != nil {
		return opts, err
	}
	if opts.PWMCycleTime, err = sec.GetFloat("pwm_cycle_time", 0.100); err != nil {
		return opts, err
	}
	return opts, nil
}

// Heater keeps one heated component at its commanded target. All mutable
// temperature/target/pwm state is guarded by a single per-heater lock,
// contended between the sensor callback path and the command path.
type Heater struct {
	name string
	log  *log.Logger

	sensor Sensor
	pwm    PWMOutput

	minTemp          float64
	maxTemp          float64
	maxSetTemp       float64
	minExtrudeTemp   float64
	maxPower         float64
	configSmoothTime float64
	pwmDelay         float64

	mu            sync.Mutex
	smoothTime    float64
	invSmoothTime float64
	lastTemp      float64
	smoothedTemp  float64
	targetTemp    float64
	lastTempTime  float64
	nextPWMTime   float64
	lastPWMValue  float64
	control       Control
	canExtrude    bool
	coldExtrude   bool
	isShutdown    bool

	pmgr *ProfileManager
}

// NewHeater validates the static configuration, binds the sensor and
// output, and returns a heater with no control installed yet; the
// profile manager installs the bootstrap control.
func NewHeater(opts HeaterOptions, sensor Sensor, pwm PWMOutput, logger *log.Logger) (*Heater, error) {
	if opts.MinTemp < KelvinToCelsius {
		return nil, errors.ConfigError(opts.Name,
			"min_temp %.2f is below absolute zero", opts.MinTemp).SetOption("min_temp")
	}
	if opts.MaxTemp <= opts.MinTemp {
		return nil, errors.ConfigError(opts.Name,
			"max_temp %.2f must be above min_temp %.2f", opts.MaxTemp, opts.MinTemp).SetOption("max_temp")
	}
	if opts.MaxSetTemp < opts.MinTemp || opts.MaxSetTemp > opts.MaxTemp {
		return nil, errors.ConfigError(opts.Name,
			"max_set_temp %.2f must be within [%.2f, %.2f]",
			opts.MaxSetTemp, opts.MinTemp, opts.MaxTemp).SetOption("max_set_temp")
	}
	if opts.MaxPower <= 0 || opts.MaxPower > 1 {
		return nil, errors.ConfigError(opts.Name,
			"max_power %.3f must be in (0, 1]", opts.MaxPower).SetOption("max_power")
	}
	if opts.SmoothTime <= 0 {
		return nil, errors.ConfigError(opts.Name,
			"smooth_time must be above 0").SetOption("smooth_time")
	}

	pwmDelay := sensor.GetReportTimeDelta()
	if opts.PWMCycleTime <= 0 || opts.PWMCycleTime > pwmDelay {
		return nil, errors.ConfigError(opts.Name,
			"pwm_cycle_time %.3f must be in (0, %.3f]",
			opts.PWMCycleTime, pwmDelay).SetOption("pwm_cycle_time")
	}

	if err := sensor.SetupMinMax(opts.MinTemp, opts.MaxTemp); err != nil {
		return nil, err
	}
	if err := pwm.SetupCycleTime(opts.PWMCycleTime); err != nil {
		return nil, err
	}
	if err := pwm.SetupMaxDuration(MaxHeatTime); err != nil {
		return nil, err
	}

	h := &Heater{
		name:             opts.Name,
		log:              logger,
		sensor:           sensor,
		pwm:              pwm,
		minTemp:          opts.MinTemp,
		maxTemp:          opts.MaxTemp,
		maxSetTemp:       opts.MaxSetTemp,
		minExtrudeTemp:   opts.MinExtrudeTemp,
		maxPower:         opts.MaxPower,
		configSmoothTime: opts.SmoothTime,
		pwmDelay:         pwmDelay,
		smoothTime:       opts.SmoothTime,
		invSmoothTime:    1.0 / opts.SmoothTime,
		canExtrude:       opts.MinExtrudeTemp <= 0,
	}
	sensor.SetupCallback(h.temperatureCallback)
	return h, nil
}

// Name returns the heater name.
func (h *Heater) Name() string {
	return h.name
}

// PWMDelay returns the delay between a reading and its PWM write.
func (h *Heater) PWMDelay() float64 {
	return h.pwmDelay
}

// MaxPower returns the configured maximum duty cycle.
func (h *Heater) MaxPower() float64 {
	return h.maxPower
}

// ConfigSmoothTime returns the statically configured smooth time.
func (h *Heater) ConfigSmoothTime() float64 {
	return h.configSmoothTime
}

// SmoothTime returns the current smoothing window.
func (h *Heater) SmoothTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.smoothTime
}

// SetSmoothTime changes the smoothing window at runtime and notifies the
// active control so its filters track the new window.
func (h *Heater) SetSmoothTime(smoothTime float64) error {
	if smoothTime <= 0 {
		return errors.CommandError("SMOOTH_TIME must be above 0")
	}
	h.mu.Lock()
	h.smoothTime = smoothTime
	h.invSmoothTime = 1.0 / smoothTime
	if h.control != nil {
		h.control.UpdateSmoothTime(smoothTime)
	}
	h.mu.Unlock()
	return nil
}

// setInvSmoothTime is called by controls constructed from a profile that
// carries its own smooth_time. Caller must not hold the heater lock.
func (h *Heater) setInvSmoothTime(invSmoothTime float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invSmoothTime = invSmoothTime
	h.smoothTime = 1.0 / invSmoothTime
}

// temperatureCallback is invoked by the sensor for each reading. It is
// the hot path: update raw state, run the control law, refresh the
// exponential smoothing and the extrude gate.
func (h *Heater) temperatureCallback(readTime, temp float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeDiff := readTime - h.lastTempTime
	h.lastTemp = temp
	h.lastTempTime = readTime
	if h.control != nil {
		h.control.TemperatureUpdate(readTime, temp, h.targetTemp)
	}
	tempDiff := temp - h.smoothedTemp
	adjTime := math.Min(timeDiff*h.invSmoothTime, 1.0)
	h.smoothedTemp += tempDiff * adjTime
	h.canExtrude = h.smoothedTemp >= h.minExtrudeTemp || h.coldExtrude
}

// setPWM hands a duty decision to the output scheduler. Called by the
// active control with the heater lock held. Near-duplicate writes are
// suppressed inside the re-issue window; the re-issue deadline keeps the
// output channel's safety timeout refreshed before it can elapse.
func (h *Heater) setPWM(readTime, value float64) {
	if h.targetTemp <= 0 || h.isShutdown {
		value = 0
	}
	if (readTime < h.nextPWMTime || h.lastPWMValue == 0) &&
		math.Abs(value-h.lastPWMValue) < pwmSuppressDelta {
		// No significant change in value - can suppress update
		return
	}
	pwmTime := readTime + h.pwmDelay
	h.nextPWMTime = pwmTime + 0.75*MaxHeatTime
	h.lastPWMValue = value
	if err := h.pwm.SetPWM(pwmTime, value); err != nil {
		// A failing output channel is not recoverable per-sample;
		// latch the heater off.
		h.isShutdown = true
		h.log.Errorf("%s: output write failed, latching shutdown: %v", h.name, err)
	}
}

// SetTemp sets the target temperature. Zero always means off; any other
// value must lie within [min_temp, max_set_temp].
func (h *Heater) SetTemp(degrees float64) error {
	if degrees != 0 && (degrees < h.minTemp || degrees > h.maxSetTemp) {
		return errors.CommandError(
			"Requested temperature (%.1f) out of range (%.1f:%.1f)",
			degrees, h.minTemp, h.maxSetTemp)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targetTemp = degrees
	return nil
}

// GetTemp returns the smoothed temperature and target. A reading older
// than the staleness cutoff on the output channel's clock reports 0 so
// callers never act on a dead sensor.
func (h *Heater) GetTemp(eventtime float64) (current, target float64) {
	cutoff := h.pwm.EstimatedClock(eventtime) - TempStaleTime
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastTempTime < cutoff {
		return 0.0, h.targetTemp
	}
	return h.smoothedTemp, h.targetTemp
}

// CheckBusy reports whether the heater is still settling toward target.
func (h *Heater) CheckBusy(eventtime float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.control == nil {
		return false
	}
	return h.control.CheckBusy(eventtime, h.smoothedTemp, h.targetTemp)
}

// SetControl atomically swaps the active control. When keepTarget is
// false the target resets to 0 so the heater cools down while the
// algorithm changes. Returns the previous control.
func (h *Heater) SetControl(control Control, keepTarget bool) Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.control
	h.control = control
	if !keepTarget {
		h.targetTemp = 0
	}
	return old
}

// Control returns the active control.
func (h *Heater) Control() Control {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.control
}

// AlterTarget adjusts the target, clamping nonzero values into the
// heater's absolute bounds. Used by resume flows that restore state.
func (h *Heater) AlterTarget(targetTemp float64) {
	if targetTemp != 0 {
		targetTemp = math.Max(h.minTemp, math.Min(h.maxTemp, targetTemp))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targetTemp = targetTemp
}

// CanExtrude reports whether the heater is hot enough to extrude.
func (h *Heater) CanExtrude() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canExtrude
}

// SetColdExtrude overrides the minimum extrude temperature gate.
func (h *Heater) SetColdExtrude(enable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coldExtrude = enable
	h.canExtrude = h.smoothedTemp >= h.minExtrudeTemp || h.coldExtrude
}

// ColdExtrude reports whether the extrude gate override is active.
func (h *Heater) ColdExtrude() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coldExtrude
}

// MinExtrudeTemp returns the extrude gate threshold.
func (h *Heater) MinExtrudeTemp() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.minExtrudeTemp
}

// SetMinExtrudeTemp changes the extrude gate threshold at runtime.
func (h *Heater) SetMinExtrudeTemp(degrees float64) error {
	if degrees < h.minTemp || degrees > h.maxTemp {
		return errors.CommandError(
			"Requested temperature (%.1f) out of range (%.1f:%.1f)",
			degrees, h.minTemp, h.maxTemp)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minExtrudeTemp = degrees
	h.canExtrude = h.smoothedTemp >= h.minExtrudeTemp || h.coldExtrude
	return nil
}

// RaiseShutdown latches the heater's fatal fault: every later PWM write
// is forced to 0. The latch is never cleared for the process lifetime.
func (h *Heater) RaiseShutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isShutdown = true
}

// IsShutdown reports whether the fatal fault latch is set.
func (h *Heater) IsShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isShutdown
}

// SmoothedTemp returns the current smoothed temperature. Controls use it
// to seed filter state on a continuing load.
func (h *Heater) SmoothedTemp() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.smoothedTemp
}

// LastPWMValue returns the most recent commanded duty cycle.
func (h *Heater) LastPWMValue() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPWMValue
}

// Stats returns an activity flag and a one-line stats summary.
func (h *Heater) Stats(eventtime float64) (isActive bool, stats string) {
	h.mu.Lock()
	targetTemp := h.targetTemp
	lastTemp := h.lastTemp
	lastPWMValue := h.lastPWMValue
	h.mu.Unlock()

	isActive = targetTemp != 0 || lastTemp > 50.0
	stats = fmt.Sprintf("%s: target=%.0f temp=%.1f pwm=%.3f",
		h.name, targetTemp, lastTemp, lastPWMValue)
	return isActive, stats
}

// Status returns the heater status map for reporting surfaces.
func (h *Heater) Status(eventtime float64) map[string]interface{} {
	h.mu.Lock()
	targetTemp := h.targetTemp
	smoothedTemp := h.smoothedTemp
	lastPWMValue := h.lastPWMValue
	control := h.control
	h.mu.Unlock()

	status := map[string]interface{}{
		"temperature": math.Round(smoothedTemp*100) / 100,
		"target":      targetTemp,
		"power":       lastPWMValue,
	}
	if control != nil {
		status["pid_profile"] = control.Profile().Name
	}
	return status
}

// ProfileManager returns the heater's profile manager.
func (h *Heater) ProfileManager() *ProfileManager {
	return h.pmgr
}

func (h *Heater) setProfileManager(pm *ProfileManager) {
	h.pmgr = pm
}

// shortName returns the last space-separated token of a section name, so
// "heater_generic chamber" names the heater "chamber".
func shortName(sectionName string) string {
	name := sectionName
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == ' ' {
			return name[i+1:]
		}
	}
	return name
}
