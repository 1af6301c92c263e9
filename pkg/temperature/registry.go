// Heater and sensor registry for the thermal host
//
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"fmt"
	"sort"
	"sync"

	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
)

// Host exposes the process-wide fault state to wait loops.
type Host interface {
	IsShutdown() bool
}

// TempReporter is anything the temperature report can poll. Heaters
// satisfy it; so do bare sensors registered for monitoring only.
type TempReporter interface {
	GetTemp(eventtime float64) (current, target float64)
}

// Registry tracks every heater and reported sensor in the host. Lookups
// far outnumber registrations, so the collections are guarded by a
// read/write lock.
type Registry struct {
	reactor *reactor.Reactor
	host    Host
	log     *log.Logger
	store   *config.Autosave
	factory *SensorRegistry

	mu               sync.RWMutex
	heaters          map[string]*Heater
	reported         map[string]TempReporter
	availableHeaters []string
	availableSensors []string
}

// NewRegistry builds an empty registry bound to the host's reactor and
// profile persistence store.
func NewRegistry(r *reactor.Reactor, host Host, store *config.Autosave,
	logger *log.Logger) *Registry {
	return &Registry{
		reactor:  r,
		host:     host,
		log:      logger,
		store:    store,
		factory:  NewSensorRegistry(),
		heaters:  make(map[string]*Heater),
		reported: make(map[string]TempReporter),
	}
}

// RegisterSensorFactory adds a sensor type constructor.
func (reg *Registry) RegisterSensorFactory(sensorType string, factory SensorFactory) {
	reg.factory.Register(sensorType, factory)
}

// SetupSensor constructs the sensor a config section names.
func (reg *Registry) SetupSensor(sec *config.Section) (Sensor, error) {
	return reg.factory.Create(sec)
}

// SetupHeater builds a heater from its config section, loads its stored
// profiles and registers it under its short name and gcode id. A second
// registration of the same name is rejected.
func (reg *Registry) SetupHeater(cfg *config.Config, sec *config.Section,
	pwm PWMOutput, gcodeID string) (*Heater, error) {
	opts, err := HeaterOptionsFromSection(sec)
	if err != nil {
		return nil, err
	}
	reg.mu.Lock()
	if _, ok := reg.heaters[opts.Name]; ok {
		reg.mu.Unlock()
		return nil, errors.ConfigError(sec.Name(),
			"Heater %s already registered", opts.Name)
	}
	reg.mu.Unlock()

	sensor, err := reg.factory.Create(sec)
	if err != nil {
		return nil, err
	}
	heater, err := NewHeater(opts, sensor, pwm, reg.log.Child(opts.Name))
	if err != nil {
		return nil, err
	}
	if _, err := NewProfileManager(heater, sec, cfg, reg.store,
		reg.log.Child(opts.Name)); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.heaters[opts.Name]; ok {
		return nil, errors.ConfigError(sec.Name(),
			"Heater %s already registered", opts.Name)
	}
	reg.heaters[opts.Name] = heater
	reg.availableHeaters = append(reg.availableHeaters, opts.Name)
	sort.Strings(reg.availableHeaters)
	if gcodeID != "" {
		reg.reported[gcodeID] = heater
	}
	reg.registerReportedLocked(opts.Name, heater)
	return heater, nil
}

// RegisterSensor adds a monitoring-only sensor to the temperature
// report under the given name.
func (reg *Registry) RegisterSensor(name string, sensor TempReporter) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.registerReportedLocked(name, sensor)
}

func (reg *Registry) registerReportedLocked(name string, sensor TempReporter) {
	if _, ok := reg.reported[name]; !ok {
		reg.availableSensors = append(reg.availableSensors, name)
		sort.Strings(reg.availableSensors)
	}
	reg.reported[name] = sensor
}

// LookupHeater returns a registered heater by name.
func (reg *Registry) LookupHeater(name string) (*Heater, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	heater, ok := reg.heaters[name]
	if !ok {
		return nil, errors.UnknownEntity("heater", name)
	}
	return heater, nil
}

// LookupSensor returns any reported sensor by name.
func (reg *Registry) LookupSensor(name string) (TempReporter, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	sensor, ok := reg.reported[name]
	if !ok {
		return nil, errors.UnknownEntity("sensor", name)
	}
	return sensor, nil
}

// AvailableHeaters returns the sorted heater names.
func (reg *Registry) AvailableHeaters() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]string(nil), reg.availableHeaters...)
}

// AvailableSensors returns the sorted reported sensor names.
func (reg *Registry) AvailableSensors() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return append([]string(nil), reg.availableSensors...)
}

// TurnOffAllHeaters zeroes every heater target.
func (reg *Registry) TurnOffAllHeaters() {
	reg.mu.RLock()
	heaters := make([]*Heater, 0, len(reg.heaters))
	for _, h := range reg.heaters {
		heaters = append(heaters, h)
	}
	reg.mu.RUnlock()
	for _, h := range heaters {
		// Targets of 0 are always in range.
		_ = h.SetTemp(0)
	}
}

// Report formats the temperature report line covering every reported
// sensor, sorted by name. With no sensors it reports "T:0".
func (reg *Registry) Report(eventtime float64) string {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.reported))
	for name := range reg.reported {
		names = append(names, name)
	}
	sensors := make([]TempReporter, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sensors = append(sensors, reg.reported[name])
	}
	reg.mu.RUnlock()

	if len(names) == 0 {
		return "T:0"
	}
	out := ""
	for i, name := range names {
		cur, target := sensors[i].GetTemp(eventtime)
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%.1f /%.1f", name, cur, target)
	}
	return out
}

// SetTemperature commands a heater target, optionally blocking until
// the heater settles. The wait emits a report line each second and
// aborts if the host shuts down.
func (reg *Registry) SetTemperature(heater *Heater, temp float64, wait bool,
	respond func(string)) error {
	if err := heater.SetTemp(temp); err != nil {
		return err
	}
	if wait && temp != 0 {
		reg.WaitForTemperature(heater, respond)
	}
	return nil
}

// WaitForTemperature blocks until the heater's control reports settled,
// pausing the reactor between polls.
func (reg *Registry) WaitForTemperature(heater *Heater, respond func(string)) {
	eventtime := reg.reactor.Monotonic()
	for !reg.host.IsShutdown() && heater.CheckBusy(eventtime) {
		respond(reg.Report(eventtime))
		eventtime = reg.reactor.Pause(eventtime + 1.0)
		if reg.reactor.IsEnded() {
			return
		}
	}
}

// TemperatureWait blocks until a reported sensor reads within
// [minTemp, maxTemp], emitting a report line each second.
func (reg *Registry) TemperatureWait(sensor TempReporter, minTemp, maxTemp float64,
	respond func(string)) {
	eventtime := reg.reactor.Monotonic()
	for !reg.host.IsShutdown() {
		temp, _ := sensor.GetTemp(eventtime)
		if temp >= minTemp && temp <= maxTemp {
			return
		}
		respond(reg.Report(eventtime))
		eventtime = reg.reactor.Pause(eventtime + 1.0)
		if reg.reactor.IsEnded() {
			return
		}
	}
}

// Stats returns the activity flag and combined stats line for every
// heater, sorted by name.
func (reg *Registry) Stats(eventtime float64) (bool, string) {
	reg.mu.RLock()
	names := append([]string(nil), reg.availableHeaters...)
	heaters := make([]*Heater, 0, len(names))
	for _, name := range names {
		heaters = append(heaters, reg.heaters[name])
	}
	reg.mu.RUnlock()

	anyActive := false
	out := ""
	for i, h := range heaters {
		active, line := h.Stats(eventtime)
		if active {
			anyActive = true
		}
		if i > 0 {
			out += " "
		}
		out += line
	}
	return anyActive, out
}

// Status returns the registry status map for reporting surfaces.
func (reg *Registry) Status(eventtime float64) map[string]interface{} {
	return map[string]interface{}{
		"available_heaters": reg.AvailableHeaters(),
		"available_sensors": reg.AvailableSensors(),
	}
}
