// Temperature sensor contracts for the thermal host
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
)

const (
	// KelvinToCelsius is the conversion from Kelvin to Celsius
	KelvinToCelsius = -273.15
)

// Callback is invoked by a sensor for every new reading. Sensors call it
// serially at their own cadence; readTime is on the reactor clock.
type Callback func(readTime, temp float64)

// Sensor is the contract the sensing collaborators fulfil. The heater
// never polls a sensor directly except through GetTemp's staleness check.
type Sensor interface {
	// SetupMinMax sets the valid temperature range; readings outside it
	// are a fault in the sensor driver's domain.
	SetupMinMax(minTemp, maxTemp float64) error

	// SetupCallback registers the per-reading callback.
	SetupCallback(cb Callback)

	// GetReportTimeDelta returns the nominal time between readings.
	GetReportTimeDelta() float64

	// GetTemp returns the last reading and target (0 for plain sensors).
	GetTemp(eventtime float64) (current, target float64)

	// Name returns the sensor name.
	Name() string
}

// SensorFactory builds a sensor from its config section.
type SensorFactory func(sec *config.Section) (Sensor, error)

// SensorRegistry maps sensor_type names to factories.
type SensorRegistry struct {
	factories map[string]SensorFactory
}

// NewSensorRegistry creates an empty sensor registry.
func NewSensorRegistry() *SensorRegistry {
	return &SensorRegistry{factories: make(map[string]SensorFactory)}
}

// Register adds a factory for a sensor type.
func (sr *SensorRegistry) Register(sensorType string, factory SensorFactory) {
	sr.factories[sensorType] = factory
}

// Create builds a sensor of the type named by the section's sensor_type.
func (sr *SensorRegistry) Create(sec *config.Section) (Sensor, error) {
	sensorType, err := sec.Get("sensor_type")
	if err != nil {
		return nil, err
	}
	factory, ok := sr.factories[sensorType]
	if !ok {
		return nil, errors.ConfigError(sec.Name(),
			"Unknown temperature sensor '%s'", sensorType).SetOption("sensor_type")
	}
	return factory(sec)
}
