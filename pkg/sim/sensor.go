// Simulated temperature sensor
// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"fmt"
	"sync"

	"thermal-host/pkg/config"
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
	"thermal-host/pkg/temperature"
)

const defaultReportTime = 0.300

// Sensor samples a Plant on a reactor timer and feeds the readings to
// the registered callback.
type Sensor struct {
	name        string
	plant       *Plant
	reactor     *reactor.Reactor
	log         *log.Logger
	reportDelta float64

	mu       sync.Mutex
	cb       temperature.Callback
	onFault  func(msg string)
	minTemp  float64
	maxTemp  float64
	lastTemp float64
	timer    *reactor.Timer
}

// NewSensor creates a simulated sensor and starts its sampling timer.
func NewSensor(r *reactor.Reactor, plant *Plant, name string,
	sec *config.Section, logger *log.Logger) *Sensor {
	reportDelta, err := sec.GetFloat("sim_sample_time", defaultReportTime)
	if err != nil || reportDelta <= 0 {
		reportDelta = defaultReportTime
	}
	s := &Sensor{
		name:        name,
		plant:       plant,
		reactor:     r,
		log:         logger.Child("sim:" + name),
		reportDelta: reportDelta,
		minTemp:     temperature.KelvinToCelsius,
		maxTemp:     99999999.9,
	}
	s.timer = r.RegisterTimer(s.sample, reactor.NOW)
	return s
}

// SetupMinMax sets the valid reading range; out of range samples raise
// a sensor fault.
func (s *Sensor) SetupMinMax(minTemp, maxTemp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minTemp, s.maxTemp = minTemp, maxTemp
	return nil
}

// SetupCallback registers the per-reading callback.
func (s *Sensor) SetupCallback(cb temperature.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// SetupFault registers the handler invoked on an out of range reading.
func (s *Sensor) SetupFault(fn func(msg string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFault = fn
}

// GetReportTimeDelta returns the sampling interval.
func (s *Sensor) GetReportTimeDelta() float64 {
	return s.reportDelta
}

// GetTemp returns the last sampled temperature.
func (s *Sensor) GetTemp(eventtime float64) (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTemp, 0
}

// Name returns the sensor name.
func (s *Sensor) Name() string {
	return s.name
}

// Stop unregisters the sampling timer.
func (s *Sensor) Stop() {
	s.reactor.UnregisterTimer(s.timer)
}

func (s *Sensor) sample(eventtime float64) float64 {
	temp := s.plant.Advance(eventtime)

	s.mu.Lock()
	s.lastTemp = temp
	cb := s.cb
	onFault := s.onFault
	minTemp, maxTemp := s.minTemp, s.maxTemp
	s.mu.Unlock()

	if temp < minTemp || temp > maxTemp {
		msg := fmt.Sprintf("%s temperature %.1f outside range of %.1f:%.1f",
			s.name, temp, minTemp, maxTemp)
		s.log.Errorf("%s", msg)
		if onFault != nil {
			onFault(msg)
		}
		return reactor.NEVER
	}
	if cb != nil {
		cb(eventtime, temp)
	}
	return eventtime + s.reportDelta
}
