// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package safety manages the host's fault state: the shutdown latch,
// the main loop watchdog, and per-heater thermal verification. Once a
// fault latches, every heater output is forced off and stays off until
// an explicit reset.
package safety

import (
	"fmt"
	"sync"
	"time"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
)

// State represents the host's fault state.
type State int

const (
	// StateRunning indicates normal operation.
	StateRunning State = iota

	// StateShuttingDown indicates shutdown is in progress.
	StateShuttingDown

	// StateShutdown indicates an orderly shutdown completed.
	StateShutdown

	// StateError indicates a fault-triggered shutdown.
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason describes why the host shut down.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonEmergencyStop   Reason = "emergency_stop"
	ReasonThermalRunaway  Reason = "thermal_runaway"
	ReasonHeatingFailed   Reason = "heating_failed"
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonOutputFault     Reason = "output_fault"
	ReasonUserRequest     Reason = "user_request"
)

// Heater is the slice of a heater the safety manager needs: identity,
// current readings, and the per-heater fault latch.
type Heater interface {
	Name() string
	GetTemp(eventtime float64) (current, target float64)
	SetTemp(degrees float64) error
	RaiseShutdown()
}

// Manager owns the host fault latch. It satisfies the registry's Host
// interface, so wait loops abort as soon as a fault lands.
type Manager struct {
	log *log.Logger

	mu           sync.RWMutex
	state        State
	reason       Reason
	message      string
	shutdownTime time.Time
	heaters      []Heater
	onShutdown   []func(reason Reason, msg string)

	watchdogMu      sync.Mutex
	watchdogStop    chan struct{}
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time
}

// New creates a safety manager in the running state.
func New(logger *log.Logger) *Manager {
	return &Manager{
		log:             logger,
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
	}
}

// RegisterHeater adds a heater to the shutdown sequence.
func (m *Manager) RegisterHeater(h Heater) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heaters = append(m.heaters, h)
}

// OnShutdown registers a callback invoked after the shutdown sequence
// completes.
func (m *Manager) OnShutdown(fn func(reason Reason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// State returns the current fault state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ShutdownInfo returns the latched reason, message and time.
func (m *Manager) ShutdownInfo() (Reason, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason, m.message, m.shutdownTime
}

// IsShutdown reports whether the fault latch is set.
func (m *Manager) IsShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateShutdown || m.state == StateError
}

// CheckOperational returns an error if the host is not running.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return errors.ShutdownError("host is shut down: %s - %s",
			m.reason, m.message)
	}
	return nil
}

// EmergencyStop latches an immediate fault shutdown (M112).
func (m *Manager) EmergencyStop(msg string) {
	m.invokeShutdown(ReasonEmergencyStop, msg)
}

// ThermalRunaway latches a fault for a heater far above its target.
func (m *Manager) ThermalRunaway(heaterName string, currentTemp, targetTemp float64) {
	m.invokeShutdown(ReasonThermalRunaway, fmt.Sprintf(
		"heater %s: temperature %.1f exceeds target %.1f",
		heaterName, currentTemp, targetTemp))
}

// HeatingFailed latches a fault for a heater not approaching target.
func (m *Manager) HeatingFailed(heaterName string, currentTemp, targetTemp float64) {
	m.invokeShutdown(ReasonHeatingFailed, fmt.Sprintf(
		"heater %s: temperature %.1f not rising toward target %.1f",
		heaterName, currentTemp, targetTemp))
}

// OutputFault latches a fault for a failed output channel.
func (m *Manager) OutputFault(heaterName, errMsg string) {
	m.invokeShutdown(ReasonOutputFault, fmt.Sprintf(
		"heater %s: %s", heaterName, errMsg))
}

// RequestShutdown performs an orderly user-requested shutdown.
func (m *Manager) RequestShutdown(msg string) {
	m.invokeShutdown(ReasonUserRequest, msg)
}

func (m *Manager) invokeShutdown(reason Reason, msg string) {
	m.mu.Lock()
	if m.state == StateShutdown || m.state == StateError {
		m.mu.Unlock()
		return
	}
	m.state = StateShuttingDown
	m.reason = reason
	m.message = msg
	m.shutdownTime = time.Now()
	heaters := append([]Heater(nil), m.heaters...)
	m.mu.Unlock()

	m.StopWatchdog()
	m.log.Errorf("shutdown: %s: %s", reason, msg)

	// Heaters first: latch each one off before anything else runs.
	for _, h := range heaters {
		h.RaiseShutdown()
		_ = h.SetTemp(0)
	}

	m.mu.Lock()
	finalState := StateShutdown
	if reason != ReasonUserRequest {
		finalState = StateError
	}
	m.state = finalState
	callbacks := make([]func(Reason, string), len(m.onShutdown))
	copy(callbacks, m.onShutdown)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason, msg)
	}
}

// SetWatchdogTimeout changes the heartbeat deadline. Must be called
// before StartWatchdog.
func (m *Manager) SetWatchdogTimeout(timeout time.Duration) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if timeout > 0 {
		m.watchdogTimeout = timeout
	}
}

// StartWatchdog begins monitoring the main loop heartbeat.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogStop != nil {
		return
	}
	m.watchdogStop = make(chan struct{})
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(m.watchdogStop)
}

// StopWatchdog stops heartbeat monitoring.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogStop != nil {
		close(m.watchdogStop)
		m.watchdogStop = nil
	}
}

// Heartbeat marks the main loop alive. Call regularly while running.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(stop chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			elapsed := time.Since(m.lastHeartbeat)
			timeout := m.watchdogTimeout
			m.watchdogMu.Unlock()
			if elapsed > timeout {
				m.invokeShutdown(ReasonWatchdogTimeout,
					"main loop heartbeat timeout")
				return
			}
		}
	}
}

// Reset clears the fault latch after a shutdown. Rejected while the
// host is running or still shutting down.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning || m.state == StateShuttingDown {
		return errors.CommandError("cannot reset while running or shutting down")
	}
	m.state = StateRunning
	m.reason = ReasonNone
	m.message = ""
	m.shutdownTime = time.Time{}
	return nil
}

// Status returns the fault state map for reporting surfaces.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"state":           m.state.String(),
		"shutdown_reason": string(m.reason),
		"shutdown_msg":    m.message,
		"is_operational":  m.state == StateRunning,
	}
}
