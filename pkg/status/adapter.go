// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"strings"

	"thermal-host/pkg/reactor"
	"thermal-host/pkg/safety"
	"thermal-host/pkg/temperature"
)

// HostAdapter exposes the thermal host objects to the status server.
type HostAdapter struct {
	reactor    *reactor.Reactor
	registry   *temperature.Registry
	dispatcher *temperature.Dispatcher
	safety     *safety.Manager
}

// NewHostAdapter wires the host components behind the API surface.
func NewHostAdapter(r *reactor.Reactor, registry *temperature.Registry,
	dispatcher *temperature.Dispatcher, manager *safety.Manager) *HostAdapter {
	return &HostAdapter{
		reactor:    r,
		registry:   registry,
		dispatcher: dispatcher,
		safety:     manager,
	}
}

// ObjectsList returns the queryable object names: the heaters plus the
// aggregate objects.
func (a *HostAdapter) ObjectsList() []string {
	names := []string{"heaters", "safety"}
	names = append(names, a.registry.AvailableHeaters()...)
	return names
}

// ObjectStatus resolves an object name to its status map.
func (a *HostAdapter) ObjectStatus(name string, attrs []string) map[string]any {
	var status map[string]any
	switch name {
	case "heaters":
		status = a.registry.Status(a.reactor.Monotonic())
	case "safety":
		status = a.safety.Status()
	default:
		heater, err := a.registry.LookupHeater(name)
		if err != nil {
			return nil
		}
		status = heater.Status(a.reactor.Monotonic())
	}
	return filterAttrs(status, attrs)
}

// RunScript executes newline separated command lines through the
// dispatcher. Execution stops at the first failing line.
func (a *HostAdapter) RunScript(script string, respond func(msg string)) error {
	if err := a.safety.CheckOperational(); err != nil {
		return err
	}
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := a.dispatcher.Execute(line, respond); err != nil {
			return err
		}
	}
	return nil
}

// TemperatureReport returns the aggregate temperature line.
func (a *HostAdapter) TemperatureReport() string {
	return a.registry.Report(a.reactor.Monotonic())
}

// EmergencyStop latches a host shutdown.
func (a *HostAdapter) EmergencyStop() {
	a.safety.EmergencyStop("emergency stop via status API")
}

// State reports the host state for the API.
func (a *HostAdapter) State() string {
	switch a.safety.State() {
	case safety.StateRunning:
		return "ready"
	case safety.StateError:
		return "error"
	default:
		return "shutdown"
	}
}

func filterAttrs(status map[string]any, attrs []string) map[string]any {
	if status == nil || len(attrs) == 0 {
		return status
	}
	filtered := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}
