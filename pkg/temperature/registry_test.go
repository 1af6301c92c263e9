// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"path/filepath"
	"strings"
	"testing"

	"thermal-host/pkg/config"
	"thermal-host/pkg/errors"
	"thermal-host/pkg/reactor"
)

// testHost carries the process fault latch for wait loops.
type testHost struct {
	shutdown bool
}

func (h *testHost) IsShutdown() bool {
	return h.shutdown
}

const registryTestConfig = `
[extruder]
sensor_type: test
min_temp: 0
max_temp: 300
max_set_temp: 290
control: pid
pid_kp: 25.5
pid_ki: 1.2
pid_kd: 100.0

[heater_bed]
sensor_type: test
min_temp: 0
max_temp: 130
control: watermark
max_delta: 2.0
`

type registryHarness struct {
	reg     *Registry
	host    *testHost
	cfg     *config.Config
	sensors map[string]*testSensor
	pwms    map[string]*testPWM
}

func newRegistryHarness(t *testing.T) *registryHarness {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(registryTestConfig))
	if err != nil {
		t.Fatal(err)
	}
	store, err := config.LoadAutosave(filepath.Join(t.TempDir(), "variables.cfg"))
	if err != nil {
		t.Fatal(err)
	}
	host := &testHost{}
	h := &registryHarness{
		reg:     NewRegistry(reactor.New(), host, store, testLogger()),
		host:    host,
		cfg:     cfg,
		sensors: make(map[string]*testSensor),
		pwms:    make(map[string]*testPWM),
	}
	h.reg.RegisterSensorFactory("test", func(sec *config.Section) (Sensor, error) {
		s := newTestSensor()
		h.sensors[sec.Name()] = s
		return s, nil
	})
	return h
}

func (h *registryHarness) setupHeater(t *testing.T, section, gcodeID string) *Heater {
	t.Helper()
	sec, err := h.cfg.GetSection(section)
	if err != nil {
		t.Fatal(err)
	}
	pwm := &testPWM{}
	h.pwms[section] = pwm
	heater, err := h.reg.SetupHeater(h.cfg, sec, pwm, gcodeID)
	if err != nil {
		t.Fatalf("SetupHeater(%s): %v", section, err)
	}
	return heater
}

// TestSetupHeaterDuplicate verifies a second registration of the same
// heater name is rejected.
func TestSetupHeaterDuplicate(t *testing.T) {
	h := newRegistryHarness(t)
	h.setupHeater(t, "extruder", "T0")

	sec, _ := h.cfg.GetSection("extruder")
	_, err := h.reg.SetupHeater(h.cfg, sec, &testPWM{}, "T0")
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("duplicate registration err = %v", err)
	}
}

// TestLookupUnknown verifies lookups of unregistered names carry the
// unknown entity code.
func TestLookupUnknown(t *testing.T) {
	h := newRegistryHarness(t)
	if _, err := h.reg.LookupHeater("chamber"); !errors.IsCode(err, errors.ErrUnknownEntity) {
		t.Errorf("LookupHeater err = %v", err)
	}
	if _, err := h.reg.LookupSensor("chamber"); !errors.IsCode(err, errors.ErrUnknownEntity) {
		t.Errorf("LookupSensor err = %v", err)
	}
}

// TestAvailableLists verifies heaters land in the sorted name lists.
func TestAvailableLists(t *testing.T) {
	h := newRegistryHarness(t)
	h.setupHeater(t, "heater_bed", "B")
	h.setupHeater(t, "extruder", "T0")

	heaters := h.reg.AvailableHeaters()
	if len(heaters) != 2 || heaters[0] != "extruder" || heaters[1] != "heater_bed" {
		t.Errorf("available heaters = %v", heaters)
	}
	sensors := h.reg.AvailableSensors()
	if len(sensors) != 2 {
		t.Errorf("available sensors = %v", sensors)
	}
}

// TestTurnOffAllHeaters verifies every target resets to zero.
func TestTurnOffAllHeaters(t *testing.T) {
	h := newRegistryHarness(t)
	extruder := h.setupHeater(t, "extruder", "T0")
	bed := h.setupHeater(t, "heater_bed", "B")

	if err := extruder.SetTemp(200); err != nil {
		t.Fatal(err)
	}
	if err := bed.SetTemp(60); err != nil {
		t.Fatal(err)
	}
	h.reg.TurnOffAllHeaters()
	if _, target := extruder.GetTemp(0); target != 0 {
		t.Errorf("extruder target = %v", target)
	}
	if _, target := bed.GetTemp(0); target != 0 {
		t.Errorf("bed target = %v", target)
	}
}

// TestReportFormat verifies the temperature report line: sorted sensor
// ids with current and target, or "T:0" with nothing registered.
func TestReportFormat(t *testing.T) {
	h := newRegistryHarness(t)
	if got := h.reg.Report(0); got != "T:0" {
		t.Fatalf("empty report = %q", got)
	}

	extruder := h.setupHeater(t, "extruder", "T0")
	h.setupHeater(t, "heater_bed", "B")
	if err := extruder.SetTemp(210); err != nil {
		t.Fatal(err)
	}
	h.sensors["extruder"].Emit(5.0, 190.5)
	h.sensors["heater_bed"].Emit(5.0, 60.0)

	got := h.reg.Report(5.5)
	want := "B:60.0 /0.0 T0:190.5 /210.0 extruder:190.5 /210.0 heater_bed:60.0 /0.0"
	if got != want {
		t.Errorf("report = %q, want %q", got, want)
	}
}

// TestWaitForTemperatureSettled verifies the wait returns immediately
// for a settled heater and aborts under a latched host fault.
func TestWaitForTemperatureSettled(t *testing.T) {
	h := newRegistryHarness(t)
	extruder := h.setupHeater(t, "extruder", "T0")

	// Settled: hold the temperature at target until the smoothed
	// derivative decays below the settle slope.
	if err := extruder.SetTemp(200); err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= 40; i++ {
		h.sensors["extruder"].Emit(5.0+0.3*float64(i), 200.0)
	}
	if extruder.CheckBusy(0) {
		t.Fatal("held heater still busy")
	}
	h.reg.WaitForTemperature(extruder, discard)

	// Busy heater, but the host fault aborts the wait on entry.
	h.sensors["extruder"].Emit(20.0, 100.0)
	h.host.shutdown = true
	h.reg.WaitForTemperature(extruder, discard)
}

// TestTemperatureWaitBounds verifies the wait returns once the sensor
// reads within the window.
func TestTemperatureWaitBounds(t *testing.T) {
	h := newRegistryHarness(t)
	h.setupHeater(t, "extruder", "T0")
	h.sensors["extruder"].Emit(5.0, 150.0)

	sensor, err := h.reg.LookupSensor("T0")
	if err != nil {
		t.Fatal(err)
	}
	h.reg.TemperatureWait(sensor, 100.0, 200.0, discard)
}

// TestRegistryStats verifies the combined stats line covers every
// heater in name order.
func TestRegistryStats(t *testing.T) {
	h := newRegistryHarness(t)
	extruder := h.setupHeater(t, "extruder", "T0")
	h.setupHeater(t, "heater_bed", "B")
	if err := extruder.SetTemp(200); err != nil {
		t.Fatal(err)
	}

	active, line := h.reg.Stats(0)
	if !active {
		t.Error("active heater not reflected in stats")
	}
	if !strings.HasPrefix(line, "extruder: target=200") ||
		!strings.Contains(line, "heater_bed: target=0") {
		t.Errorf("stats line = %q", line)
	}
}
