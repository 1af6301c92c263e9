// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"strings"
	"testing"

	"thermal-host/pkg/errors"
)

// TestParseCommand verifies command line splitting for KEY=VALUE and
// M-code letter parameters.
func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("SET_HEATER_TEMPERATURE HEATER=extruder TARGET=210.5")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Name != "SET_HEATER_TEMPERATURE" {
		t.Errorf("name = %q", cmd.Name)
	}
	if v, _ := cmd.Get("HEATER"); v != "extruder" {
		t.Errorf("HEATER = %q", v)
	}
	if v, _ := cmd.Float("TARGET"); v != 210.5 {
		t.Errorf("TARGET = %v", v)
	}

	cmd, err = ParseCommand("M109 S215")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := cmd.Float("S"); v != 215 {
		t.Errorf("S = %v", v)
	}

	// Comments strip; an empty remainder is rejected.
	if _, err := ParseCommand("M105 ; report"); err != nil {
		t.Errorf("comment handling: %v", err)
	}
	if _, err := ParseCommand("   ; just a comment"); err == nil {
		t.Error("blank command accepted")
	}
	if _, err := ParseCommand("SET_HEATER_TEMPERATURE extruder"); err == nil {
		t.Error("malformed parameter accepted")
	}
}

// TestCommandParamAccess verifies typed parameter access and errors.
func TestCommandParamAccess(t *testing.T) {
	cmd, err := ParseCommand("PID_PROFILE HEATER=ex LOAD=p LOAD_CLEAN=1 KP=abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cmd.Get("MISSING"); !errors.IsCode(err, errors.ErrCommand) {
		t.Errorf("missing param err = %v", err)
	}
	if flag, err := cmd.Flag("LOAD_CLEAN", false); err != nil || !flag {
		t.Errorf("flag = %v, %v", flag, err)
	}
	if flag, err := cmd.Flag("KEEP_TARGET", false); err != nil || flag {
		t.Errorf("defaulted flag = %v, %v", flag, err)
	}
	if _, _, err := cmd.FloatOpt("KP"); err == nil {
		t.Error("unparsable float accepted")
	}
}

func newDispatcherHarness(t *testing.T) (*registryHarness, *Dispatcher) {
	t.Helper()
	h := newRegistryHarness(t)
	h.setupHeater(t, "extruder", "T0")
	h.setupHeater(t, "heater_bed", "B")
	d := NewDispatcher(h.reg, "extruder", "heater_bed", testLogger())
	return h, d
}

// TestDispatchSetHeaterTemperature verifies the named target command.
func TestDispatchSetHeaterTemperature(t *testing.T) {
	h, d := newDispatcherHarness(t)
	if err := d.Execute("SET_HEATER_TEMPERATURE HEATER=extruder TARGET=150", discard); err != nil {
		t.Fatal(err)
	}
	extruder, _ := h.reg.LookupHeater("extruder")
	if _, target := extruder.GetTemp(0); target != 150 {
		t.Errorf("target = %v, want 150", target)
	}

	err := d.Execute("SET_HEATER_TEMPERATURE HEATER=nope TARGET=150", discard)
	if !errors.IsCode(err, errors.ErrUnknownEntity) {
		t.Errorf("unknown heater err = %v", err)
	}
	err = d.Execute("SET_HEATER_TEMPERATURE HEATER=extruder TARGET=500", discard)
	if !errors.IsCode(err, errors.ErrCommand) {
		t.Errorf("out of range err = %v", err)
	}
}

// TestDispatchMCodes verifies the M-code aliases resolve to the
// extruder and bed heaters.
func TestDispatchMCodes(t *testing.T) {
	h, d := newDispatcherHarness(t)
	if err := d.Execute("M104 S210", discard); err != nil {
		t.Fatal(err)
	}
	extruder, _ := h.reg.LookupHeater("extruder")
	if _, target := extruder.GetTemp(0); target != 210 {
		t.Errorf("extruder target = %v, want 210", target)
	}
	if err := d.Execute("M140 S60", discard); err != nil {
		t.Fatal(err)
	}
	bed, _ := h.reg.LookupHeater("heater_bed")
	if _, target := bed.GetTemp(0); target != 60 {
		t.Errorf("bed target = %v, want 60", target)
	}
}

// TestDispatchM105 verifies the report command responds with the
// combined temperature line.
func TestDispatchM105(t *testing.T) {
	_, d := newDispatcherHarness(t)
	var msgs []string
	if err := d.Execute("M105", func(s string) { msgs = append(msgs, s) }); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "T0:") {
		t.Errorf("M105 response = %v", msgs)
	}
}

// TestDispatchTurnOffHeaters verifies all targets reset.
func TestDispatchTurnOffHeaters(t *testing.T) {
	h, d := newDispatcherHarness(t)
	if err := d.Execute("M104 S210", discard); err != nil {
		t.Fatal(err)
	}
	if err := d.Execute("TURN_OFF_HEATERS", discard); err != nil {
		t.Fatal(err)
	}
	extruder, _ := h.reg.LookupHeater("extruder")
	if _, target := extruder.GetTemp(0); target != 0 {
		t.Errorf("target after turn off = %v", target)
	}
}

// TestDispatchTemperatureWaitValidation verifies the bounds and sensor
// name requirements.
func TestDispatchTemperatureWaitValidation(t *testing.T) {
	_, d := newDispatcherHarness(t)
	err := d.Execute("TEMPERATURE_WAIT SENSOR=extruder", discard)
	if err == nil || !strings.Contains(err.Error(), "MINIMUM or MAXIMUM") {
		t.Errorf("missing bounds err = %v", err)
	}
	err = d.Execute("TEMPERATURE_WAIT SENSOR=nope MINIMUM=50", discard)
	if !errors.IsCode(err, errors.ErrUnknownEntity) {
		t.Errorf("unknown sensor err = %v", err)
	}
}

// TestDispatchSetSmoothTime verifies runtime smoothing changes and the
// optional profile save.
func TestDispatchSetSmoothTime(t *testing.T) {
	h, d := newDispatcherHarness(t)
	extruder, _ := h.reg.LookupHeater("extruder")
	if err := d.Execute("SET_SMOOTH_TIME HEATER=extruder SMOOTH_TIME=2.5", discard); err != nil {
		t.Fatal(err)
	}
	if got := extruder.SmoothTime(); got != 2.5 {
		t.Errorf("smooth time = %v, want 2.5", got)
	}

	err := d.Execute("SET_SMOOTH_TIME HEATER=extruder SMOOTH_TIME=0", discard)
	if !errors.IsCode(err, errors.ErrCommand) {
		t.Errorf("zero smooth time err = %v", err)
	}

	if err := d.Execute(
		"SET_SMOOTH_TIME HEATER=extruder SMOOTH_TIME=3.0 SAVE_TO_PROFILE=1",
		discard); err != nil {
		t.Fatal(err)
	}
	profile := extruder.Control().Profile()
	if profile.SmoothTime == nil || *profile.SmoothTime != 3.0 {
		t.Errorf("profile smooth time = %v", profile.SmoothTime)
	}
}

// TestDispatchPidProfileSyntax verifies the sub-command multiplexing
// and its error cases.
func TestDispatchPidProfileSyntax(t *testing.T) {
	_, d := newDispatcherHarness(t)
	err := d.Execute("PID_PROFILE HEATER=extruder", discard)
	if err == nil || !strings.Contains(err.Error(), "Invalid syntax") {
		t.Errorf("no sub-command err = %v", err)
	}
	err = d.Execute("PID_PROFILE HEATER=extruder LOAD=", discard)
	if err == nil || !strings.Contains(err.Error(), "Profile must be specified") {
		t.Errorf("blank profile err = %v", err)
	}

	var msgs []string
	if err := d.Execute("PID_PROFILE HEATER=extruder GET_VALUES=1",
		func(s string) { msgs = append(msgs, s) }); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "pid_Kp=25.500") {
		t.Errorf("GET_VALUES response = %v", msgs)
	}
}

// TestDispatchColdExtrude verifies the extrude gate override and the
// runtime threshold change.
func TestDispatchColdExtrude(t *testing.T) {
	h, d := newDispatcherHarness(t)
	extruder, _ := h.reg.LookupHeater("extruder")

	var msgs []string
	respond := func(s string) { msgs = append(msgs, s) }
	if err := d.Execute("M302", respond); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "disabled") {
		t.Errorf("state report = %v", msgs)
	}

	if err := d.Execute("M302 P1", discard); err != nil {
		t.Fatal(err)
	}
	if !extruder.ColdExtrude() || !extruder.CanExtrude() {
		t.Error("cold extrude enable not applied")
	}

	if err := d.Execute("COLD_EXTRUDE HEATER=extruder ENABLE=0 MIN_EXTRUDE_TEMP=150", discard); err != nil {
		t.Fatal(err)
	}
	if extruder.ColdExtrude() {
		t.Error("cold extrude disable not applied")
	}
	if got := extruder.MinExtrudeTemp(); got != 150 {
		t.Errorf("min extrude temp = %v, want 150", got)
	}

	err := d.Execute("M302 S500", discard)
	if !errors.IsCode(err, errors.ErrCommand) {
		t.Errorf("out of range threshold err = %v", err)
	}
}

// TestDispatchUnknownCommand verifies unrecognized commands error.
func TestDispatchUnknownCommand(t *testing.T) {
	_, d := newDispatcherHarness(t)
	err := d.Execute("G28", discard)
	if !errors.IsCode(err, errors.ErrCommand) {
		t.Errorf("unknown command err = %v", err)
	}
}
