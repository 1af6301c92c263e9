// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package safety

import (
	"io"
	"sync"
	"testing"
	"time"

	"thermal-host/pkg/errors"
	"thermal-host/pkg/log"
	"thermal-host/pkg/reactor"
)

// fakeHeater is a scriptable heater for safety tests.
type fakeHeater struct {
	mu       sync.Mutex
	name     string
	current  float64
	target   float64
	latched  bool
	setTemps []float64
}

func (h *fakeHeater) Name() string {
	return h.name
}

func (h *fakeHeater) GetTemp(eventtime float64) (float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.target
}

func (h *fakeHeater) SetTemp(degrees float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setTemps = append(h.setTemps, degrees)
	h.target = degrees
	return nil
}

func (h *fakeHeater) RaiseShutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latched = true
}

func (h *fakeHeater) set(current, target float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current, h.target = current, target
}

func testLogger() *log.Logger {
	logger := log.New("safety-test")
	logger.SetWriter(io.Discard)
	return logger
}

// TestEmergencyStop verifies the shutdown sequence latches every
// registered heater off and lands in the error state.
func TestEmergencyStop(t *testing.T) {
	m := New(testLogger())
	h1 := &fakeHeater{name: "extruder", target: 210}
	h2 := &fakeHeater{name: "heater_bed", target: 60}
	m.RegisterHeater(h1)
	m.RegisterHeater(h2)

	var gotReason Reason
	m.OnShutdown(func(reason Reason, msg string) { gotReason = reason })

	m.EmergencyStop("M112")
	if m.State() != StateError {
		t.Fatalf("state = %s, want error", m.State())
	}
	if !m.IsShutdown() {
		t.Fatal("IsShutdown false after emergency stop")
	}
	for _, h := range []*fakeHeater{h1, h2} {
		if !h.latched {
			t.Errorf("heater %s not latched", h.name)
		}
		if len(h.setTemps) != 1 || h.setTemps[0] != 0 {
			t.Errorf("heater %s targets = %v, want [0]", h.name, h.setTemps)
		}
	}
	if gotReason != ReasonEmergencyStop {
		t.Errorf("callback reason = %s", gotReason)
	}

	// A second fault does not overwrite the first.
	m.ThermalRunaway("extruder", 400, 210)
	if reason, _, _ := m.ShutdownInfo(); reason != ReasonEmergencyStop {
		t.Errorf("reason after second fault = %s", reason)
	}
}

// TestUserShutdownState verifies an orderly shutdown does not land in
// the error state.
func TestUserShutdownState(t *testing.T) {
	m := New(testLogger())
	m.RequestShutdown("host exiting")
	if m.State() != StateShutdown {
		t.Fatalf("state = %s, want shutdown", m.State())
	}
}

// TestCheckOperational verifies the operational check before and after
// a fault.
func TestCheckOperational(t *testing.T) {
	m := New(testLogger())
	if err := m.CheckOperational(); err != nil {
		t.Fatalf("running host not operational: %v", err)
	}
	m.EmergencyStop("test")
	err := m.CheckOperational()
	if !errors.IsCode(err, errors.ErrShutdown) {
		t.Fatalf("err = %v, want shutdown error", err)
	}
}

// TestReset verifies the latch clears only from a settled shutdown.
func TestReset(t *testing.T) {
	m := New(testLogger())
	if err := m.Reset(); err == nil {
		t.Fatal("reset accepted while running")
	}
	m.EmergencyStop("test")
	if err := m.Reset(); err != nil {
		t.Fatalf("reset after shutdown: %v", err)
	}
	if m.State() != StateRunning || m.IsShutdown() {
		t.Fatal("reset did not restore running state")
	}
}

// TestWatchdogTimeout verifies a missing heartbeat latches a fault.
func TestWatchdogTimeout(t *testing.T) {
	m := New(testLogger())
	m.SetWatchdogTimeout(50 * time.Millisecond)
	m.StartWatchdog()
	defer m.StopWatchdog()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsShutdown() {
			if reason, _, _ := m.ShutdownInfo(); reason != ReasonWatchdogTimeout {
				t.Fatalf("reason = %s", reason)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watchdog did not fire")
}

// TestWatchdogHeartbeat verifies regular heartbeats keep the watchdog
// quiet.
func TestWatchdogHeartbeat(t *testing.T) {
	m := New(testLogger())
	m.SetWatchdogTimeout(time.Minute)
	m.StartWatchdog()
	defer m.StopWatchdog()

	for i := 0; i < 5; i++ {
		m.Heartbeat()
		time.Sleep(10 * time.Millisecond)
	}
	if m.IsShutdown() {
		t.Fatal("watchdog fired despite heartbeats")
	}
}

func newTestVerifier(m *Manager, h Heater, opts VerifierOptions) *Verifier {
	return NewVerifier(reactor.New(), m, h, opts, testLogger())
}

// TestVerifierRunaway verifies a reading past the limit latches a
// thermal runaway.
func TestVerifierRunaway(t *testing.T) {
	m := New(testLogger())
	h := &fakeHeater{name: "extruder", current: 305, target: 210}
	v := newTestVerifier(m, h, VerifierOptions{MaxTemp: 300})

	if next := v.check(0); next != reactor.NEVER {
		t.Fatalf("next = %v, want NEVER", next)
	}
	if reason, _, _ := m.ShutdownInfo(); reason != ReasonThermalRunaway {
		t.Fatalf("reason = %s", reason)
	}
}

// TestVerifierHeatingFailure verifies a heater stuck below target
// latches a heating failure after the gain window, while a heater
// making progress keeps running.
func TestVerifierHeatingFailure(t *testing.T) {
	m := New(testLogger())
	h := &fakeHeater{name: "extruder", current: 50, target: 200}
	v := newTestVerifier(m, h, VerifierOptions{
		MaxTemp:       300,
		HeatingGain:   2.0,
		CheckGainTime: 20.0,
	})

	for ev := 0.0; ev < 20.0; ev++ {
		if next := v.check(ev); next == reactor.NEVER {
			t.Fatalf("fault before deadline at %v", ev)
		}
	}
	v.check(20.0)
	if reason, _, _ := m.ShutdownInfo(); reason != ReasonHeatingFailed {
		t.Fatalf("reason = %s", reason)
	}

	m2 := New(testLogger())
	h2 := &fakeHeater{name: "extruder", current: 50, target: 200}
	v2 := newTestVerifier(m2, h2, VerifierOptions{
		MaxTemp:       300,
		HeatingGain:   2.0,
		CheckGainTime: 20.0,
	})
	for ev := 0.0; ev < 50.0; ev++ {
		h2.set(50.0+ev*2.5, 200)
		if next := v2.check(ev); next == reactor.NEVER {
			t.Fatalf("fault while heating at %v", ev)
		}
	}
	if m2.IsShutdown() {
		t.Fatal("progressing heater latched a fault")
	}
}

// TestVerifierAtTemperature verifies a heater inside the hysteresis
// band never trips progress checks.
func TestVerifierAtTemperature(t *testing.T) {
	m := New(testLogger())
	h := &fakeHeater{name: "extruder", current: 196, target: 200}
	v := newTestVerifier(m, h, VerifierOptions{MaxTemp: 300, Hysteresis: 5.0})

	for ev := 0.0; ev < 100.0; ev++ {
		if next := v.check(ev); next == reactor.NEVER {
			t.Fatalf("fault at temperature at %v", ev)
		}
	}
	if m.IsShutdown() {
		t.Fatal("settled heater latched a fault")
	}
}

// TestVerifierTargetCleared verifies dropping the target to zero
// abandons an in-flight progress window.
func TestVerifierTargetCleared(t *testing.T) {
	m := New(testLogger())
	h := &fakeHeater{name: "extruder", current: 50, target: 200}
	v := newTestVerifier(m, h, VerifierOptions{
		MaxTemp:       300,
		HeatingGain:   2.0,
		CheckGainTime: 20.0,
	})

	v.check(0)
	h.set(50, 0)
	for ev := 1.0; ev < 40.0; ev++ {
		if next := v.check(ev); next == reactor.NEVER {
			t.Fatalf("fault with target cleared at %v", ev)
		}
	}
	if m.IsShutdown() {
		t.Fatal("idle heater latched a fault")
	}
}

// TestShutdownNotifiesAllCallbacks verifies every registered callback
// fires once with the shutdown reason and message.
func TestShutdownNotifiesAllCallbacks(t *testing.T) {
	m := New(testLogger())

	var calls []string
	m.OnShutdown(func(reason Reason, msg string) {
		calls = append(calls, "a:"+string(reason)+":"+msg)
	})
	m.OnShutdown(func(reason Reason, msg string) {
		calls = append(calls, "b:"+string(reason)+":"+msg)
	})

	m.EmergencyStop("operator stop")
	want := []string{
		"a:emergency_stop:operator stop",
		"b:emergency_stop:operator stop",
	}
	if len(calls) != len(want) {
		t.Fatalf("callback calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}
