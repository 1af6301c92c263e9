// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"thermal-host/pkg/log"
)

// mockHost implements HostInterface for testing.
type mockHost struct {
	state    string
	scripts  []string
	eStopped bool
	failRun  bool
}

func (m *mockHost) ObjectsList() []string {
	return []string{"heaters", "safety", "extruder", "heater_bed"}
}

func (m *mockHost) ObjectStatus(name string, attrs []string) map[string]any {
	var status map[string]any
	switch name {
	case "extruder":
		status = map[string]any{
			"temperature": 200.25,
			"target":      210.0,
			"power":       0.75,
			"pid_profile": "default",
		}
	case "heater_bed":
		status = map[string]any{
			"temperature": 60.0,
			"target":      65.0,
			"power":       1.0,
			"pid_profile": "default",
		}
	default:
		return nil
	}
	return filterAttrs(status, attrs)
}

func (m *mockHost) RunScript(script string, respond func(msg string)) error {
	if m.failRun {
		return fmt.Errorf("script rejected")
	}
	m.scripts = append(m.scripts, script)
	respond("ok")
	return nil
}

func (m *mockHost) TemperatureReport() string {
	return "extruder:200.2 /210.0 heater_bed:60.0 /65.0"
}

func (m *mockHost) EmergencyStop() {
	m.eStopped = true
}

func (m *mockHost) State() string {
	if m.state != "" {
		return m.state
	}
	return "ready"
}

func newTestServer() (*Server, *mockHost) {
	host := &mockHost{}
	logger := log.New("status-test")
	logger.SetWriter(io.Discard)
	return New(Config{Addr: ":7125", Host: host}, logger), host
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("response missing 'result': %v", resp)
	}
	return result
}

func TestServerInfo(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest("GET", "/server/info", nil)
	rec := httptest.NewRecorder()
	s.handleServerInfo(rec, req)

	result := decodeResult(t, rec)
	if result["host_state"] != "ready" {
		t.Errorf("host_state = %v", result["host_state"])
	}
	if result["host_connected"] != true {
		t.Errorf("host_connected = %v", result["host_connected"])
	}
}

func TestHostInfoShutdown(t *testing.T) {
	s, host := newTestServer()
	host.state = "shutdown"

	req := httptest.NewRequest("GET", "/host/info", nil)
	rec := httptest.NewRecorder()
	s.handleHostInfo(rec, req)

	result := decodeResult(t, rec)
	if result["state"] != "shutdown" {
		t.Errorf("state = %v", result["state"])
	}
	if result["state_message"] != "Host is not ready" {
		t.Errorf("state_message = %v", result["state_message"])
	}
}

func TestObjectsList(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest("GET", "/host/objects/list", nil)
	rec := httptest.NewRecorder()
	s.handleObjectsList(rec, req)

	result := decodeResult(t, rec)
	objects, ok := result["objects"].([]any)
	if !ok || len(objects) != 4 {
		t.Fatalf("objects = %v", result["objects"])
	}
}

func TestObjectsQuery(t *testing.T) {
	s, _ := newTestServer()
	body := `{"objects": {"extruder": ["temperature", "target"], "heater_bed": null, "bogus": null}}`
	req := httptest.NewRequest("POST", "/host/objects/query", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.handleObjectsQuery(rec, req)

	result := decodeResult(t, rec)
	status, ok := result["status"].(map[string]any)
	if !ok {
		t.Fatalf("missing status: %v", result)
	}
	extruder, ok := status["extruder"].(map[string]any)
	if !ok {
		t.Fatalf("missing extruder: %v", status)
	}
	// Attribute filter applied.
	if len(extruder) != 2 || extruder["temperature"] != 200.25 {
		t.Errorf("extruder = %v", extruder)
	}
	bed, ok := status["heater_bed"].(map[string]any)
	if !ok || len(bed) != 4 {
		t.Errorf("heater_bed = %v", status["heater_bed"])
	}
	if _, ok := status["bogus"]; ok {
		t.Error("unknown object present in status")
	}
}

func TestObjectsQueryMissingParam(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest("POST", "/host/objects/query", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.handleObjectsQuery(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestScriptEndpoint(t *testing.T) {
	s, host := newTestServer()
	body := `{"script": "SET_HEATER_TEMPERATURE HEATER=extruder TARGET=210"}`
	req := httptest.NewRequest("POST", "/host/script", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.handleScript(rec, req)

	result := decodeResult(t, rec)
	responses, ok := result["responses"].([]any)
	if !ok || len(responses) != 1 || responses[0] != "ok" {
		t.Fatalf("responses = %v", result["responses"])
	}
	if len(host.scripts) != 1 || !strings.Contains(host.scripts[0], "TARGET=210") {
		t.Fatalf("scripts = %v", host.scripts)
	}
}

func TestScriptEndpointError(t *testing.T) {
	s, host := newTestServer()
	host.failRun = true
	body := `{"script": "BOGUS"}`
	req := httptest.NewRequest("POST", "/host/script", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.handleScript(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTemperatureEndpoint(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest("GET", "/host/temperature", nil)
	rec := httptest.NewRecorder()
	s.handleTemperature(rec, req)

	result := decodeResult(t, rec)
	if result["report"] != "extruder:200.2 /210.0 heater_bed:60.0 /65.0" {
		t.Errorf("report = %v", result["report"])
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	s, host := newTestServer()
	req := httptest.NewRequest("POST", "/host/emergency_stop", nil)
	rec := httptest.NewRecorder()
	s.handleEmergencyStop(rec, req)

	decodeResult(t, rec)
	if !host.eStopped {
		t.Fatal("emergency stop not propagated")
	}
}

func TestJSONRPCDispatch(t *testing.T) {
	s, _ := newTestServer()
	body := `{"jsonrpc": "2.0", "method": "host.objects.list", "id": 7}`
	req := httptest.NewRequest("POST", "/jsonrpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.handleJSONRPC(rec, req)

	var resp jsonRPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("rpc error: %v", resp.Error)
	}
	if resp.ID != float64(7) {
		t.Errorf("id = %v", resp.ID)
	}
}

func TestJSONRPCUnknownMethod(t *testing.T) {
	s, _ := newTestServer()
	body := `{"jsonrpc": "2.0", "method": "host.does.not.exist", "id": 1}`
	req := httptest.NewRequest("POST", "/jsonrpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.handleJSONRPC(rec, req)

	var resp jsonRPCResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("error = %v", resp.Error)
	}
}

func TestSubscribeRequiresWebSocket(t *testing.T) {
	s, _ := newTestServer()
	_, err := s.dispatchMethod("host.objects.subscribe",
		map[string]any{"objects": map[string]any{"extruder": nil}}, nil)
	if err == nil {
		t.Fatal("subscribe accepted without a websocket client")
	}
}

func TestBroadcastBuildsSubscribedStatus(t *testing.T) {
	s, _ := newTestServer()
	client := s.newWSClient(nil)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	s.subscriptions[client.id] = map[string][]string{"extruder": {"target"}}
	s.subMu.Unlock()

	s.broadcastStatusUpdates()

	select {
	case msg := <-client.sendCh:
		notif, ok := msg.(map[string]any)
		if !ok || notif["method"] != "notify_status_update" {
			t.Fatalf("message = %v", msg)
		}
		params := notif["params"].([]any)
		status := params[0].(map[string]any)
		extruder := status["extruder"].(map[string]any)
		if len(extruder) != 1 || extruder["target"] != 210.0 {
			t.Fatalf("extruder = %v", extruder)
		}
	default:
		t.Fatal("no notification queued")
	}
}
