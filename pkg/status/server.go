// Copyright (C) 2026  Thermal Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package status exposes the thermal host over HTTP and WebSocket.
// Clients query heater objects, run command scripts and subscribe to
// periodic status notifications.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"thermal-host/pkg/log"
)

// HostInterface is what the server needs from the thermal host.
type HostInterface interface {
	// ObjectsList returns the queryable object names.
	ObjectsList() []string

	// ObjectStatus returns an object's status map. A nil attrs slice
	// means all attributes; an unknown object returns nil.
	ObjectStatus(name string, attrs []string) map[string]any

	// RunScript executes command lines separated by newlines.
	RunScript(script string, respond func(msg string)) error

	// TemperatureReport returns the aggregate temperature line.
	TemperatureReport() string

	// EmergencyStop shuts the host down.
	EmergencyStop()

	// State returns one of "ready", "shutdown", "error".
	State() string
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string
	Host HostInterface
}

// Server serves the status API.
type Server struct {
	host HostInterface
	log  *log.Logger

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	running   atomic.Bool
	startTime time.Time
}

// New creates a status server.
func New(cfg Config, logger *log.Logger) *Server {
	s := &Server{
		host:          cfg.Host,
		log:           logger.Child("status"),
		addr:          cfg.Addr,
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		startTime:     time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Start runs the HTTP server. Blocks until Stop or a listen error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/host/info", s.handleHostInfo)
	mux.HandleFunc("/host/objects/list", s.handleObjectsList)
	mux.HandleFunc("/host/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/host/script", s.handleScript)
	mux.HandleFunc("/host/temperature", s.handleTemperature)
	mux.HandleFunc("/host/emergency_stop", s.handleEmergencyStop)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.corsMiddleware(mux),
	}
	s.running.Store(true)
	s.log.Infof("status server listening on %s", s.addr)

	go s.statusBroadcastLoop()

	return s.httpServer.ListenAndServe()
}

// Stop closes the server and all client connections.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPCError(w, nil, -32700, "Parse error")
		return
	}
	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, -32000, err.Error())
		return
	}
	s.writeJSONRPCResult(w, req.ID, result)
}

func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "host.info":
		return s.methodHostInfo()
	case "host.objects.list":
		return s.methodObjectsList()
	case "host.objects.query":
		return s.methodObjectsQuery(params)
	case "host.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "host.script":
		return s.methodScript(params)
	case "host.temperature":
		return map[string]any{"report": s.host.TemperatureReport()}, nil
	case "host.emergency_stop":
		return s.methodEmergencyStop()
	case "server.connection.identify":
		return s.methodIdentify(params)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) methodServerInfo() (any, error) {
	state := s.host.State()
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"host_connected":  state == "ready",
		"host_state":      state,
		"websocket_count": clients,
		"api_version":     []int{1, 0, 0},
	}, nil
}

func (s *Server) methodHostInfo() (any, error) {
	state := s.host.State()
	message := "Host is ready"
	if state != "ready" {
		message = "Host is not ready"
	}
	return map[string]any{
		"state":         state,
		"state_message": message,
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	return map[string]any{"objects": s.host.ObjectsList()}, nil
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := objectsParam(params)
	if err != nil {
		return nil, err
	}
	result := make(map[string]any)
	for objName, attrs := range objects {
		if status := s.host.ObjectStatus(objName, attrs); status != nil {
			result[objName] = status
		}
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    result,
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires a WebSocket connection")
	}
	objects, err := objectsParam(params)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.subMu.Unlock()

	return s.methodObjectsQuery(params)
}

func (s *Server) methodScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	var responses []string
	err := s.host.RunScript(script, func(msg string) {
		responses = append(responses, msg)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"responses": responses}, nil
}

func (s *Server) methodEmergencyStop() (any, error) {
	s.log.Warnf("emergency stop requested over API")
	s.host.EmergencyStop()
	return map[string]any{}, nil
}

func (s *Server) methodIdentify(params map[string]any) (any, error) {
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	s.log.Infof("client identified as %s", clientName)
	return map[string]any{
		"connection_id": atomic.LoadInt64(&s.nextWSID),
	}, nil
}

// objectsParam extracts the object->attributes map from request params.
// A null attribute list means all attributes.
func objectsParam(params map[string]any) (map[string][]string, error) {
	raw, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}
	objMap, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}
	objects := make(map[string][]string, len(objMap))
	for objName, attrsVal := range objMap {
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}
		objects[objName] = attrs
	}
	return objects, nil
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodServerInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleHostInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodHostInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodObjectsList()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, err)
		return
	}
	result, err := s.methodObjectsQuery(params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, err)
		return
	}
	result, err := s.methodScript(params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"result": map[string]any{"report": s.host.TemperatureReport()},
	})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodEmergencyStop()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    -32000,
			"message": err.Error(),
		},
	})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// statusBroadcastLoop pushes subscription updates at 4 Hz.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C
		s.broadcastStatusUpdates()
	}
}

func (s *Server) broadcastStatusUpdates() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	eventtime := s.eventtime()
	for clientID, objects := range s.subscriptions {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		status := make(map[string]any)
		for objName, attrs := range objects {
			if objStatus := s.host.ObjectStatus(objName, attrs); objStatus != nil {
				status[objName] = objStatus
			}
		}
		if len(status) == 0 {
			continue
		}
		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{status, eventtime},
		})
	}
}
