package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	derrors "steppermon/pkg/errors"
	"steppermon/pkg/report"
	"steppermon/pkg/stepper"
)

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
	// Kind is the DriverError code when the error carries one.
	Kind string `json:"kind,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type methodNotFound string

func (m methodNotFound) Error() string { return "method not found: " + string(m) }

type invalidParams string

func (p invalidParams) Error() string { return string(p) }

func rpcErrorFor(err error) *jsonRPCError {
	e := &jsonRPCError{Code: codeServerError, Message: err.Error()}
	switch err.(type) {
	case methodNotFound:
		e.Code = codeMethodNotFound
	case invalidParams:
		e.Code = codeInvalidParams
	}
	var de *derrors.DriverError
	if errors.As(err, &de) {
		e.Kind = string(de.Code)
	}
	return e
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}
	s.writeJSON(w, s.call(req))
}

// call runs one request and builds its response.
func (s *Server) call(req jsonRPCRequest) jsonRPCResponse {
	result, err := s.dispatchMethod(req.Method, req.Params)
	if err != nil {
		s.logger.WithField("method", req.Method).WithError(err).Debug("request failed")
		return jsonRPCResponse{JSONRPC: "2.0", Error: rpcErrorFor(err), ID: req.ID}
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (s *Server) dispatchMethod(method string, params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "drivers.list":
		return s.methodDriversList()
	case "drivers.status":
		return s.methodDriversStatus(params)
	case "drivers.sensorless":
		return s.methodSensorless(params)
	case "gcode.script":
		return s.methodGCodeScript(params)
	case "machine.halt":
		return s.methodHalt(params)
	case "machine.reset":
		return s.methodReset()
	default:
		return nil, methodNotFound(method)
	}
}

// Method implementations

func (s *Server) methodServerInfo() (any, error) {
	return map[string]any{
		"state":           s.backend.Status(),
		"drivers":         len(s.backend.Drivers(false)),
		"websocket_count": s.ClientCount(),
		"uptime":          time.Since(s.startTime).Seconds(),
	}, nil
}

type driverEntry struct {
	Axis       string `json:"axis"`
	Model      string `json:"model"`
	Connection string `json:"connection,omitempty"`
}

func (s *Server) methodDriversList() (any, error) {
	snaps := s.backend.Drivers(false)
	out := make([]driverEntry, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, driverEntry{Axis: sn.Axis, Model: sn.Model, Connection: sn.Connection})
	}
	return map[string]any{"drivers": out}, nil
}

func paramAxis(params map[string]any) (stepper.Axis, bool, error) {
	v, ok := params["axis"]
	if !ok {
		return 0, false, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, false, invalidParams("'axis' must be a string")
	}
	a, err := stepper.ParseAxis(str)
	if err != nil {
		return 0, false, derrors.UnknownAxisError(str)
	}
	return a, true, nil
}

func (s *Server) methodDriversStatus(params map[string]any) (any, error) {
	a, filter, err := paramAxis(params)
	if err != nil {
		return nil, err
	}
	registers, _ := params["registers"].(bool)
	snaps := s.backend.Drivers(registers)
	if !filter {
		return map[string]any{"drivers": snaps}, nil
	}
	for _, sn := range snaps {
		if sn.Axis == a.String() {
			return map[string]any{"drivers": []report.Snapshot{sn}}, nil
		}
	}
	return nil, derrors.UnknownAxisError(a.String())
}

func (s *Server) methodSensorless(params map[string]any) (any, error) {
	a, ok, err := paramAxis(params)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidParams("missing 'axis' parameter")
	}
	on, ok := params["enable"].(bool)
	if !ok {
		return nil, invalidParams("missing 'enable' parameter")
	}
	if err := s.backend.Sensorless(a, on); err != nil {
		return nil, err
	}
	return map[string]any{"axis": a.String(), "enabled": on}, nil
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, invalidParams("missing 'script' parameter")
	}
	out, err := s.backend.Execute(script)
	if err != nil {
		return nil, fmt.Errorf("%w (output so far: %q)", err, out)
	}
	return map[string]any{"output": out}, nil
}

func (s *Server) methodHalt(params map[string]any) (any, error) {
	msg, _ := params["reason"].(string)
	if msg == "" {
		msg = "halt requested over API"
	}
	s.logger.WithField("reason", msg).Warn("halt requested")
	if err := s.backend.Halt(msg); err != nil {
		return nil, err
	}
	return s.backend.Status(), nil
}

func (s *Server) methodReset() (any, error) {
	if err := s.backend.Reset(); err != nil {
		return nil, err
	}
	return s.backend.Status(), nil
}
