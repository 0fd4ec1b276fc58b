// Package api provides the websocket JSON-RPC server through which tools
// query driver state, run M-codes and receive monitor events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"steppermon/pkg/log"
	"steppermon/pkg/report"
	"steppermon/pkg/safety"
	"steppermon/pkg/stepper"
)

// Backend is the machine the server controls.
type Backend interface {
	// Drivers returns a snapshot per driver. With registers set every
	// register is read from the chip.
	Drivers(registers bool) []report.Snapshot

	// Execute runs a newline separated M-code script and returns its
	// output.
	Execute(script string) (string, error)

	// Sensorless enables or disables sensorless homing on one axis.
	Sensorless(a stepper.Axis, on bool) error

	Halt(msg string) error
	Reset() error
	Status() safety.Status
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g. ":7130").
	Addr    string
	Backend Backend
}

// Server serves the JSON-RPC API over HTTP and websocket.
type Server struct {
	backend Backend

	httpServer *http.Server
	addr       string
	mu         sync.Mutex

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
	logger    *log.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{
		backend:   cfg.Backend,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		startTime: time.Now(),
		logger:    log.GetLogger("api"),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/drivers/list", s.handleDriversList)
	mux.HandleFunc("/drivers/status", s.handleDriversStatus)
	mux.HandleFunc("/gcode/script", s.handleGCodeScript)
	mux.HandleFunc("/machine/halt", s.handleHalt)
	mux.HandleFunc("/machine/reset", s.handleReset)
	return corsMiddleware(mux)
}

// SetBackend sets the backend. It must be called before Start when
// Config.Backend was left nil.
func (s *Server) SetBackend(b Backend) {
	s.backend = b
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.running.Store(true)
	s.logger.Info("API server listening on %s", ln.Addr())

	err = s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Addr returns the listen address, resolved once Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stop closes every websocket client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// Publish broadcasts a monitor event to every websocket client. It has
// the stepper.Observer signature and never blocks.
func (s *Server) Publish(ev stepper.Event) {
	s.broadcast("notify_driver_event", []any{ev})
}

// PublishHalt broadcasts a halt. It has the safety.Manager OnHalt
// signature.
func (s *Server) PublishHalt(reason safety.Reason, axis, msg string) {
	s.broadcast("notify_halt", []any{map[string]any{
		"reason":  string(reason),
		"axis":    axis,
		"message": msg,
	}})
}

func (s *Server) broadcast(method string, params any) {
	note := notification{JSONRPC: "2.0", Method: method, Params: params}
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(note)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// REST endpoint handlers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Debug("write response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"error": rpcErrorFor(err)})
}

func (s *Server) writeResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

// decodeBody reads a JSON object body. An empty body yields no params.
func decodeBody(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	if r.Body == nil || r.ContentLength == 0 {
		return params, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, fmt.Errorf("bad request body: %w", err)
	}
	return params, nil
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodServerInfo()
	s.writeResult(w, result, err)
}

func (s *Server) handleDriversList(w http.ResponseWriter, r *http.Request) {
	result, err := s.methodDriversList()
	s.writeResult(w, result, err)
}

func (s *Server) handleDriversStatus(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if axis := r.URL.Query().Get("axis"); axis != "" {
		params["axis"] = axis
	}
	if r.URL.Query().Get("registers") == "true" {
		params["registers"] = true
	}
	result, err := s.methodDriversStatus(params)
	s.writeResult(w, result, err)
}

// postHandler adapts a method taking params to a POST-only endpoint.
func (s *Server) postHandler(w http.ResponseWriter, r *http.Request, method func(map[string]any) (any, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params, err := decodeBody(r)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	result, err := method(params)
	s.writeResult(w, result, err)
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	s.postHandler(w, r, s.methodGCodeScript)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.postHandler(w, r, s.methodHalt)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.postHandler(w, r, func(map[string]any) (any, error) { return s.methodReset() })
}
