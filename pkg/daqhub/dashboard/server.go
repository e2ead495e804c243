// Package dashboard serves the operator HTTP API and streams telemetry and
// scope sweeps over a WebSocket.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chosenoffset/daqhub/pkg/daqhub"
	"github.com/chosenoffset/daqhub/pkg/daqhub/scope"
)

const (
	maxNameLength       = 100
	defaultTelemetryHz  = 20
	defaultMaxClients   = 100
	writeTimeout        = 10 * time.Second
	pongTimeout         = 60 * time.Second
	pingInterval        = 30 * time.Second
	maxRequestBodyBytes = 1 << 20
)

// Pipeline is the part of the engine the dashboard drives.
type Pipeline interface {
	Registry() *daqhub.Registry
	Scope() *scope.Processor
	Snapshot() *daqhub.SignalSnapshot
	Latest() daqhub.SensorValues
	Layout() map[daqhub.ChannelKind][]string
	Stats() daqhub.EngineStats
	SetButton(name string, value float64)
	Buttons() map[string]float64
	WriteDigital(name string, on bool) error
	WriteAnalog(name string, volts float64) error
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

type Server struct {
	port     int
	server   *http.Server
	upgrader websocket.Upgrader
	pipeline Pipeline
	logger   *slog.Logger

	clients      map[*websocket.Conn]*client
	clientsMutex sync.RWMutex
	maxClients   int

	telemetry chan daqhub.CycleReport
	sweeps    chan scope.Sweep
	limiter   *rate.Limiter
	stop      chan struct{}
	stopOnce  sync.Once

	mutex         sync.RWMutex
	recent        daqhub.CycleReport
	droppedFrames uint64
}

func NewServer(port int, pipeline Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:     port,
		pipeline: pipeline,
		logger:   logger.With("component", "dashboard"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return origin == fmt.Sprintf("http://localhost:%d", port) ||
					origin == fmt.Sprintf("http://127.0.0.1:%d", port)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*websocket.Conn]*client),
		maxClients: defaultMaxClients,
		telemetry:  make(chan daqhub.CycleReport, 100),
		sweeps:     make(chan scope.Sweep, 16),
		limiter:    rate.NewLimiter(rate.Limit(defaultTelemetryHz), 1),
		stop:       make(chan struct{}),
	}
}

// SetTelemetryRate caps how often cycle reports are pushed to clients.
func (s *Server) SetTelemetryRate(hz float64) {
	if hz > 0 {
		s.limiter.SetLimit(rate.Limit(hz))
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)

	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/values", s.handleValues)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/expressions", s.handleExpressions)
	mux.HandleFunc("/api/expressions/validate", s.handleValidate)
	mux.HandleFunc("/api/globals", s.handleGlobals)
	mux.HandleFunc("/api/buttons", s.handleButtons)
	mux.HandleFunc("/api/scope", s.handleScope)
	mux.HandleFunc("/api/outputs", s.handleOutputs)

	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcast()

	s.logger.Info("starting dashboard", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SendSweep queues a sweep for every client. It never blocks.
func (s *Server) SendSweep(sweep scope.Sweep) {
	select {
	case s.sweeps <- sweep:
	default:
		// Drop if channel is full
		s.mutex.Lock()
		s.droppedFrames++
		s.mutex.Unlock()
	}
}

// SendTelemetry records a cycle report and forwards it to clients at most
// at the telemetry rate. It never blocks.
func (s *Server) SendTelemetry(report daqhub.CycleReport) {
	s.mutex.Lock()
	s.recent = report
	s.mutex.Unlock()

	if !s.limiter.Allow() {
		return
	}
	select {
	case s.telemetry <- report:
	default:
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Layout())
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Latest())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.clientsMutex.RLock()
	clients := len(s.clients)
	s.clientsMutex.RUnlock()
	s.mutex.RLock()
	dropped := s.droppedFrames
	s.mutex.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"engine":         s.pipeline.Stats(),
		"clients":        clients,
		"dropped_sweeps": dropped,
	})
}

type expressionView struct {
	daqhub.ExpressionDef
	Telemetry *daqhub.Telemetry `json:"telemetry,omitempty"`
}

func (s *Server) handleExpressions(w http.ResponseWriter, r *http.Request) {
	reg := s.pipeline.Registry()
	switch r.Method {
	case http.MethodGet:
		defs := reg.List()
		telemetry := reg.Telemetry()
		views := make([]expressionView, len(defs))
		for i, def := range defs {
			views[i] = expressionView{ExpressionDef: def}
			if i < len(telemetry) {
				views[i].Telemetry = &telemetry[i]
			}
		}
		writeJSON(w, http.StatusOK, views)

	case http.MethodPut, http.MethodPost:
		var defs []daqhub.ExpressionDef
		if err := decodeBody(w, r, &defs); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON request")
			return
		}
		for _, def := range defs {
			if len(def.Name) > maxNameLength {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("expression name exceeds maximum length of %d characters", maxNameLength))
				return
			}
		}
		if err := reg.Replace(defs); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		s.logger.Info("expressions replaced", "count", len(defs))
		writeJSON(w, http.StatusOK, reg.List())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type validateRequest struct {
	Source string `json:"source"`
}

type validateResponse struct {
	Valid  bool                     `json:"valid"`
	Error  string                   `json:"error,omitempty"`
	Line   int                      `json:"line,omitempty"`
	Column int                      `json:"column,omitempty"`
	Result *daqhub.ValidationResult `json:"result,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req validateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	result, err := s.pipeline.Registry().Validate(ctx, req.Source, s.pipeline.Snapshot())
	if err != nil {
		resp := validateResponse{Error: err.Error()}
		if line, col, ok := daqhub.ErrorPosition(err); ok {
			resp.Line, resp.Column = line, col
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Result: result})
}

func (s *Server) handleGlobals(w http.ResponseWriter, r *http.Request) {
	globals := s.pipeline.Registry().Globals()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, globals.List())
	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			globals.Clear()
			s.logger.Info("static variables cleared")
			writeJSON(w, http.StatusOK, globals.List())
			return
		}
		if !globals.Delete(name) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("static variable %q not found", name))
			return
		}
		writeJSON(w, http.StatusOK, globals.List())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type buttonRequest struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (s *Server) handleButtons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.pipeline.Buttons())
	case http.MethodPost:
		var req buttonRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON request")
			return
		}
		if req.Name == "" || len(req.Name) > maxNameLength {
			writeError(w, http.StatusBadRequest, "button name is required")
			return
		}
		s.pipeline.SetButton(req.Name, req.Value)
		writeJSON(w, http.StatusOK, s.pipeline.Buttons())
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	proc := s.pipeline.Scope()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"config": proc.Config(),
			"window": proc.Window(),
		})
	case http.MethodPost, http.MethodPatch:
		var update scope.Update
		if err := decodeBody(w, r, &update); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON request")
			return
		}
		cfg, err := proc.Configure(update)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"config": cfg,
			"window": proc.Window(),
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type outputRequest struct {
	Kind  string  `json:"kind"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req outputRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON request")
		return
	}

	var err error
	switch daqhub.ChannelKind(strings.ToUpper(req.Kind)) {
	case daqhub.DigitalOut:
		err = s.pipeline.WriteDigital(req.Name, req.Value >= 1)
	case daqhub.AnalogOut:
		err = s.pipeline.WriteAnalog(req.Name, req.Value)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown output kind %q", req.Kind))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("manual write queued", "kind", req.Kind, "name", req.Name, "value", req.Value)
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMutex.RLock()
	clientCount := len(s.clients)
	s.clientsMutex.RUnlock()

	if clientCount >= s.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	s.clientsMutex.Lock()
	s.clients[conn] = c
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, conn)
		s.clientsMutex.Unlock()
	}()

	hello, err := json.Marshal(map[string]any{
		"type": "channels",
		"data": s.pipeline.Layout(),
	})
	if err == nil {
		if err := c.send(hello); err != nil {
			return
		}
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read failed", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return
		}
	}
}

func (s *Server) broadcast() {
	for {
		select {
		case report := <-s.telemetry:
			s.broadcastMessage(report)
		case sweep := <-s.sweeps:
			s.broadcastMessage(sweep)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(message any) {
	s.clientsMutex.RLock()
	if len(s.clients) == 0 {
		s.clientsMutex.RUnlock()
		return
	}
	clientsCopy := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clientsCopy = append(clientsCopy, c)
	}
	s.clientsMutex.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("marshaling broadcast", "error", err)
		return
	}

	var failed []*client
	for _, c := range clientsCopy {
		if err := c.send(data); err != nil {
			c.conn.Close()
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		s.clientsMutex.Lock()
		for _, c := range failed {
			delete(s.clients, c.conn)
		}
		s.clientsMutex.Unlock()
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(map[string]any{
		"status": "ok",
		"data":   data,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("encoding response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error":  msg,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, daqhub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, daqhub.ErrDuplicate):
		return http.StatusConflict
	case daqhub.IsLimitError(err):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}
