package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// HealthServer serves GET /healthz while the engine is serving.
type HealthServer struct {
	engine   *Engine
	addr     string
	server   *http.Server
	listener net.Listener
}

// NewHealthServer creates a health server for engine listening on addr.
func NewHealthServer(engine *Engine, addr string) *HealthServer {
	return &HealthServer{engine: engine, addr: addr}
}

// Start binds the listener and serves in the background. Binding errors are
// returned; serve errors after that are logged.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.engine.logError("health_server_error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (h *HealthServer) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Store    string `json:"store"`
	Serving  bool   `json:"serving"`
	Agents   int    `json:"agents"`
	Timers   int    `json:"timers"`
	Pending  int    `json:"pending"`
	Error    string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 when the store answers a ping and 503
// otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	e := h.engine
	e.mu.Lock()
	response := HealthResponse{
		Status:   "healthy",
		Instance: e.instance,
		Store:    "connected",
		Serving:  e.serving,
		Agents:   len(e.agents),
		Pending:  len(e.queue),
	}
	e.mu.Unlock()
	response.Timers = e.timers.Active()

	status := http.StatusOK
	if err := e.board.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "disconnected"
		response.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
