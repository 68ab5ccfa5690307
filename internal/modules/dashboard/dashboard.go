// Package dashboard implements spec.md §4.8's dashboard-category module
// shim: a small HTTP control surface exposing health/status JSON, a
// WebSocket relay of bus traffic, and a control endpoint that publishes
// commands back onto the bus.
//
// Grounded on cmd/server/main.go's ListenAndServe-in-a-goroutine plus
// context-deadline Shutdown pattern, internal/api/router.go's gorilla/mux
// route registration and swaggo/http-swagger docs mount, and
// cmd/server/handlers/silence_ws.go's register/unregister/broadcast hub
// shape (simplified here to relay already-serialized envelopes rather than
// hub-specific event structs).
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

const defaultListenAddr = ":8090"

// Config is the dashboard shim's settings.
type Config struct {
	ListenAddr  string   `mapstructure:"listen_addr"`
	RelayTopics []string `mapstructure:"relay_topics"`
}

func decodeConfig(settings map[string]any) (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		RelayTopics: []string{
			string(contracts.TopicStatusBus),
			string(contracts.TopicStatusHealthSummary),
			string(contracts.TopicStatusResilienceEvent),
			string(contracts.TopicStatusRateLimit),
		},
	}
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return Config{}, fmt.Errorf("dashboard: decode settings: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	return cfg, nil
}

// Module is a Module implementation: duck-typed against
// orchestrator.Module, never importing the orchestrator package.
type Module struct {
	id string

	mu              sync.Mutex
	cfg             Config
	latestBusStatus contracts.BusStatus
	latestHealth    contracts.HealthSummary

	bus     *bus.Bus
	handles []bus.Handle
	server  *http.Server
	hub     *socketHub
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func New(id string, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{id: id, logger: logger.With("component", "dashboard", "module", id)}
}

func (m *Module) Capability() contracts.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := contracts.Capability{ID: m.id, Category: contracts.CategoryDashboard}
	for _, t := range m.cfg.RelayTopics {
		c.Subscribes = append(c.Subscribes, contracts.Topic(t))
	}
	c.Publishes = []contracts.Topic{contracts.TopicDashboardControlCommand, contracts.TopicConfigUpdate}
	return c
}

func (m *Module) Configure(_ context.Context, fragment config.ModuleFragment) error {
	cfg, err := decodeConfig(fragment.Settings)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

// Start subscribes to every relay topic, launches the WebSocket hub, and
// starts the HTTP server in its own goroutine. listen_addr and
// relay_topics are set-once, applied on the next restart.
func (m *Module) Start(ctx context.Context, b *bus.Bus) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	m.bus = b
	hubCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.hub = newSocketHub(m.logger)
	go m.hub.run(hubCtx)

	for _, t := range cfg.RelayTopics {
		topic := contracts.Topic(t)
		handle, err := b.Subscribe(ctx, topic, m.relay, 64, bus.OverflowDropOldest, nil)
		if err != nil {
			return fmt.Errorf("dashboard: subscribe %q: %w", t, err)
		}
		m.handles = append(m.handles, handle)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/control", m.handleControl).Methods(http.MethodPost)
	router.HandleFunc("/ws", m.hub.handleUpgrade).Methods(http.MethodGet)
	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
	router.HandleFunc("/openapi.json", m.handleOpenAPI).Methods(http.MethodGet)

	m.server = &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("dashboard HTTP server failed", "error", err)
		}
	}()
	return nil
}

func (m *Module) relay(_ context.Context, env *contracts.Envelope) error {
	m.mu.Lock()
	switch p := env.Payload.(type) {
	case contracts.BusStatus:
		m.latestBusStatus = p
	case contracts.HealthSummary:
		m.latestHealth = p
	}
	m.mu.Unlock()

	m.hub.broadcast(env)
	return nil
}

func (m *Module) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Module) handleStatus(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	payload := map[string]any{
		"bus":    m.latestBusStatus,
		"health": m.latestHealth,
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// controlRequest wraps either a ControlCommand or a ConfigUpdate,
// discriminated by Kind.
type controlRequest struct {
	Kind    string                   `json:"kind"`
	Command contracts.ControlCommand `json:"command,omitempty"`
	Update  contracts.ConfigUpdate   `json:"update,omitempty"`
}

func (m *Module) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error
	switch req.Kind {
	case "config":
		_, err = m.bus.Publish(ctx, contracts.TopicConfigUpdate, contracts.SchemaVersionConfigUpdate, req.Update)
	default:
		_, err = m.bus.Publish(ctx, contracts.TopicDashboardControlCommand, contracts.SchemaVersionControlCommand, req.Command)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *Module) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPISpec))
}

func (m *Module) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if m.server != nil {
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("dashboard HTTP server shutdown error", "error", err)
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	var firstErr error
	for _, h := range m.handles {
		if err := m.bus.Unsubscribe(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Module) Health(_ context.Context) contracts.HealthStatus {
	clients := 0
	if m.hub != nil {
		clients = m.hub.clientCount()
	}
	return contracts.HealthStatus{
		ModuleID: m.id,
		State:    contracts.HealthHealthy,
		Detail:   map[string]any{"websocket_clients": clients},
		LastSeen: time.Now().UnixNano(),
	}
}

const openAPISpec = `{
  "openapi": "3.0.0",
  "info": {"title": "sentrycore dashboard", "version": "1.0.0"},
  "paths": {
    "/healthz": {"get": {"responses": {"200": {"description": "ok"}}}},
    "/status": {"get": {"responses": {"200": {"description": "bus and health snapshot"}}}},
    "/control": {"post": {"responses": {"202": {"description": "command accepted"}}}},
    "/ws": {"get": {"responses": {"101": {"description": "websocket upgrade"}}}}
  }
}`
