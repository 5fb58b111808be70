// Package gateway implements the Runner's HTTP+WebSocket API (spec §6's
// Runner-side endpoints), grounded on internal/host/gateway's chi-router +
// JSON-helper shape, retargeted from the Host's scheduler-facing routes to
// the Runner's execute/vps/command/tunnel surface. Every handler here is the
// callee of internal/host/dispatcher.HTTPDispatcher and
// internal/host/gateway/ws.go's relayTunnel.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/executor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/vm"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/vps"
)

// Gateway wires the Runner's task backends behind one chi.Mux.
type Gateway struct {
	executor *executor.Executor
	vpsMgr   *vps.Manager
	vmMgr    *vm.Manager
	store    *store.Store
	reporter *hostclient.Client
	hub      *tunnel.Hub
	logger   *zap.Logger

	router   *chi.Mux
	upgrader websocket.Upgrader
}

// Deps bundles every collaborator the Runner's handlers call into.
type Deps struct {
	Executor *executor.Executor
	VPSMgr   *vps.Manager
	VMMgr    *vm.Manager
	Store    *store.Store
	Reporter *hostclient.Client
	Hub      *tunnel.Hub
	Logger   *zap.Logger
}

// New constructs a Gateway and wires its routes.
func New(d Deps) *Gateway {
	g := &Gateway{
		executor: d.Executor,
		vpsMgr:   d.VPSMgr,
		vmMgr:    d.VMMgr,
		store:    d.Store,
		reporter: d.Reporter,
		hub:      d.Hub,
		logger:   d.Logger,
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
	g.setupRoutes()
	return g
}

// Router exposes the underlying handler for http.Server.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(metrics.Middleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Get("/health", g.handleHealth)
	g.router.Handle("/metrics", metrics.Handler())

	g.router.Route("/api", func(r chi.Router) {
		r.Post("/execute", g.handleExecute)
		r.Post("/vps/create", g.handleVPSCreate)
		r.Post("/command/{id}/{action}", g.handleCommandAction)
	})

	g.router.Get("/ws/tunnel/{container_id}", g.handleWSTunnel)
	g.router.Get("/ws/hostlink", g.handleWSHostLink)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
