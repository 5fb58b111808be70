// Package gateway implements the Host's HTTP+WebSocket API (spec §6),
// grounded on control-plane/internal/gateway/gateway.go's chi-router +
// middleware-stack + JSON-helper shape, retargeted from the teacher's
// tenant/billing routes to KohakuRiver's task/node/overlay/auth surface.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/auth"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/dispatcher"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/store"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
)

// Gateway wires every Host subsystem into one chi.Mux.
type Gateway struct {
	store        *store.Store
	scheduler    *scheduler.Scheduler
	registry     *registry.Registry
	overlayMgr   *overlay.Manager
	reservations *overlay.Reservations
	authSvc      *auth.Service
	dispatcher   *dispatcher.HTTPDispatcher
	eventBus     *events.Bus
	logger       *zap.Logger

	router   *chi.Mux
	upgrader websocket.Upgrader

	linksMu sync.Mutex
	links   map[string]*tunnel.Link // runner hostname -> shared forward link
}

// Deps bundles every collaborator the gateway's handlers call into.
type Deps struct {
	Store        *store.Store
	Scheduler    *scheduler.Scheduler
	Registry     *registry.Registry
	OverlayMgr   *overlay.Manager
	Reservations *overlay.Reservations
	AuthSvc      *auth.Service
	Dispatcher   *dispatcher.HTTPDispatcher
	EventBus     *events.Bus
	Logger       *zap.Logger
}

// New constructs a Gateway and wires its routes.
func New(d Deps) *Gateway {
	g := &Gateway{
		store:        d.Store,
		scheduler:    d.Scheduler,
		registry:     d.Registry,
		overlayMgr:   d.OverlayMgr,
		reservations: d.Reservations,
		authSvc:      d.AuthSvc,
		dispatcher:   d.Dispatcher,
		eventBus:     d.EventBus,
		logger:       d.Logger,
		router:       chi.NewRouter(),
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		links:        make(map[string]*tunnel.Link),
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
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	g.router.Use(g.authContextMiddleware)

	g.router.Get("/health", g.handleHealth)
	g.router.Handle("/metrics", metrics.Handler())

	g.router.Route("/api", func(r chi.Router) {
		// Task (§6).
		r.Post("/submit", g.handleSubmit)
		r.Post("/kill/{id}", g.handleKill)
		r.Post("/command/{id}/{action}", g.handleCommandAction)
		r.Get("/tasks", g.handleListTasks)
		r.Get("/status/{id}", g.handleTaskStatus)
		r.Delete("/tasks/{id}", g.handleDeleteTask)
		r.Post("/update", g.handleRunnerUpdate)
		r.Post("/tasks/{id}/ssh-port", g.handleReportSSHPort)

		// Node.
		r.Post("/register", g.handleRegister)
		r.Put("/heartbeat/{hostname}", g.handleHeartbeat)
		r.Get("/nodes", g.handleListNodes)
		r.Get("/cluster-health", g.handleClusterHealth)

		// VPS.
		r.Post("/vps/create", g.handleVPSCreate)
		r.Post("/vps/stop/{id}", g.handleVPSStop)
		r.Post("/vps/restart/{id}", g.handleVPSRestart)
		r.Get("/vps", g.handleListVPS)
		r.Get("/vps/status", g.handleVPSStatus)

		// Overlay / IP reservation.
		r.Get("/overlay/status", g.handleOverlayStatus)
		r.Post("/overlay/release/{runner}", g.handleOverlayRelease)
		r.Post("/overlay/cleanup", g.handleOverlayCleanup)
		r.Post("/nodes/overlay/ip/reserve", g.handleIPReserve)
		r.Post("/nodes/overlay/ip/release", g.handleIPRelease)
		r.Post("/nodes/overlay/ip/validate", g.handleIPValidate)
		r.Get("/nodes/overlay/ip/available", g.handleIPAvailable)
		r.Get("/nodes/overlay/ip/info", g.handleIPInfo)
		r.Get("/nodes/overlay/ip/reservations", g.handleIPReservations)

		// Auth.
		r.Get("/auth/status", g.handleAuthStatus)
		r.Post("/auth/login", g.handleLogin)
		r.Post("/auth/logout", g.handleLogout)
		r.Post("/auth/register", g.handleAuthRegister)
		r.Get("/auth/me", g.handleAuthMe)
		r.Post("/auth/tokens", g.handleCreateToken)
		r.Delete("/auth/tokens/{id}", g.handleRevokeToken)
		r.Post("/auth/invitations", g.handleCreateInvitation)
	})

	g.router.Get("/ws/task/{id}/terminal", g.handleWSTerminal)
	g.router.Get("/ws/forward/{task_id}/{port}", g.handleWSForward)
	g.router.Get("/ws/fs/{task_id}/watch", g.handleWSFSWatch)
	g.router.Get("/ws/events", g.handleWSEvents)
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

type principalCtxKey struct{}

// authContextMiddleware resolves a Principal from credentials in the fixed
// §4.10 order and stashes it on the request context for handlers to read.
func (g *Gateway) authContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sessionCookie, bearer string
		if c, err := r.Cookie("kr_session"); err == nil {
			sessionCookie = c.Value
		}
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			bearer = h[7:]
		}
		p := g.authSvc.Authenticate(r.Context(), r.Header.Get("X-Admin-Token"), sessionCookie, bearer)
		ctx := context.WithValue(r.Context(), principalCtxKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalCtxKey{}).(auth.Principal)
	return p
}

func (g *Gateway) requireRole(w http.ResponseWriter, r *http.Request, min models.Role) (auth.Principal, bool) {
	p := principalFrom(r)
	if !p.Role.AtLeast(min) {
		g.writeError(w, http.StatusForbidden, "insufficient role")
		return p, false
	}
	return p, true
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

// schedulerErrorStatus maps a scheduler.Error's Kind to an HTTP status per §7.
func schedulerErrorStatus(err error) (int, string) {
	se, ok := err.(*scheduler.Error)
	if !ok {
		return http.StatusInternalServerError, err.Error()
	}
	switch se.Kind {
	case scheduler.KindBadRequest:
		return http.StatusBadRequest, se.Message
	case scheduler.KindUnauthorized:
		return http.StatusUnauthorized, se.Message
	case scheduler.KindForbidden:
		return http.StatusForbidden, se.Message
	case scheduler.KindNotFound:
		return http.StatusNotFound, se.Message
	case scheduler.KindConflict:
		return http.StatusConflict, se.Message
	case scheduler.KindResourceExhausted:
		return http.StatusServiceUnavailable, se.Message
	case scheduler.KindRunnerUnavailable:
		return http.StatusBadGateway, se.Message
	case scheduler.KindUpstreamTimeout:
		return http.StatusGatewayTimeout, se.Message
	default:
		return http.StatusInternalServerError, se.Message
	}
}
