// Command host runs the KohakuRiver Host orchestrator (§4): the task
// scheduler, node registry, overlay/IP-reservation manager, auth core, HTTP
// dispatcher to Runners, SSH proxy, and the chi-based HTTP+WebSocket
// gateway. Grounded on
// control-plane/cmd/server/main.go's construct-everything-then-graceful-
// shutdown shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/auth"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/config"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/dispatcher"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/gateway"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/sshproxy"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/store"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	ids, err := snowflake.NewNode(cfg.Server.SnowflakeNodeID)
	if err != nil {
		logger.Fatal("failed to construct id generator", zap.Error(err))
	}

	eventBus := events.NewBus(logger)

	nodeRegistry := registry.New(db, logger, eventBus, cfg.Scheduler.HeartbeatInterval, cfg.Scheduler.HeartbeatTimeoutFactor, cfg.Scheduler.SuspicionThreshold)
	if err := nodeRegistry.LoadFromStore(ctx); err != nil {
		logger.Fatal("failed to load node registry", zap.Error(err))
	}

	var overlayMgr *overlay.Manager
	var reservations *overlay.Reservations
	if cfg.Overlay.Enabled {
		overlayMgr, err = overlay.New(db, logger, cfg.Overlay.CIDR, cfg.Overlay.SubnetBits, cfg.Overlay.VXLANBasePort)
		if err != nil {
			logger.Fatal("failed to construct overlay manager", zap.Error(err))
		}
		if err := overlayMgr.Recover(ctx); err != nil {
			logger.Error("overlay recovery encountered errors", zap.Error(err))
		}
		reservations = overlay.NewReservations(db, logger, []byte(cfg.Overlay.HMACSecret), cfg.Overlay.ReservationTTL)
	}

	authSvc := auth.New(db, logger, ids, cfg.Auth.BcryptCost, cfg.Auth.SessionTTL, cfg.Auth.AdminSecret)
	if cfg.Bootstrap.AdminUsername != "" && cfg.Bootstrap.AdminPassword != "" {
		if err := authSvc.Bootstrap(ctx, cfg.Bootstrap.AdminUsername, cfg.Bootstrap.AdminPassword); err != nil {
			logger.Error("admin bootstrap failed", zap.Error(err))
		}
	}

	httpDispatcher := dispatcher.New(nodeRegistry, db, logger, cfg.Scheduler.DispatchRetryInterval)
	taskScheduler := scheduler.New(db, nodeRegistry, httpDispatcher, ids, logger)

	gw := gateway.New(gateway.Deps{
		Store:        db,
		Scheduler:    taskScheduler,
		Registry:     nodeRegistry,
		OverlayMgr:   overlayMgr,
		Reservations: reservations,
		AuthSvc:      authSvc,
		Dispatcher:   httpDispatcher,
		EventBus:     eventBus,
		Logger:       logger,
	})

	sshProxy := sshproxy.New(db, nodeRegistry, logger, cfg.Server.Host+":"+strconv.Itoa(cfg.Server.SSHProxyPort))
	go func() {
		if err := sshProxy.ListenAndServe(ctx); err != nil {
			logger.Error("ssh proxy stopped", zap.Error(err))
		}
	}()

	go nodeRegistry.RunMonitorLoop(ctx)
	go httpDispatcher.RunRetryLoop(ctx)
	go metrics.RunSamplerLoop(ctx, db, cfg.Server.MetricsSampleInterval)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("host listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

