// cmd/bevygap/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/bananabit-dev/bevygap/internal/bus"
	"github.com/bananabit-dev/bevygap/internal/config"
	"github.com/bananabit-dev/bevygap/internal/database"
	"github.com/bananabit-dev/bevygap/internal/handlers"
	"github.com/bananabit-dev/bevygap/internal/lobby"
	"github.com/bananabit-dev/bevygap/internal/middleware"
	"github.com/bananabit-dev/bevygap/internal/models"
	"github.com/bananabit-dev/bevygap/internal/provider"
	"github.com/bananabit-dev/bevygap/internal/session"
	"github.com/bananabit-dev/bevygap/internal/webhook"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The bus is mandatory: the engine is not authoritative without it.
	b, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("bus: %v", err)
	}
	defer b.Close()

	var prov provider.Client
	switch cfg.Provider {
	case "fake":
		logger.Warn("provider: using fake provider, deployments are simulated")
		prov = provider.NewFake()
	default:
		prov = provider.NewHTTPClient(cfg.ProviderAPIURL, cfg.ProviderAPIToken, logger)
	}

	var archive session.Archiver
	if cfg.DatabaseURL != "" {
		store, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("database: %v", err)
		}
		archive = store
		logger.Info("database: session audit archive enabled")
	}

	machine := session.New(prov, b, archive, session.Options{
		RetryMax:         cfg.SessionRetryMax,
		ProvisionTimeout: cfg.ProvisionTimeout,
		AuditWindow:      cfg.AuditWindow,
	}, logger)

	manager := lobby.New(cfg.MaxRooms, b, logger)
	manager.OnRoomStarted(func(room models.Room) { machine.RoomStarted(ctx, room) })
	manager.OnRoomDeleted(func(room models.Room) { machine.RoomDeleted(ctx, room) })
	manager.SessionLookup(machine.SessionForRoom)
	machine.OnUnmatched(func(roomID string) { manager.MarkUnmatched(ctx, roomID) })

	machine.StartSweep(ctx, cfg.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				manager.ReapStartedRooms(ctx, cfg.RoomReapGrace)
			}
		}
	}()

	// Lifecycle events flow webhook -> bus -> machine, so other processes
	// (and replays) observe exactly what the machine consumed.
	go func() {
		if err := machine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalf("session: lifecycle consumer stopped: %v", err)
		}
	}()

	api := &handlers.Server{
		Lobby:     manager,
		Sessions:  machine,
		RoomFeed:  handlers.RoomFeedHandler(logger, b),
		Webhook:   webhook.Handler(logger, machine, b),
		Health:    handlers.HealthHandler(b),
		JWTSecret: cfg.AdminJWTSecret,
		Log:       logger,
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: middleware.LogMiddleware(logger)(api.Router()),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server exited: %v", err)
	}
}
