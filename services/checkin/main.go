package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/diagnosis/eventcheckin/pkg/config"
	"github.com/diagnosis/eventcheckin/pkg/database"
	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	mw "github.com/diagnosis/eventcheckin/pkg/middleware"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/barcode"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/handlers"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/issuer"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/repository"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/service"
	"github.com/diagnosis/eventcheckin/services/checkin/internal/verifier"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Check-in service error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := database.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	signer, err := payload.NewSigner(cfg.CheckIn.QRSecret)
	if err != nil {
		return err
	}

	// Initialize repositories
	eventRepo := repository.NewEventRepository(pool)
	checkInRepo := repository.NewCheckInRepository(pool)
	counterRepo := repository.NewCounterRepository(rdb, 0)

	// Initialize services
	checkInService := service.NewCheckInService(eventRepo, checkInRepo, counterRepo, eventBus)
	hub := service.NewSummaryHub(eventBus, checkInService)

	displays := issuer.NewManager(ctx, signer, barcode.NewQRRenderer(), hub, issuer.Options{
		Interval: cfg.CheckIn.RotationInterval,
		Size:     cfg.CheckIn.QRSize,
	})
	defer displays.CloseAll()

	verifiers := verifier.NewRegistry(signer, checkInService, verifier.Options{
		ExpirationWindow: cfg.CheckIn.ExpirationWindow,
	})

	h := handlers.New(checkInService, displays, verifiers, hub, cfg.Auth.JWTSecret)

	scanLimiter := mw.NewRateLimiter(mw.NewRedisRateLimitStore(rdb), mw.RateLimitConfig{
		Requests: cfg.CheckIn.ScanRatePerMin,
		Window:   time.Minute,
		KeyFunc:  mw.UserKeyFunc,
	})

	// Setup router
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("checkin"))
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.Health)
	r.Use(mw.CORS(cfg.CheckIn.AllowedOrigins))
	h.Routes(r, scanLimiter.Middleware())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting check-in service", "port", cfg.Server.Port,
			"rotation_interval", cfg.CheckIn.RotationInterval.String(),
			"expiration_window", cfg.CheckIn.ExpirationWindow.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down check-in service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		displays.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
