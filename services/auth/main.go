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
	"github.com/diagnosis/eventcheckin/pkg/logger"
	mw "github.com/diagnosis/eventcheckin/pkg/middleware"
	"github.com/diagnosis/eventcheckin/services/auth/internal/handlers"
	"github.com/diagnosis/eventcheckin/services/auth/internal/repository"
	"github.com/diagnosis/eventcheckin/services/auth/internal/service"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Auth service error", "error", err)
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

	userRepo := repository.NewUserRepository(pool)
	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	h := handlers.New(authService, cfg.Auth.JWTSecret)

	loginLimiter := mw.NewRateLimiter(mw.NewRedisRateLimitStore(rdb), mw.RateLimitConfig{
		Requests: cfg.Auth.LoginRatePerMin,
		Window:   time.Minute,
	})

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("auth"))
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.Health)
	h.Routes(r, loginLimiter.Middleware())

	srv := &http.Server{
		Addr:         ":" + cfg.Auth.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting auth service", "port", cfg.Auth.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down auth service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
