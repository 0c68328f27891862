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
	"github.com/diagnosis/eventcheckin/pkg/logger"
	mw "github.com/diagnosis/eventcheckin/pkg/middleware"
	"github.com/diagnosis/eventcheckin/services/gateway/internal/handlers"
	"github.com/diagnosis/eventcheckin/services/gateway/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Gateway server error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authProxy := proxy.NewServiceProxy("auth", cfg.Gateway.AuthURL, cfg.Gateway.ProxyTimeout)
	checkInProxy := proxy.NewServiceProxy("checkin", cfg.Gateway.CheckInURL, cfg.Gateway.ProxyTimeout)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("gateway"))
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.CORS(cfg.CheckIn.AllowedOrigins))
	r.Use(mw.Health)
	handlers.Routes(r, authProxy, checkInProxy)

	// No WriteTimeout: check-in summary streams stay open.
	srv := &http.Server{
		Addr:        ":" + cfg.Gateway.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting gateway service", "port", cfg.Gateway.Port,
			"auth_url", cfg.Gateway.AuthURL, "checkin_url", cfg.Gateway.CheckInURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gateway service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
