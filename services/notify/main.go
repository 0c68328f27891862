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
	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	mw "github.com/diagnosis/eventcheckin/pkg/middleware"
	"github.com/diagnosis/eventcheckin/services/notify/internal/consumer"
)

const port = "8086"

func main() {
	if err := run(); err != nil {
		logger.Error("Notify service error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	c := consumer.New(eventBus, consumer.LogSink{})
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	// Health endpoint only
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("notify"))
	r.Use(mw.Logging)
	r.Use(mw.Health)

	srv := &http.Server{Addr: ":" + port, Handler: r, ReadTimeout: cfg.Server.ReadTimeout}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting notify service", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
