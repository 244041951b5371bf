package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	imageproxyhandlers "Lumen/internal/api/handlers/imageproxy"
	"Lumen/internal/api/middleware"
	"Lumen/internal/api/routes"
	"Lumen/internal/core/imageproxy"
	"Lumen/internal/core/pipeline"
)

func main() {
	// Local development keeps settings in .env; production uses the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	level := slog.LevelInfo
	if os.Getenv("LUMEN_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := pipeline.ConfigFromEnv()
	proxyCfg := imageproxy.ConfigFromEnv()
	if err := proxyCfg.Validate(); err != nil {
		log.Fatal("Invalid image proxy configuration:", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(reg),
	)
	if err != nil {
		log.Fatal("Failed to start image pipeline:", err)
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)

	routes.RegisterOpsRoutes(r, reg)

	if proxyCfg.Enabled {
		service, err := imageproxy.NewService(engine, imageproxy.NewEncoder(), logger)
		if err != nil {
			log.Fatal("Failed to create image proxy service:", err)
		}
		handler := imageproxyhandlers.NewHandler(service, proxyCfg)

		var rateLimiter *middleware.RateLimiter
		if proxyCfg.ClientRatePerSecond > 0 {
			rateLimiter = middleware.NewRateLimiter(proxyCfg.ClientRatePerSecond, proxyCfg.ClientBurst, 10*time.Minute)
			defer rateLimiter.Stop()
		}

		r.Group(func(r chi.Router) {
			if rateLimiter != nil {
				r.Use(rateLimiter.Middleware)
			}
			routes.RegisterImageProxyRoutes(r, handler)
		})
		log.Println("Image proxy enabled")
	}

	port := os.Getenv("LUMEN_PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		fmt.Printf("Lumen image server starting on port %s\n", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Printf("Pipeline shutdown error: %v", err)
	}
}
