package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/kwranking/kwranking/server/internal/alerts"
	"github.com/kwranking/kwranking/server/internal/api"
	"github.com/kwranking/kwranking/server/internal/auth"
	"github.com/kwranking/kwranking/server/internal/config"
	"github.com/kwranking/kwranking/server/internal/health"
	"github.com/kwranking/kwranking/server/internal/observability"
	"github.com/kwranking/kwranking/server/internal/ranking"
	"github.com/kwranking/kwranking/server/internal/refresh"
	"github.com/kwranking/kwranking/server/internal/telemetry"
	"github.com/kwranking/kwranking/server/internal/ws"
)

// alertEvalInterval re-checks age-based rules between database mutations.
const alertEvalInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("kwranking-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"refresh_interval", cfg.RefreshInterval,
		"telemetry", cfg.Telemetry.Type,
		"waitlist", len(cfg.Waitlist),
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db := ranking.New()
	for _, id := range cfg.Waitlist {
		db.Wait(id)
	}
	if err := observability.RegisterDatabase(prometheus.DefaultRegisterer, db); err != nil {
		slog.Error("failed to register database metrics", "err", err)
		os.Exit(1)
	}

	// Alerts engine: evaluates rules on every database change.
	alertEngine := alerts.New(cfg.Alerts)
	db.Observe(alertEngine.HandleEvent)
	go alertEngine.Run(ctx, alertEvalInterval, db.Hosts)

	conn, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		slog.Error("failed to configure telemetry", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	reporter := health.NewReporter()
	sched := refresh.New(db, conn, refresh.Options{
		Interval:     cfg.Interval(),
		FetchRate:    cfg.Refresh.FetchRate,
		FetchBurst:   cfg.Refresh.FetchBurst,
		FetchTimeout: cfg.Refresh.FetchTimeout,
		Health:       reporter,
	})
	go sched.Run(ctx)

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			sched.SetInterval(next.Interval())
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// gRPC server: health service behind the optional API key interceptor.
	interceptor := auth.APIKeyInterceptor(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	reporter.Register(grpcSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port",
			"port", cfg.Server.GRPCPort, "err", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	hub := ws.New(db, cfg.Server.BroadcastInterval)
	go hub.Run(ctx)

	guard := func(next http.Handler) http.Handler {
		return auth.HTTPMiddleware(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
			next,
		)
	}

	// Combined HTTP server: REST API, WebSocket hub and metrics on HTTPPort.
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(api.Options{
		DB:        db,
		Scheduler: sched,
		Alerts:    alertEngine,
		Guard:     guard,
	}))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("kwranking-server shutting down")
	reporter.Shutdown()
	grpcSrv.GracefulStop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	alertEngine.Wait()
}
