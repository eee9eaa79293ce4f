package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duplexstream/config"
	"duplexstream/message"
	"duplexstream/metrics"
	"duplexstream/middleware"
	"duplexstream/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept peers and echo their requests",
	Long: `serve listens on the configured transport and answers
  POST /api/echo     with the request's streams
  GET  /api/version  with the configured user agent`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return runServe(cmd.Context(), cfg, logger)
	},
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)

		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	ln, err := cfg.Transport.Listen()
	if err != nil {
		return err
	}

	router := server.NewRouter()
	if err := router.HandleFunc(message.VerbPost, "/api/echo", echo); err != nil {
		return err
	}

	srv := server.New(ln, server.Options{
		Handler:        router,
		Logger:         logger,
		Metrics:        collector,
		RequestTimeout: cfg.Session.RequestTimeout,
		AutoReconnect:  cfg.Server.AutoReconnect,
	})
	srv.Use(middleware.LoggingMiddleware())
	srv.Use(middleware.ValidateMiddleware())
	srv.Use(middleware.VersionMiddleware(cfg.Server.UserAgent))
	if cfg.Server.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.HandlerRetries > 0 {
		srv.Use(middleware.RetryMiddleware(cfg.Server.HandlerRetries, cfg.Server.HandlerRetryDelay))
	}
	if cfg.Server.HandlerTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Server.HandlerTimeout))
	}
	srv.OnDisconnected(func(ev server.DisconnectedEvent) {
		logger.Info("peer gone", zap.Uint64("generation", ev.Generation), zap.Error(ev.Reason))
	})

	logger.Info("serving", zap.String("transport", cfg.Transport.Kind), zap.String("addr", ln.Addr()))
	err = srv.Serve(ctx)
	if shutdownErr := srv.Shutdown(cfg.Server.ShutdownTimeout); shutdownErr != nil {
		logger.Warn("shutdown", zap.Error(shutdownErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func echo(ctx context.Context, req *message.ReceiveRequest, logger *zap.Logger) (*message.StreamingResponse, error) {
	resp := message.OK()
	for _, st := range req.Streams {
		data, err := st.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		resp.AddStream(message.NewContentStream(st.ContentType, data))
	}
	logger.Debug("echoed", zap.Int("streams", len(req.Streams)))
	return resp, nil
}
