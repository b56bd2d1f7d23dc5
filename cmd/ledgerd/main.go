package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/governance-ledger/internal/config"
	"github.com/jmerrifield20/governance-ledger/internal/handler"
	"github.com/jmerrifield20/governance-ledger/internal/metrics"
	"github.com/jmerrifield20/governance-ledger/internal/node"
	"github.com/jmerrifield20/governance-ledger/internal/startup"
	"github.com/jmerrifield20/governance-ledger/internal/writerlease"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	v := config.New(os.Getenv("LEDGER_CONFIG"))
	if err := config.Read(v, logger); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ledger writer ────────────────────────────────────────────────────────
	n, err := node.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	report, err := n.Start(ctx)
	switch {
	case errors.Is(err, startup.ErrVerificationBypassed):
		logger.Warn("startup verification bypassed; writer active under bypass policy", zap.Error(err))
	case err != nil:
		return fmt.Errorf("writer activation refused: %w", err)
	}
	logger.Info("ledger writer active",
		zap.String("backend", cfg.Ledger.Backend),
		zap.String("outcome", string(report.Outcome)),
		zap.Uint64("verification_sequence", report.Record.Sequence),
	)

	// ── Lease monitor ────────────────────────────────────────────────────────
	leaseLost := make(chan error, 1)
	monitor := writerlease.NewMonitor(n.Lease, cfg.Lease.CheckInterval, func(err error) {
		n.Writer.Fence(err)
		leaseLost <- err
	}, logger)
	go monitor.Run(ctx)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(metrics.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if !n.Writer.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1", handler.RateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	handler.NewLedgerHandler(n.Store, n.Writer, logger).Register(v1)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down ledgerd...")
	case err := <-leaseLost:
		exitErr = fmt.Errorf("writer lease lost: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return exitErr
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
