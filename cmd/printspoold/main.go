package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tillpos/printspool/internal/api/handlers"
	"github.com/tillpos/printspool/internal/api/middleware"
	"github.com/tillpos/printspool/internal/config"
	"github.com/tillpos/printspool/internal/db"
	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
	"github.com/tillpos/printspool/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "printspoold: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	devices, err := mergeDevices(cfg.Devices)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		logger.Warn("no devices configured, jobs cannot be submitted")
	}

	sender := webhook.NewSender(cfg.Webhooks, logger)
	sender.Start()
	defer sender.Stop()

	queue, err := spool.NewManager(devices, sender, db.History, &cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("failed to build print queue: %w", err)
	}
	queue.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.HistoryDays > 0 {
		go pruneHistoryLoop(ctx, cfg.Database.HistoryDays, logger)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, queue),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		queue.Stop()
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", zap.Error(err))
	}

	queue.Stop()
	logger.Info("print spooler stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// mergeDevices overlays the config file's devices onto the durable
// registry. The config file wins on conflicts and is written back so
// the registry reflects what is actually running.
func mergeDevices(fromConfig []transport.Device) ([]transport.Device, error) {
	ctx := context.Background()

	stored, err := db.Devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}

	byName := make(map[string]transport.Device, len(stored))
	order := make([]string, 0, len(stored))
	for _, dev := range stored {
		byName[dev.Name] = *dev
		order = append(order, dev.Name)
	}
	for i := range fromConfig {
		dev := fromConfig[i]
		if _, ok := byName[dev.Name]; !ok {
			order = append(order, dev.Name)
		}
		byName[dev.Name] = dev
		if err := db.Devices.UpsertDevice(ctx, &dev); err != nil {
			return nil, fmt.Errorf("failed to sync device %s: %w", dev.Name, err)
		}
	}

	out := make([]transport.Device, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

func newRouter(cfg *config.Config, queue *spool.Manager) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.NewAuthMiddleware(cfg.Auth)
	router.POST("/api/auth/login", auth.LoginHandler)
	router.POST("/api/auth/logout", auth.LogoutHandler)
	router.GET("/api/auth/status", auth.StatusHandler)

	api := router.Group("/api")
	api.Use(auth.RequireAuth())
	handlers.NewJobHandler(queue).RegisterRoutes(api)
	handlers.NewDeviceHandler(queue).RegisterRoutes(api)

	return router
}

func pruneHistoryLoop(ctx context.Context, historyDays int, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -historyDays)
			pruned, err := db.History.PruneHistory(ctx, cutoff)
			if err != nil {
				logger.Warn("history prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Info("pruned job history", zap.Int64("records", pruned))
			}
		}
	}
}
