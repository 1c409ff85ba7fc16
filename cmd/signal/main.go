package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"navideo/internal/core/services"
	httphandlers "navideo/internal/handlers/http"
	"navideo/internal/infrastructure/distributed"
	"navideo/internal/infrastructure/middleware"
	"navideo/internal/infrastructure/monitoring"
	"navideo/internal/infrastructure/repositories"
	signalinfra "navideo/internal/infrastructure/signal"
	"navideo/pkg/config"
	"navideo/pkg/logger"
	"navideo/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const healthInterval = 15 * time.Second

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := os.Getenv("NAVIDEO_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		// logger is not configured yet
		zapLogger := logger.New("info", "json")
		zapLogger.Sugar().Fatalw("failed to load config", "path", configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	instanceID := uuid.New().String()
	log = log.With("instance_id", instanceID)

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.ServiceName = cfg.Tracing.ServiceName
	tracingCfg.JaegerURL = cfg.Tracing.JaegerEndpoint
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	if env := os.Getenv("NAVIDEO_ENV"); env != "" {
		tracingCfg.Environment = env
	}
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repositories
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	roomRepo := repoFactory.CreateRoomRepository()

	// Monitoring
	collector := monitoring.NewPrometheusCollector(nil)

	// Signaling
	wsServer := signalinfra.NewWebSocketServer(signalinfra.OptionsFromConfig(cfg), log)
	relay := services.NewSignalRelay(roomRepo, wsServer, collector, log)
	roomService := services.NewRoomService(roomRepo, relay, collector, log)
	wsServer.SetRoomService(roomService)

	var eventBus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = distributed.NewEventBus(client, instanceID, cfg.Redis.Channel, log)
		relay.SetFanout(eventBus)
		go func() {
			if err := eventBus.Subscribe(ctx, wsServer); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus subscription ended", "error", err)
			}
		}()
		log.Infow("cross-instance fanout enabled", "channel", cfg.Redis.Channel)
	}

	if err := collector.RegisterConnectionGauge(wsServer.ConnectionCount); err != nil {
		log.Fatalw("failed to register connection gauge", "error", err)
	}
	go collector.RunRoomSampler(ctx, roomRepo, cfg.Monitoring.MetricsInterval, log)

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddRegistryCheck(roomRepo, healthInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, healthInterval, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(ctx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware(logger.NewContextLogger(log)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewHealthHandler(healthChecker, wsServer.ConnectionCount, instanceID).SetupRoutes(router)
	httphandlers.NewRoomHandler(roomService).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}
	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(router)

	// no WriteTimeout: signaling connections set per-frame write deadlines
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           corsHandler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting navideo signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down navideo signaling server...")
	cancel()

	wsCtx, wsCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	if err := wsServer.Shutdown(wsCtx); err != nil {
		log.Warnw("signaling connections did not drain", "error", err)
	}
	wsCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("navideo signaling server stopped")
}
