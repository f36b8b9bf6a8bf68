package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"opspilot/internal/api"
	"opspilot/internal/config"
	"opspilot/internal/engine"
	"opspilot/internal/learning"
	"opspilot/internal/llm"
	"opspilot/internal/metrics"
	"opspilot/internal/monitor"
	"opspilot/internal/store"
	"opspilot/internal/tools"
)

var (
	port        = flag.Int("port", 0, "API server port (overrides config)")
	metricsPort = flag.Int("metrics-port", 0, "Metrics server port (overrides config)")
	configFile  = flag.String("config", "configs/config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *metricsPort != 0 {
		cfg.Metrics.Port = *metricsPort
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := store.Open(cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		logger.Fatal("failed to initialize language model", zap.Error(err))
	}

	collector := metrics.NewCollector()
	hub := api.NewHub(logger)

	integrations := tools.NewHTTPIntegrationClient(cfg.Integrations.BaseURL, cfg.Integrations.APIKey)
	dispatcher := tools.NewDispatcher(db, provider, integrations, logger)

	planner := engine.NewPlanner(provider, logger)
	eng := engine.New(db, planner, dispatcher, collector, hub, logger, cfg.StepTimeout())
	sweeper := monitor.NewSweeper(db, eng, dispatcher, collector, logger)
	analyzer := learning.New(db, provider, logger)

	server := api.NewServer(eng, sweeper, analyzer, db, hub, cfg.Auth.JWTSecret, logger)

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics.Port, collector, logger)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting API server", zap.Int("port", cfg.Server.Port))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("API server error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zapCfg.Level = parsed
	}
	return zapCfg.Build()
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	var provider *llm.LangchainProvider
	var err error
	switch cfg.LLM.Provider {
	case "openai":
		provider, err = llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.Model)
	case "ollama":
		provider, err = llm.NewOllama(cfg.LLM.ServerURL, cfg.LLM.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if err != nil {
		return nil, err
	}
	provider.SetTemperature(cfg.LLM.Temperature)
	return provider, nil
}

func startMetricsServer(port int, collector *metrics.Collector, logger *zap.Logger) {
	metricsRouter := gin.Default()
	metricsRouter.GET("/metrics", gin.WrapH(collector.Handler()))

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: metricsRouter,
	}

	logger.Info("starting metrics server", zap.Int("port", port))
	if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}
