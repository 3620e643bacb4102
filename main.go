package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradesim/config"
	"tradesim/internal/gateway"
	"tradesim/internal/hub"
	"tradesim/internal/metrics"
	"tradesim/internal/state"
	"tradesim/logger"
	"tradesim/reader/okx"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, defaultConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	mainLog := log.WithComponent("main")
	mainLog.WithFields(logger.Fields{
		"service": cfg.Tradesim.Name,
		"version": cfg.Tradesim.Version,
		"env":     config.AppEnvironment(),
		"config":  path,
	}).Info("starting tradesim")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	shared := state.New(cfg.Simulation)
	broadcast := hub.New(cfg.Server.SendTimeout)
	feed := okx.Okx_L2_NewReader(cfg.Upstream, shared, broadcast)
	server := gateway.NewServer(cfg.Server, shared, broadcast, func() string {
		return feed.State().String()
	})

	metrics.StartReport(ctx, log, cfg.Metrics.ReportInterval, broadcast.Len)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	if err := feed.Okx_L2_Start(ctx); err != nil {
		mainLog.WithError(err).Error("okx l2 reader failed to start")
		cancel()
		<-serverErr
		os.Exit(1)
	}
	mainLog.WithFields(logger.Fields{"address": server.Address()}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		mainLog.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		mainLog.WithError(err).Error("subscriber server stopped unexpectedly")
		serverErr <- nil
		exitCode = 1
	}

	mainLog.Info("starting graceful shutdown")
	start := time.Now()

	mainLog.Info("stopping okx l2 reader")
	feed.Okx_L2_Stop()

	cancel()
	mainLog.Info("stopping subscriber server")
	if err := <-serverErr; err != nil {
		mainLog.WithError(err).Warn("subscriber server shutdown error")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metrics.FlushCloudWatch(flushCtx); err != nil {
			mainLog.WithError(err).Warn("CloudWatch metrics not fully flushed")
		}
		flushCancel()
	}

	logger.LogPerformanceEntry(mainLog, "main", "shutdown", time.Since(start), nil)
	mainLog.Info("shutdown complete")
	os.Exit(exitCode)
}
