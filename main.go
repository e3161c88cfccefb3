package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gridflow/config"
	"gridflow/internal/archive"
	"gridflow/internal/channel"
	"gridflow/internal/engine"
	"gridflow/internal/gateway"
	"gridflow/internal/metrics"
	"gridflow/internal/status"
	"gridflow/internal/summary"
	"gridflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Gridflow.Name,
		"version": cfg.Gridflow.Version,
		"symbol":  cfg.Instrument.Symbol,
	}).Info("starting gridflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	if strings.ToLower(cfg.Logging.Level) == "debug" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	channels := channel.NewChannels(cfg.Channels.FillBuffer, cfg.Channels.TradeBuffer)

	gw, err := gateway.NewBinanceGateway(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create exchange gateway")
		os.Exit(1)
	}
	if err := gw.Setup(ctx); err != nil {
		log.WithError(err).Error("failed to configure exchange account")
		os.Exit(1)
	}

	streams := gateway.NewStreams(cfg, gw, channels.Fills)
	if err := streams.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start gateway streams")
		os.Exit(1)
	}

	eng, err := engine.NewEngine(cfg, gw, channels)
	if err != nil {
		log.WithError(err).Error("failed to create engine")
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	reporter, err := summary.NewReporter(cfg, eng.Snapshot)
	if err != nil {
		log.WithError(err).Error("failed to create summary reporter")
		os.Exit(1)
	}
	if err := reporter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start summary reporter")
		os.Exit(1)
	}

	var tradeWriter *archive.TradeWriter
	if cfg.Archive.Enabled {
		tradeWriter, err = archive.NewTradeWriter(cfg, channels.Trades)
		if err != nil {
			log.WithError(err).Error("failed to create trade archive")
			os.Exit(1)
		}
		if err := tradeWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade archive")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("trade archive disabled")
	}

	var wg sync.WaitGroup
	statusServer := status.NewServer(cfg, eng.Snapshot)
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx); err != nil {
				log.WithError(err).Warn("status server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// The engine teardown runs against the venue before anything else is
	// torn down: stop placing, cancel the ladder, optionally flatten.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("engine shutdown incomplete, venue may still hold orders")
	}
	shutdownCancel()

	if _, err := reporter.WriteNow(); err != nil {
		log.WithError(err).Warn("failed to write final summary")
	}

	cancel()
	reporter.Stop()
	if tradeWriter != nil {
		tradeWriter.Stop()
	}
	streams.Stop()
	channels.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("gridflow stopped")
}
