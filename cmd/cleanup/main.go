// Standalone teardown tool. Cancels every open order on the configured
// instrument and optionally flattens the position with reduce-only market
// orders. Intended for operators recovering from a wedged or killed bot.
package main

import (
	"context"
	"flag"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"gridflow/config"
	"gridflow/internal/engine"
	"gridflow/internal/gateway"
	"gridflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flatten := flag.Bool("flatten", false, "Close the open position after cancelling orders")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline for venue calls")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stdout", cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gw, err := gateway.NewBinanceGateway(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create exchange gateway")
		os.Exit(1)
	}

	cleanup := engine.NewCleanup(gw, &sync.Mutex{}, cfg.Retry.MaxAttempts)

	log.WithFields(logger.Fields{
		"symbol":  cfg.Instrument.Symbol,
		"flatten": *flatten,
	}).Info("starting cleanup")

	exitCode := 0
	if err := cleanup.CancelAllOrders(ctx); err != nil {
		log.WithError(err).Error("cancel sweep incomplete")
		exitCode = 1
	}

	if *flatten {
		if err := cleanup.ForceClosePosition(ctx); err != nil {
			log.WithError(err).Error("failed to flatten position")
			exitCode = 1
		}
	}

	// Report what is left on the venue so the operator can verify.
	if open, err := gw.OpenOrders(ctx); err != nil {
		log.WithError(err).Warn("failed to query remaining open orders")
	} else {
		log.WithFields(logger.Fields{"open_orders": len(open)}).Info("remaining open orders")
	}
	if pos, err := gw.Position(ctx); err != nil {
		log.WithError(err).Warn("failed to query remaining position")
	} else {
		log.WithFields(logger.Fields{
			"position_qty": pos.Qty.String(),
			"entry_price":  pos.AvgEntryPrice.String(),
		}).Info("remaining position")
	}

	log.Info("cleanup finished")
	os.Exit(exitCode)
}
