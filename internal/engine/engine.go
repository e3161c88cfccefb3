package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/internal/channel"
	"gridflow/internal/gateway"
	"gridflow/internal/signal"
	"gridflow/logger"
	"gridflow/models"
)

// Engine runs the trading loop: recovery at startup, then a reconcile
// tick on a fixed interval, with the trend signal refreshed on its own
// schedule. It produces point-in-time snapshots for the summary reporter
// and the status server.
type Engine struct {
	config     *appconfig.Config
	gw         gateway.ExchangeGateway
	planner    *Planner
	tracker    *Tracker
	guard      *Guard
	cleanup    *Cleanup
	reconciler *Reconciler
	trend      *signal.Trend
	channels   *channel.Channels
	mutation   sync.Mutex

	sessionID string
	startTime time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	halted  bool

	log *logger.Log
}

func NewEngine(cfg *appconfig.Config, gw gateway.ExchangeGateway, channels *channel.Channels) (*Engine, error) {
	planner, err := NewPlanner(cfg)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	guard, err := NewGuard(cfg)
	if err != nil {
		return nil, fmt.Errorf("risk guard: %w", err)
	}

	driftTol := decimal.Zero
	if cfg.Engine.DriftTolerance != "" {
		driftTol, err = decimal.NewFromString(cfg.Engine.DriftTolerance)
		if err != nil {
			return nil, fmt.Errorf("invalid engine.drift_tolerance %q: %w", cfg.Engine.DriftTolerance, err)
		}
	}
	tracker := NewTracker(driftTol)

	e := &Engine{
		config:    cfg,
		gw:        gw,
		planner:   planner,
		tracker:   tracker,
		guard:     guard,
		channels:  channels,
		sessionID: uuid.NewString(),
		log:       logger.GetLogger(),
	}
	e.cleanup = NewCleanup(gw, &e.mutation, cfg.Retry.MaxAttempts)
	e.reconciler = NewReconciler(cfg, gw, planner, tracker, guard, e.cleanup,
		channels.Fills, channels.Trades, &e.mutation)

	if cfg.Signal.Enabled {
		e.trend = signal.NewTrend(cfg)
	}

	return e, nil
}

// Start runs the recovery pass and launches the trading loop. The
// recovery pass is synchronous: the engine refuses to start if it cannot
// establish the venue's state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.startTime = time.Now()

	if err := e.reconciler.Recover(e.ctx); err != nil {
		e.cancel()
		return err
	}

	e.running = true
	e.wg.Add(1)
	go e.run()

	if e.trend != nil {
		e.wg.Add(1)
		go e.runTrend()
	}

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"session_id": e.sessionID,
		"symbol":     e.config.Instrument.Symbol,
		"tick":       e.config.Engine.TickInterval,
	}).Info("engine started")
	return nil
}

// Stop halts the trading loop. It does not touch venue state; Shutdown
// owns the teardown sequence.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.log.WithComponent("engine").Info("engine stopped")
}

// Shutdown stops the loop, cancels the ladder and flattens the position
// when configured. Used on SIGINT/SIGTERM.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()

	log := e.log.WithComponent("engine")
	log.Info("cancelling open orders")
	if err := e.cleanup.CancelAllOrders(ctx); err != nil {
		log.WithError(err).Error("shutdown cancel pass failed")
		return err
	}

	if e.config.Engine.FlattenOnExit {
		log.Info("flattening position")
		if err := e.cleanup.ForceClosePosition(ctx); err != nil {
			log.WithError(err).Error("shutdown flatten failed")
			return err
		}
	}
	return nil
}

// Cleanup exposes the executor for operator tooling.
func (e *Engine) Cleanup() *Cleanup {
	return e.cleanup
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.isHalted() {
				continue
			}
			err := e.reconciler.Tick(e.ctx)
			if err != nil && e.ctx.Err() == nil {
				e.log.WithComponent("engine").WithError(err).Warn("tick failed")
			}
			// Halt only once the unwind went through cleanly; a failed
			// cancel or flatten is retried on the next tick.
			if err == nil && e.guard.State() == models.ActionUnwindAll {
				e.setHalted()
			}
		}
	}
}

// runTrend refreshes the trend verdict on its own interval and feeds the
// reconciler a spacing adjustment plus the window move for risk checks.
func (e *Engine) runTrend() {
	defer e.wg.Done()
	log := e.log.WithComponent("engine")

	interval := e.config.Signal.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	widen := decimal.NewFromInt(2)
	if e.config.Signal.WidenMult != "" {
		if w, err := decimal.NewFromString(e.config.Signal.WidenMult); err == nil && w.Sign() > 0 {
			widen = w
		}
	}

	e.refreshTrend(widen, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshTrend(widen, log)
		}
	}
}

func (e *Engine) refreshTrend(widen decimal.Decimal, log *logger.Entry) {
	limit := e.trend.MinCandles()
	if w := e.config.Risk.TrendWindow; w+1 > limit {
		limit = w + 1
	}

	candles, err := e.gw.Klines(e.ctx, e.config.Signal.KlineInterval, limit)
	if err != nil {
		if e.ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch candles for trend signal")
		}
		return
	}

	verdict := e.trend.Evaluate(candles)
	adjust := IdentityAdjust()
	switch verdict.Direction {
	case signal.StrongUp:
		adjust.SellMult = widen
	case signal.StrongDown:
		adjust.BuyMult = widen
	}
	e.reconciler.SetAdjust(adjust)

	if w := e.config.Risk.TrendWindow; w > 0 {
		e.reconciler.SetTrendMove(signal.WindowMovePct(candles, w))
	}
}

// Snapshot assembles a point-in-time copy of engine state. It takes no
// venue calls and holds no lock across I/O, so it is safe to call from
// the reporter and the status server at any time.
func (e *Engine) Snapshot() models.SummarySnapshot {
	now := time.Now()
	pos := e.tracker.Snapshot()
	mark := e.reconciler.LastMark()
	peak, drawdown := e.guard.EquityStats()

	var counts models.LadderCounts
	open := 0
	for _, l := range e.reconciler.Ladder() {
		switch l.State {
		case models.LevelPlanned:
			counts.Planned++
		case models.LevelPlacing:
			counts.Placing++
		case models.LevelResting:
			counts.Resting++
			open++
		case models.LevelPartiallyFilled:
			counts.PartiallyFilled++
			open++
		case models.LevelFilled:
			counts.Filled++
		case models.LevelCancelling:
			counts.Cancelling++
		case models.LevelCancelled:
			counts.Cancelled++
		case models.LevelFailed:
			counts.Failed++
		}
	}

	return models.SummarySnapshot{
		Date:          now.Format("2006-01-02"),
		Timestamp:     now,
		Symbol:        e.config.Instrument.Symbol,
		SessionID:     e.sessionID,
		Generation:    e.reconciler.Generation(),
		MarkPrice:     mark,
		Position:      pos,
		UnrealizedPnL: pos.UnrealizedPnL(mark),
		EquityPeak:    peak,
		Drawdown:      drawdown,
		OpenOrders:    open,
		Ladder:        counts,
		Trades:        e.tracker.Stats(),
		RiskState:     e.guard.State().String(),
		LastError:     e.reconciler.LastError(),
		Uptime:        now.Sub(e.startTime),
	}
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) setHalted() {
	e.mu.Lock()
	if !e.halted {
		e.halted = true
		e.log.WithComponent("engine").Warn("trading halted, unwind complete")
	}
	e.mu.Unlock()
}
