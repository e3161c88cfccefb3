package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/internal/channel"
	"gridflow/internal/gateway"
	"gridflow/internal/metrics"
	"gridflow/logger"
	"gridflow/models"
)

// Reconciler owns the ladder. Every tick it folds in fill events, asks
// the risk guard for a verdict and then converges the venue's open orders
// toward the planned ladder. All venue mutations happen under the shared
// mutation mutex, and a level with a mutation in flight is never touched
// again until the venue acknowledges or a re-query resolves it.
type Reconciler struct {
	config   *appconfig.Config
	gw       gateway.ExchangeGateway
	planner  *Planner
	tracker  *Tracker
	guard    *Guard
	cleanup  *Cleanup
	fills    *channel.FillChannels
	trades   *channel.TradeChannels
	mutation *sync.Mutex

	mu           sync.Mutex
	ladder       map[int]*models.GridLevel
	generation   int64
	lastMark     decimal.Decimal
	lastError    string
	trendMovePct decimal.Decimal
	adjust       SpacingAdjust
	pendingSince map[int]time.Time

	driftTolerance decimal.Decimal
	log            *logger.Log
}

func NewReconciler(
	cfg *appconfig.Config,
	gw gateway.ExchangeGateway,
	planner *Planner,
	tracker *Tracker,
	guard *Guard,
	cleanup *Cleanup,
	fills *channel.FillChannels,
	trades *channel.TradeChannels,
	mutation *sync.Mutex,
) *Reconciler {
	tol := decimal.Zero
	if cfg.Engine.DriftTolerance != "" {
		tol, _ = decimal.NewFromString(cfg.Engine.DriftTolerance)
	}
	return &Reconciler{
		config:         cfg,
		gw:             gw,
		planner:        planner,
		tracker:        tracker,
		guard:          guard,
		cleanup:        cleanup,
		fills:          fills,
		trades:         trades,
		mutation:       mutation,
		ladder:         make(map[int]*models.GridLevel),
		generation:     1,
		adjust:         IdentityAdjust(),
		pendingSince:   make(map[int]time.Time),
		driftTolerance: tol,
		log:            logger.GetLogger(),
	}
}

// Recover adopts the venue's open orders as the live ladder. Orders from
// the highest generation become levels again; anything unparseable or
// from an older generation is cancelled. The position is seeded from the
// venue, which is the only authority after a restart.
func (r *Reconciler) Recover(ctx context.Context) error {
	log := r.log.WithComponent("reconciler")

	orders, err := r.gw.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed to list open orders: %w", err)
	}

	var maxGen int64
	for _, o := range orders {
		if gen, _, ok := models.ParseClientOrderID(o.ClientOrderID); ok && gen > maxGen {
			maxGen = gen
		}
	}

	adopted := 0
	var stale []models.Order
	r.mu.Lock()
	for i := range orders {
		o := orders[i]
		gen, idx, ok := models.ParseClientOrderID(o.ClientOrderID)
		if !ok || gen != maxGen {
			stale = append(stale, o)
			continue
		}

		state := models.LevelResting
		if o.FilledQty.Sign() > 0 {
			state = models.LevelPartiallyFilled
		}
		r.ladder[idx] = &models.GridLevel{
			Index:      idx,
			Side:       models.SideForIndex(idx),
			Price:      o.Price,
			Size:       o.Quantity,
			State:      state,
			Generation: gen,
			Order:      &o,
		}
		adopted++
	}
	if maxGen > 0 {
		r.generation = maxGen
	}
	r.mu.Unlock()

	for _, o := range stale {
		if err := r.cancelOrder(ctx, o.ClientOrderID, string(o.Side)); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"client_order_id": o.ClientOrderID,
			}).Warn("failed to cancel stale order during recovery")
		}
	}

	pos, err := r.gw.Position(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed to query position: %w", err)
	}
	r.tracker.Seed(pos)

	log.WithFields(logger.Fields{
		"adopted":    adopted,
		"cancelled":  len(stale),
		"generation": r.generation,
		"position":   pos.Qty,
	}).Info("recovery complete")

	return nil
}

// Tick runs one reconcile pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.drainFills(ctx)

	mark, err := r.gw.MarkPrice(ctx)
	if err != nil {
		r.setError(fmt.Sprintf("mark price unavailable: %v", err))
		return err
	}
	r.setMark(mark)

	if exPos, err := r.gw.Position(ctx); err == nil {
		if drift, within := r.tracker.Reconcile(exPos.Qty); !within {
			r.guard.Suspend(fmt.Sprintf("position drift %s beyond tolerance %s", drift, r.driftTolerance))
		}
	} else {
		r.log.WithComponent("reconciler").WithError(err).Warn("position query failed, drift check skipped")
	}

	pos := r.tracker.Snapshot()
	metrics.SetPositionQty(pos.Qty.InexactFloat64())
	metrics.SetUnrealizedPnL(pos.UnrealizedPnL(mark).InexactFloat64())

	action := r.guard.Evaluate(RiskInput{
		Position:     pos,
		Mark:         mark,
		TrendMovePct: r.trendMove(),
	})

	if action == models.ActionUnwindAll {
		return r.unwind(ctx)
	}

	r.resolvePending(ctx)
	r.ensureLadder(ctx, mark)

	if action == models.ActionContinue {
		r.placePlanned(ctx, pos)
	}

	metrics.SetOpenOrders(r.openLevelCount())
	return nil
}

// SetAdjust installs the spacing adjustment for the next replan.
func (r *Reconciler) SetAdjust(a SpacingAdjust) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjust = a
}

// SetTrendMove records the latest window move for risk evaluation.
func (r *Reconciler) SetTrendMove(pct decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trendMovePct = pct
}

// Ladder returns a value copy of every level, for snapshots.
func (r *Reconciler) Ladder() []models.GridLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.GridLevel, 0, len(r.ladder))
	for _, l := range r.ladder {
		out = append(out, *l)
	}
	return out
}

func (r *Reconciler) Generation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *Reconciler) LastMark() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMark
}

func (r *Reconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// CancelAll cancels the whole ladder. Used by shutdown.
func (r *Reconciler) CancelAll(ctx context.Context) error {
	err := r.cleanup.CancelAllOrders(ctx)

	r.mu.Lock()
	for _, l := range r.ladder {
		if !l.State.Terminal() {
			l.State = models.LevelCancelled
		}
	}
	r.pendingSince = make(map[int]time.Time)
	r.mu.Unlock()

	return err
}

func (r *Reconciler) drainFills(ctx context.Context) {
	for {
		select {
		case f, ok := <-r.fills.Events:
			if !ok {
				return
			}
			r.applyFill(ctx, f)
		default:
			return
		}
	}
}

func (r *Reconciler) applyFill(ctx context.Context, f models.Fill) {
	realized, applied := r.tracker.ApplyFill(f)
	if !applied {
		metrics.IncrementFillDuplicate(string(f.Side))
		return
	}
	metrics.IncrementFillApplied(string(f.Side))
	logger.IncrementFillApplied()

	gen, idx, ok := models.ParseClientOrderID(f.ClientOrderID)

	r.mu.Lock()
	if ok {
		if l, found := r.ladder[idx]; found && l.Generation == gen && l.Order != nil {
			prev := l.Order.FilledQty
			l.Order.FilledQty = prev.Add(f.Quantity)
			if prev.Sign() <= 0 {
				l.Order.AvgFillPrice = f.Price
			} else {
				notional := l.Order.AvgFillPrice.Mul(prev).Add(f.Price.Mul(f.Quantity))
				l.Order.AvgFillPrice = notional.Div(l.Order.FilledQty)
			}
			if l.Order.FilledQty.GreaterThanOrEqual(l.Size) {
				l.State = models.LevelFilled
				l.Order.Status = models.OrderFilled
			} else {
				l.State = models.LevelPartiallyFilled
				l.Order.Status = models.OrderPartiallyFilled
			}
		}
	}
	generation := r.generation
	r.mu.Unlock()

	r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"fill_id":  f.ID,
		"level":    idx,
		"price":    f.Price,
		"quantity": f.Quantity,
		"realized": realized,
	}).Info("fill processed")

	if r.trades != nil {
		r.trades.Send(ctx, models.TradeRecord{
			FillID:        f.ID,
			Timestamp:     f.Timestamp,
			Symbol:        f.Symbol,
			Side:          f.Side,
			Price:         f.Price,
			Quantity:      f.Quantity,
			Fee:           f.Fee,
			RealizedPnL:   realized,
			LevelIndex:    idx,
			Generation:    generation,
			ClientOrderID: f.ClientOrderID,
		})
	}
}

// resolvePending re-queries the venue for levels whose mutation has been
// in flight longer than the pending timeout and settles their state from
// what the venue reports.
func (r *Reconciler) resolvePending(ctx context.Context) {
	r.mu.Lock()
	var overdue []*models.GridLevel
	now := time.Now()
	for idx, since := range r.pendingSince {
		l, found := r.ladder[idx]
		if !found || !l.State.Pending() {
			delete(r.pendingSince, idx)
			continue
		}
		if now.Sub(since) >= r.config.Engine.PendingTimeout {
			overdue = append(overdue, l)
		}
	}
	r.mu.Unlock()

	if len(overdue) == 0 {
		return
	}

	orders, err := r.gw.OpenOrders(ctx)
	if err != nil {
		r.setError(fmt.Sprintf("pending re-query failed: %v", err))
		return
	}
	open := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		open[o.ClientOrderID] = o
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range overdue {
		id := l.ClientOrderID()
		o, resting := open[id]
		switch l.State {
		case models.LevelPlacing:
			if resting {
				cp := o
				l.Order = &cp
				l.State = models.LevelResting
			} else {
				// Never reached the book: safe to try again.
				l.State = models.LevelPlanned
			}
		case models.LevelCancelling:
			if !resting {
				l.State = models.LevelCancelled
			} else {
				// Cancel evaporated somewhere; re-issue next tick.
				l.State = models.LevelResting
			}
		}
		delete(r.pendingSince, l.Index)
		r.log.WithComponent("reconciler").WithFields(logger.Fields{
			"level": l.Index,
			"state": l.State,
		}).Warn("pending mutation resolved by re-query")
	}
}

// ensureLadder plans the first ladder and replans when the mark leaves
// the band. A replan cancels the old generation first and never starts
// while any level has a mutation in flight.
func (r *Reconciler) ensureLadder(ctx context.Context, mark decimal.Decimal) {
	r.mu.Lock()
	current := make([]*models.GridLevel, 0, len(r.ladder))
	hasPending := false
	hasFailed := false
	active := 0
	for _, l := range r.ladder {
		current = append(current, l)
		if l.State.Pending() {
			hasPending = true
		}
		if l.State == models.LevelFailed {
			hasFailed = true
		}
		if !l.State.Terminal() {
			active++
		}
	}
	generation := r.generation
	adjust := r.adjust
	r.mu.Unlock()

	if hasPending {
		return
	}

	// A venue reject leaves a hole in the ladder that only a fresh plan
	// at the current mark can fill.
	needsReplan := active == 0 || hasFailed || r.planner.NeedsReplan(mark, current)
	if !needsReplan {
		return
	}

	// Cancel whatever of the old generation still rests. The replan must
	// not proceed past an unresolved cancel: replacing the ladder would
	// orphan the still-resting venue order.
	for _, l := range current {
		if l.State == models.LevelResting || l.State == models.LevelPartiallyFilled {
			r.cancelLevel(ctx, l)
		}
	}
	r.mu.Lock()
	unresolved := 0
	for _, l := range r.ladder {
		if l.State == models.LevelCancelling {
			unresolved++
		}
	}
	r.mu.Unlock()
	if unresolved > 0 {
		r.setError(fmt.Sprintf("replan deferred: %d cancels unresolved", unresolved))
		r.log.WithComponent("reconciler").WithFields(logger.Fields{
			"unresolved": unresolved,
		}).Warn("replan deferred until cancels resolve")
		return
	}

	newGen := generation + 1
	levels := r.planner.Plan(mark, newGen, adjust)

	r.mu.Lock()
	r.generation = newGen
	r.ladder = make(map[int]*models.GridLevel, len(levels))
	for _, l := range levels {
		r.ladder[l.Index] = l
	}
	r.pendingSince = make(map[int]time.Time)
	r.mu.Unlock()

	r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"generation": newGen,
		"reference":  mark,
		"levels":     len(levels),
	}).Info("ladder planned")
}

// placePlanned submits every planned level that the exposure limit
// admits, innermost first.
func (r *Reconciler) placePlanned(ctx context.Context, pos models.Position) {
	for depth := 1; ; depth++ {
		r.mu.Lock()
		buy, buyOK := r.ladder[-depth]
		sell, sellOK := r.ladder[depth]
		r.mu.Unlock()
		if !buyOK && !sellOK {
			return
		}

		for _, l := range []*models.GridLevel{buy, sell} {
			if l == nil || l.State != models.LevelPlanned {
				continue
			}
			exposure := r.sideExposure(l.Side).Add(l.Size)
			if !r.guard.AllowPlacement(l.Side, exposure, pos.Qty) {
				r.log.WithComponent("reconciler").WithFields(logger.Fields{
					"level":    l.Index,
					"side":     l.Side,
					"exposure": exposure,
				}).Debug("placement blocked by exposure limit")
				continue
			}
			r.placeLevel(ctx, l)
		}
	}
}

// sideExposure sums the size still working on one side of the book.
func (r *Reconciler) sideExposure(side models.Side) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, l := range r.ladder {
		if l.Side != side {
			continue
		}
		switch l.State {
		case models.LevelPlacing, models.LevelResting:
			total = total.Add(l.Size)
		case models.LevelPartiallyFilled:
			remaining := l.Size
			if l.Order != nil {
				remaining = l.Size.Sub(l.Order.FilledQty)
			}
			total = total.Add(remaining)
		}
	}
	return total
}

// placeLevel submits one level, retrying transient failures with backoff.
// The deterministic client order id makes a retry after an ambiguous
// failure safe: the venue rejects the duplicate instead of double
// placing, and the duplicate reject is treated as success.
func (r *Reconciler) placeLevel(ctx context.Context, l *models.GridLevel) {
	r.mu.Lock()
	l.State = models.LevelPlacing
	l.Attempts++
	r.pendingSince[l.Index] = time.Now()
	r.mu.Unlock()

	req := gateway.OrderRequest{
		ClientOrderID: l.ClientOrderID(),
		Side:          l.Side,
		Price:         l.Price,
		Quantity:      l.Size,
	}

	retry := &backoff.Backoff{
		Min:    r.config.Retry.BaseDelay,
		Max:    r.config.Retry.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	r.mutation.Lock()
	defer r.mutation.Unlock()

	for attempt := 1; attempt <= r.config.Retry.MaxAttempts; attempt++ {
		order, err := r.gw.PlaceOrder(ctx, req)
		if err == nil {
			r.mu.Lock()
			l.Order = &order
			l.State = models.LevelResting
			delete(r.pendingSince, l.Index)
			r.mu.Unlock()
			metrics.IncrementOrderPlaced(string(l.Side))
			logger.IncrementOrderPlaced()
			r.log.WithComponent("reconciler").WithFields(logger.Fields{
				"level": l.Index,
				"side":  l.Side,
				"price": l.Price,
				"size":  l.Size,
			}).Info("order placed")
			return
		}

		switch gateway.KindOf(err) {
		case gateway.KindDuplicate:
			// An earlier attempt reached the book. Leave the level
			// pending; the re-query adopts the resting order.
			r.log.WithComponent("reconciler").WithFields(logger.Fields{
				"level": l.Index,
			}).Warn("duplicate client order id, awaiting re-query")
			return
		case gateway.KindRejected, gateway.KindFatal:
			r.mu.Lock()
			l.State = models.LevelFailed
			delete(r.pendingSince, l.Index)
			r.mu.Unlock()
			metrics.IncrementOrderRejected(string(l.Side))
			r.setError(fmt.Sprintf("level %d rejected: %v", l.Index, err))
			r.log.WithComponent("reconciler").WithError(err).WithFields(logger.Fields{
				"level": l.Index,
			}).Error("order rejected")
			return
		}

		if attempt == r.config.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Duration()):
		}
	}

	r.mu.Lock()
	l.State = models.LevelFailed
	delete(r.pendingSince, l.Index)
	r.mu.Unlock()
	r.setError(fmt.Sprintf("level %d failed after %d attempts", l.Index, r.config.Retry.MaxAttempts))
	r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"level":    l.Index,
		"attempts": r.config.Retry.MaxAttempts,
	}).Error("order placement exhausted retries")
}

// cancelLevel withdraws one resting level.
func (r *Reconciler) cancelLevel(ctx context.Context, l *models.GridLevel) {
	r.mu.Lock()
	l.State = models.LevelCancelling
	r.pendingSince[l.Index] = time.Now()
	r.mu.Unlock()

	err := r.cancelOrder(ctx, l.ClientOrderID(), string(l.Side))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		l.State = models.LevelCancelled
		delete(r.pendingSince, l.Index)
		return
	}
	// Leave Cancelling; the pending re-query settles it.
	r.log.WithComponent("reconciler").WithError(err).WithFields(logger.Fields{
		"level": l.Index,
	}).Warn("cancel unresolved")
}

// cancelOrder cancels by client order id with transient retries. An
// order that is already gone counts as cancelled.
func (r *Reconciler) cancelOrder(ctx context.Context, clientOrderID, side string) error {
	retry := &backoff.Backoff{
		Min:    r.config.Retry.BaseDelay,
		Max:    r.config.Retry.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	r.mutation.Lock()
	defer r.mutation.Unlock()

	var lastErr error
	for attempt := 1; attempt <= r.config.Retry.MaxAttempts; attempt++ {
		err := r.gw.CancelOrder(ctx, clientOrderID)
		if err == nil || gateway.IsAlreadyGone(err) {
			metrics.IncrementOrderCanceled(side)
			logger.IncrementOrderCanceled()
			return nil
		}
		lastErr = err
		if gateway.KindOf(err) != gateway.KindTransient {
			return err
		}
		if attempt == r.config.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.Duration()):
		}
	}
	return lastErr
}

// unwind cancels everything and, when configured, flattens the position.
func (r *Reconciler) unwind(ctx context.Context) error {
	r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"reason": r.guard.Reason(),
	}).Warn("unwinding")

	if err := r.CancelAll(ctx); err != nil {
		return err
	}
	if r.config.Risk.FlattenOnUnwind {
		return r.cleanup.ForceClosePosition(ctx)
	}
	return nil
}

func (r *Reconciler) openLevelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.ladder {
		if l.State == models.LevelResting || l.State == models.LevelPartiallyFilled {
			n++
		}
	}
	return n
}

func (r *Reconciler) setMark(mark decimal.Decimal) {
	r.mu.Lock()
	r.lastMark = mark
	r.mu.Unlock()
}

func (r *Reconciler) setError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
}

func (r *Reconciler) trendMove() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trendMovePct
}
