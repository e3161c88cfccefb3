package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridflow/internal/gateway"
	"gridflow/internal/metrics"
	"gridflow/logger"
	"gridflow/models"
)

// Cleanup cancels every open order and flattens the position. It serves
// the unwind path, graceful shutdown and the standalone cleanup tool, and
// shares the mutation mutex with the reconciler so neither races a
// half-finished change of the other.
type Cleanup struct {
	gw          gateway.ExchangeGateway
	mu          *sync.Mutex
	maxAttempts int
	log         *logger.Log
}

func NewCleanup(gw gateway.ExchangeGateway, mutation *sync.Mutex, maxAttempts int) *Cleanup {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Cleanup{
		gw:          gw,
		mu:          mutation,
		maxAttempts: maxAttempts,
		log:         logger.GetLogger(),
	}
}

// CancelAllOrders queries the venue for the authoritative open-order set
// and cancels each one. An order that is already gone counts as success,
// so a second invocation over an empty book succeeds trivially.
func (c *Cleanup) CancelAllOrders(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithComponent("cleanup")

	orders, err := c.gw.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}
	if len(orders) == 0 {
		log.Info("no open orders to cancel")
		return nil
	}

	var failed int
	for _, o := range orders {
		if err := c.gw.CancelOrder(ctx, o.ClientOrderID); err != nil {
			if gateway.IsAlreadyGone(err) {
				continue
			}
			failed++
			log.WithError(err).WithFields(logger.Fields{
				"client_order_id": o.ClientOrderID,
			}).Warn("failed to cancel order")
			continue
		}
		metrics.IncrementOrderCanceled(string(o.Side))
	}

	log.WithFields(logger.Fields{
		"total":  len(orders),
		"failed": failed,
	}).Info("cancel pass complete")

	if failed > 0 {
		return fmt.Errorf("%d of %d cancels failed", failed, len(orders))
	}
	return nil
}

// ForceClosePosition flattens the position with reduce-only market
// orders. Each attempt sizes the order from a fresh position query, so a
// partial close or a concurrent fill only shrinks the next order.
func (c *Cleanup) ForceClosePosition(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithComponent("cleanup")

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		pos, err := c.gw.Position(ctx)
		if err != nil {
			return fmt.Errorf("failed to query position: %w", err)
		}
		if pos.Flat() {
			if attempt == 1 {
				log.Info("position already flat")
			} else {
				log.Info("position flattened")
			}
			return nil
		}

		side := models.SideSell
		if pos.Qty.Sign() < 0 {
			side = models.SideBuy
		}

		req := gateway.OrderRequest{
			ClientOrderID: fmt.Sprintf("gfx-%d", time.Now().UnixNano()),
			Side:          side,
			Quantity:      pos.AbsQty(),
			Market:        true,
			ReduceOnly:    true,
		}

		log.WithFields(logger.Fields{
			"attempt":  attempt,
			"side":     side,
			"quantity": req.Quantity,
		}).Info("submitting reduce-only close")

		if _, err := c.gw.PlaceOrder(ctx, req); err != nil {
			if gateway.IsFatal(err) {
				return fmt.Errorf("close order failed: %w", err)
			}
			log.WithError(err).Warn("close order rejected, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return fmt.Errorf("position not flat after %d attempts", c.maxAttempts)
}
