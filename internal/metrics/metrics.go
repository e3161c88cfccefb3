// Registers:
//
//	#gridflow_orders_placed_total
//	#gridflow_orders_canceled_total
//	#gridflow_orders_rejected_total
//	#gridflow_fills_applied_total
//	#gridflow_fills_duplicate_total
//	#gridflow_risk_transitions_total
//	#gridflow_position_qty / unrealized_pnl / open_orders gauges
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once            sync.Once
	ordersPlaced    *prometheus.CounterVec
	ordersCanceled  *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	fillsApplied    *prometheus.CounterVec
	fillsDuplicate  *prometheus.CounterVec
	riskTransitions *prometheus.CounterVec
	positionQty     prometheus.Gauge
	unrealizedPnL   prometheus.Gauge
	openOrders      prometheus.Gauge
)

func Init(address string) {
	once.Do(func() {
		ordersPlaced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_orders_placed_total",
				Help: "Number of grid orders successfully placed",
			},
			[]string{"side"},
		)

		ordersCanceled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_orders_canceled_total",
				Help: "Number of grid orders cancelled",
			},
			[]string{"side"},
		)

		ordersRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_orders_rejected_total",
				Help: "Number of order placements rejected by the venue",
			},
			[]string{"side"},
		)

		fillsApplied = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_fills_applied_total",
				Help: "Number of fills applied to the position tracker",
			},
			[]string{"side"},
		)

		fillsDuplicate = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_fills_duplicate_total",
				Help: "Number of duplicate fill deliveries skipped",
			},
			[]string{"side"},
		)

		riskTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridflow_risk_transitions_total",
				Help: "Number of risk guard state transitions",
			},
			[]string{"to"},
		)

		positionQty = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridflow_position_qty",
			Help: "Current signed position quantity",
		})

		unrealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridflow_unrealized_pnl",
			Help: "Unrealized PnL at the latest mark price",
		})

		openOrders = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridflow_open_orders",
			Help: "Number of orders currently resting on the venue",
		})

		_ = prometheus.Register(ordersPlaced)
		_ = prometheus.Register(ordersCanceled)
		_ = prometheus.Register(ordersRejected)
		_ = prometheus.Register(fillsApplied)
		_ = prometheus.Register(fillsDuplicate)
		_ = prometheus.Register(riskTransitions)
		_ = prometheus.Register(positionQty)
		_ = prometheus.Register(unrealizedPnL)
		_ = prometheus.Register(openOrders)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			address = "0.0.0.0:2112"
		}

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementOrderPlaced increases the placed counter for a given side.
func IncrementOrderPlaced(side string) {
	if ordersPlaced != nil {
		ordersPlaced.WithLabelValues(side).Inc()
	}
}

// IncrementOrderCanceled increases the cancel counter for a given side.
func IncrementOrderCanceled(side string) {
	if ordersCanceled != nil {
		ordersCanceled.WithLabelValues(side).Inc()
	}
}

// IncrementOrderRejected increases the reject counter for a given side.
func IncrementOrderRejected(side string) {
	if ordersRejected != nil {
		ordersRejected.WithLabelValues(side).Inc()
	}
}

// IncrementFillApplied increases the applied-fill counter for a given side.
func IncrementFillApplied(side string) {
	if fillsApplied != nil {
		fillsApplied.WithLabelValues(side).Inc()
	}
}

// IncrementFillDuplicate increases the duplicate-fill counter.
func IncrementFillDuplicate(side string) {
	if fillsDuplicate != nil {
		fillsDuplicate.WithLabelValues(side).Inc()
	}
}

// IncrementRiskTransition records a risk guard transition to a new state.
func IncrementRiskTransition(to string) {
	if riskTransitions != nil {
		riskTransitions.WithLabelValues(to).Inc()
	}
}

// SetPositionQty updates the position gauge.
func SetPositionQty(qty float64) {
	if positionQty != nil {
		positionQty.Set(qty)
	}
}

// SetUnrealizedPnL updates the unrealized PnL gauge.
func SetUnrealizedPnL(pnl float64) {
	if unrealizedPnL != nil {
		unrealizedPnL.Set(pnl)
	}
}

// SetOpenOrders updates the open-order gauge.
func SetOpenOrders(n int) {
	if openOrders != nil {
		openOrders.Set(float64(n))
	}
}
