package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gridflow/models"
)

// ErrorKind classifies gateway failures for the retry policy. Transient
// failures are retried with backoff; rejected failures are surfaced and the
// request is never retried verbatim; fatal failures stop the engine from
// issuing further mutations.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRejected
	KindAlreadyGone
	KindDuplicate
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindAlreadyGone:
		return "already_gone"
	case KindDuplicate:
		return "duplicate"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// GatewayError wraps a venue error with its classification.
type GatewayError struct {
	Kind ErrorKind
	Op   string
	Code int64
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s (code=%d): %v", e.Op, e.Kind, e.Code, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Unclassified
// errors default to transient so that plain network failures are retried.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}

// IsAlreadyGone reports whether a cancel failed only because the order no
// longer exists on the venue. Callers treat this as success.
func IsAlreadyGone(err error) bool {
	return err != nil && KindOf(err) == KindAlreadyGone
}

// IsFatal reports whether the error means the connection or credentials
// are provably broken and retrying is pointless.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// OrderRequest describes a single order placement.
type OrderRequest struct {
	ClientOrderID string
	Side          models.Side
	Price         decimal.Decimal // ignored for market orders
	Quantity      decimal.Decimal
	Market        bool
	ReduceOnly    bool
}

// ExchangeGateway is the venue surface the engine consumes. Implementations
// bound every call by the configured timeout and rate limit.
type ExchangeGateway interface {
	// OpenOrders returns every open order for the instrument.
	OpenOrders(ctx context.Context) ([]models.Order, error)

	// PlaceOrder submits an order and returns the acknowledged view.
	PlaceOrder(ctx context.Context, req OrderRequest) (models.Order, error)

	// CancelOrder cancels by client order id. A missing order yields an
	// error for which IsAlreadyGone returns true.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// Position returns the venue-reported position for the instrument.
	Position(ctx context.Context) (models.Position, error)

	// MarkPrice returns the current mark price, preferring the stream
	// cache over a REST round trip.
	MarkPrice(ctx context.Context) (decimal.Decimal, error)

	// Klines returns recent candles for the signal module.
	Klines(ctx context.Context, interval string, limit int) ([]models.Candle, error)
}
