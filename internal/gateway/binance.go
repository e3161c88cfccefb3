package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "gridflow/config"
	"gridflow/logger"
	"gridflow/models"
)

// markStaleAfter bounds how long the streamed mark price is trusted before
// falling back to a REST query.
const markStaleAfter = 10 * time.Second

// defaultEndpoints returns the REST and stream endpoints for the current
// application environment. Development talks to the futures testnet unless
// endpoints are configured explicitly.
func defaultEndpoints() (restURL, streamURL string) {
	if appconfig.IsProductionLike(appconfig.AppEnvironment()) {
		return "https://fapi.binance.com", "wss://fstream.binance.com"
	}
	return "https://testnet.binancefuture.com", "wss://stream.binancefuture.com"
}

// BinanceGateway implements ExchangeGateway against Binance USDⓈ-M futures
// using the go-binance client.
type BinanceGateway struct {
	config  *appconfig.Config
	client  *futures.Client
	symbol  string
	limiter *rate.Limiter
	log     *logger.Log

	markMu     sync.RWMutex
	lastMark   decimal.Decimal
	lastMarkAt time.Time
}

// NewBinanceGateway creates a gateway bound to the configured instrument.
func NewBinanceGateway(cfg *appconfig.Config) (*BinanceGateway, error) {
	log := logger.GetLogger()

	key, secret, err := cfg.Exchange.Credentials()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Exchange.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Exchange.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Exchange.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Exchange.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	timeout := cfg.Exchange.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	restEndpoint := cfg.Exchange.RESTEndpoint
	if restEndpoint == "" {
		restEndpoint, _ = defaultEndpoints()
	}
	// The user data stream helper reads this package-level switch, so keep
	// it consistent with whatever REST endpoint was resolved.
	futures.UseTestnet = strings.Contains(restEndpoint, "testnet")

	client := futures.NewClient(key, secret)
	client.HTTPClient = httpClient
	client.SetApiEndpoint(restEndpoint)

	rl := cfg.Exchange.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	gw := &BinanceGateway{
		config:  cfg,
		client:  client,
		symbol:  cfg.Instrument.Symbol,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}

	log.WithComponent("binance_gateway").WithFields(logger.Fields{
		"symbol":             gw.symbol,
		"endpoint":           restEndpoint,
		"environment":        appconfig.AppEnvironment(),
		"max_idle_conns":     cfg.Exchange.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Exchange.ConnectionPool.MaxConnsPerHost,
		"timeout":            timeout,
	}).Info("binance gateway initialized")

	return gw, nil
}

// Setup applies the account-level settings the strategy depends on:
// leverage and one-way position mode. Position mode errors for "no change
// needed" are tolerated.
func (g *BinanceGateway) Setup(ctx context.Context) error {
	log := g.log.WithComponent("binance_gateway")

	if lev := g.config.Instrument.Leverage; lev > 0 {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := g.client.NewChangeLeverageService().
			Symbol(g.symbol).Leverage(lev).Do(ctx); err != nil {
			return g.classify("change_leverage", err)
		}
		log.WithFields(logger.Fields{"leverage": lev}).Info("leverage configured")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := g.client.NewChangePositionModeService().DualSide(false).Do(ctx); err != nil {
		// -4059: position mode already matches.
		var apiErr *common.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != -4059 {
			return g.classify("change_position_mode", err)
		}
	}

	return nil
}

func (g *BinanceGateway) OpenOrders(ctx context.Context) ([]models.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.client.NewListOpenOrdersService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return nil, g.classify("open_orders", err)
	}

	orders := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, convertOrder(o))
	}
	return orders, nil
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (models.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return models.Order{}, err
	}

	svc := g.client.NewCreateOrderService().
		Symbol(g.symbol).
		Side(futures.SideType(req.Side)).
		NewClientOrderID(req.ClientOrderID).
		Quantity(req.Quantity.String())

	if req.Market {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.Price.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return models.Order{}, g.classify("place_order", err)
	}

	gen, idx, _ := models.ParseClientOrderID(resp.ClientOrderID)
	order := models.Order{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		LevelIndex:      idx,
		Generation:      gen,
		Symbol:          resp.Symbol,
		Side:            models.Side(resp.Side),
		Price:           mustDecimal(resp.Price),
		Quantity:        mustDecimal(resp.OrigQuantity),
		FilledQty:       mustDecimal(resp.ExecutedQuantity),
		ReduceOnly:      resp.ReduceOnly,
		Status:          models.OrderStatus(resp.Status),
		UpdatedAt:       time.Now(),
	}
	return order, nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.client.NewCancelOrderService().
		Symbol(g.symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return g.classify("cancel_order", err)
	}
	return nil
}

func (g *BinanceGateway) Position(ctx context.Context) (models.Position, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return models.Position{}, err
	}
	risks, err := g.client.NewGetPositionRiskService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return models.Position{}, g.classify("position", err)
	}

	pos := models.Position{}
	for _, r := range risks {
		if r.Symbol != g.symbol {
			continue
		}
		pos.Qty = mustDecimal(r.PositionAmt)
		pos.AvgEntryPrice = mustDecimal(r.EntryPrice)
		break
	}
	return pos, nil
}

func (g *BinanceGateway) MarkPrice(ctx context.Context) (decimal.Decimal, error) {
	g.markMu.RLock()
	mark, at := g.lastMark, g.lastMarkAt
	g.markMu.RUnlock()
	if !mark.IsZero() && time.Since(at) < markStaleAfter {
		return mark, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	idx, err := g.client.NewPremiumIndexService().Symbol(g.symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, g.classify("mark_price", err)
	}
	if len(idx) == 0 {
		return decimal.Zero, &GatewayError{
			Kind: KindTransient,
			Op:   "mark_price",
			Err:  fmt.Errorf("no premium index for %s", g.symbol),
		}
	}

	mark = mustDecimal(idx[0].MarkPrice)
	g.setMark(mark)
	return mark, nil
}

func (g *BinanceGateway) Klines(ctx context.Context, interval string, limit int) ([]models.Candle, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := g.client.NewKlinesService().
		Symbol(g.symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, g.classify("klines", err)
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		candles = append(candles, models.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     mustFloat(k.Open),
			High:     mustFloat(k.High),
			Low:      mustFloat(k.Low),
			Close:    mustFloat(k.Close),
			Volume:   mustFloat(k.Volume),
		})
	}
	return candles, nil
}

func (g *BinanceGateway) setMark(mark decimal.Decimal) {
	g.markMu.Lock()
	g.lastMark = mark
	g.lastMarkAt = time.Now()
	g.markMu.Unlock()
}

// classify maps venue errors onto the retry taxonomy. Anything that is not
// a structured API error is assumed to be a network failure and retried.
func (g *BinanceGateway) classify(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &GatewayError{Kind: KindTransient, Op: op, Err: err}
	}

	kind := classifyCode(apiErr.Code)
	return &GatewayError{Kind: kind, Op: op, Code: apiErr.Code, Err: err}
}

func classifyCode(code int64) ErrorKind {
	switch code {
	case -1000, -1001, -1003, -1007, -1015, -1021:
		// Internal errors, rate limits and timestamp drift recover on
		// their own.
		return KindTransient
	case -2011, -2013:
		// Unknown order: the cancel target is already gone.
		return KindAlreadyGone
	case -4116:
		return KindDuplicate
	case -2014, -2015:
		// Credential failures never recover without operator action.
		return KindFatal
	default:
		return KindRejected
	}
}

func convertOrder(o *futures.Order) models.Order {
	gen, idx, _ := models.ParseClientOrderID(o.ClientOrderID)
	return models.Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		LevelIndex:      idx,
		Generation:      gen,
		Symbol:          o.Symbol,
		Side:            models.Side(o.Side),
		Price:           mustDecimal(o.Price),
		Quantity:        mustDecimal(o.OrigQuantity),
		FilledQty:       mustDecimal(o.ExecutedQuantity),
		AvgFillPrice:    mustDecimal(o.AvgPrice),
		ReduceOnly:      o.ReduceOnly,
		Status:          models.OrderStatus(o.Status),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mustFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
