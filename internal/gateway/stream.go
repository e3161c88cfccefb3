package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	appconfig "gridflow/config"
	"gridflow/internal/channel"
	"gridflow/logger"
	"gridflow/models"
)

const (
	listenKeyKeepAlive = 25 * time.Minute
	markPingInterval   = 3 * time.Minute
)

// Streams owns the two long-lived venue connections: the user data stream
// that delivers executions and the public mark price stream. Both reconnect
// on their own; the reconcile loop covers any events missed in between.
type Streams struct {
	config *appconfig.Config
	gw     *BinanceGateway
	fills  *channel.FillChannels
	log    *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewStreams(cfg *appconfig.Config, gw *BinanceGateway, fills *channel.FillChannels) *Streams {
	return &Streams{
		config: cfg,
		gw:     gw,
		fills:  fills,
		log:    logger.GetLogger(),
	}
}

func (s *Streams) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.runUserStream()
	go s.runMarkStream()

	s.log.WithComponent("gateway_streams").WithFields(logger.Fields{
		"symbol": s.gw.symbol,
	}).Info("gateway streams started")
	return nil
}

func (s *Streams) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.WithComponent("gateway_streams").Info("gateway streams stopped")
}

// runUserStream keeps a user data subscription alive. Each attempt obtains
// a fresh listen key, serves it and renews it until the connection drops,
// then reconnects with backoff.
func (s *Streams) runUserStream() {
	defer s.wg.Done()
	log := s.log.WithComponent("user_stream")

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if s.ctx.Err() != nil {
			return
		}

		listenKey, err := s.gw.client.NewStartUserStreamService().Do(s.ctx)
		if err != nil {
			log.WithError(err).Warn("failed to obtain listen key")
			if sleepCtx(s.ctx, retry.Duration()) {
				return
			}
			continue
		}

		doneC, stopC, err := futures.WsUserDataServe(listenKey, s.handleUserEvent, func(err error) {
			log.WithError(err).Warn("user stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to open user stream")
			if sleepCtx(s.ctx, retry.Duration()) {
				return
			}
			continue
		}
		retry.Reset()
		log.Info("user stream connected")

		keepAlive := time.NewTicker(listenKeyKeepAlive)
	serve:
		for {
			select {
			case <-s.ctx.Done():
				keepAlive.Stop()
				close(stopC)
				<-doneC
				return
			case <-doneC:
				break serve
			case <-keepAlive.C:
				if err := s.gw.client.NewKeepaliveUserStreamService().
					ListenKey(listenKey).Do(s.ctx); err != nil {
					log.WithError(err).Warn("listen key keepalive failed")
				}
			}
		}
		keepAlive.Stop()

		log.Warn("user stream disconnected, reconnecting")
		if sleepCtx(s.ctx, retry.Duration()) {
			return
		}
	}
}

func (s *Streams) handleUserEvent(ev *futures.WsUserDataEvent) {
	if ev.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	u := ev.OrderTradeUpdate
	if u.Symbol != s.gw.symbol {
		return
	}
	if u.ExecutionType != futures.OrderExecutionTypeTrade {
		return
	}

	fill := models.Fill{
		ID:            strconv.FormatInt(u.TradeID, 10),
		OrderID:       strconv.FormatInt(u.ID, 10),
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Side:          models.Side(u.Side),
		Price:         mustDecimal(u.LastFilledPrice),
		Quantity:      mustDecimal(u.LastFilledQty),
		Fee:           mustDecimal(u.Commission),
		FeeAsset:      u.CommissionAsset,
		Timestamp:     time.UnixMilli(u.TradeTime),
	}
	s.fills.Send(s.ctx, fill)
}

// markPriceUpdate binds every key of the markPrice payload. encoding/json
// falls back to case-insensitive matching, so leaving "E" or "P" unbound
// would make them collide with the "e" and "p" fields.
type markPriceUpdate struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	SettlePrice     string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// runMarkStream feeds the gateway's mark price cache from the public
// markPrice stream so reconcile passes rarely need a REST fallback.
func (s *Streams) runMarkStream() {
	defer s.wg.Done()
	log := s.log.WithComponent("mark_stream")

	endpoint := s.config.Exchange.StreamEndpoint
	if endpoint == "" {
		_, endpoint = defaultEndpoints()
	}
	url := strings.TrimRight(endpoint, "/") + "/ws/" + strings.ToLower(s.gw.symbol) + "@markPrice@1s"

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, url, nil)
		if err != nil {
			log.WithError(err).WithField("url", url).Warn("failed to connect to mark price stream")
			if sleepCtx(s.ctx, retry.Duration()) {
				return
			}
			continue
		}
		retry.Reset()
		log.WithField("url", url).Info("mark price stream connected")

		connCtx, connCancel := context.WithCancel(s.ctx)
		pingCancel := s.startPingLoop(conn)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					log.WithError(err).Warn("mark price stream read loop ended")
				}
				break
			}

			var upd markPriceUpdate
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.MarkPrice == "" {
				continue
			}
			s.gw.setMark(mustDecimal(upd.MarkPrice))
		}

		pingCancel()
		connCancel()

		if s.ctx.Err() != nil {
			return
		}
		if sleepCtx(s.ctx, retry.Duration()) {
			return
		}
	}
}

func (s *Streams) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(s.ctx)
	ticker := time.NewTicker(markPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
