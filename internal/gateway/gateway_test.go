package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"gridflow/logger"
	"gridflow/models"
)

func testLogger() *logger.Log {
	return logger.GetLogger()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code int64
		want ErrorKind
	}{
		{-1003, KindTransient},
		{-1021, KindTransient},
		{-1001, KindTransient},
		{-2011, KindAlreadyGone},
		{-2013, KindAlreadyGone},
		{-4116, KindDuplicate},
		{-2014, KindFatal},
		{-2015, KindFatal},
		{-1111, KindRejected},
		{-2019, KindRejected},
		{-4164, KindRejected},
	}
	for _, tc := range cases {
		if got := classifyCode(tc.code); got != tc.want {
			t.Errorf("classifyCode(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassifyWrapsAPIError(t *testing.T) {
	g := &BinanceGateway{log: testLogger()}
	apiErr := &common.APIError{Code: -2011, Message: "Unknown order sent."}

	err := g.classify("cancel_order", apiErr)
	if !IsAlreadyGone(err) {
		t.Fatalf("expected already-gone classification, got %v", err)
	}

	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatal("expected *GatewayError")
	}
	if gwErr.Op != "cancel_order" || gwErr.Code != -2011 {
		t.Errorf("unexpected wrapped error: %+v", gwErr)
	}
	if !errors.Is(err, apiErr) {
		t.Error("wrapped error should unwrap to the original")
	}
}

func TestClassifyNetworkErrorIsTransient(t *testing.T) {
	g := &BinanceGateway{log: testLogger()}
	err := g.classify("open_orders", fmt.Errorf("dial tcp: connection refused"))
	if KindOf(err) != KindTransient {
		t.Fatalf("network error should classify transient, got %v", KindOf(err))
	}
	if IsFatal(err) {
		t.Error("network error must not be fatal")
	}
}

func TestConvertOrder(t *testing.T) {
	raw := &futures.Order{
		Symbol:           "XRPUSDC",
		OrderID:          987654,
		ClientOrderID:    "gf-7-s2",
		Price:            "0.5120",
		OrigQuantity:     "40",
		ExecutedQuantity: "15",
		AvgPrice:         "0.5121",
		Side:             futures.SideTypeSell,
		Status:           futures.OrderStatusTypePartiallyFilled,
		ReduceOnly:       false,
		UpdateTime:       1724980000000,
	}

	o := convertOrder(raw)
	if o.ClientOrderID != "gf-7-s2" || o.ExchangeOrderID != "987654" {
		t.Errorf("identity fields wrong: %+v", o)
	}
	if o.Generation != 7 || o.LevelIndex != 2 {
		t.Errorf("client order id not decoded: gen=%d idx=%d", o.Generation, o.LevelIndex)
	}
	if o.Side != models.SideSell || o.Status != models.OrderPartiallyFilled {
		t.Errorf("side/status wrong: %+v", o)
	}
	if !o.Price.Equal(dec("0.5120")) || !o.FilledQty.Equal(dec("15")) {
		t.Errorf("numeric fields wrong: %+v", o)
	}
}

func TestConvertOrderForeignClientID(t *testing.T) {
	o := convertOrder(&futures.Order{ClientOrderID: "web_abc123", OrderID: 1})
	if o.Generation != 0 || o.LevelIndex != 0 {
		t.Errorf("foreign client id should decode to zero values, got %+v", o)
	}
}

func TestMarkPriceUpdateDecode(t *testing.T) {
	payload := []byte(`{"e":"markPriceUpdate","E":1724980001000,"s":"XRPUSDC","p":"0.51230000","i":"0.51228000","P":"0.51250000","r":"0.00010000","T":1724985600000}`)

	var upd markPriceUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if upd.Symbol != "XRPUSDC" || upd.EventTime != 1724980001000 {
		t.Errorf("unexpected decode: %+v", upd)
	}
	// "P" is the estimated settle price and must not clobber "p".
	if upd.MarkPrice != "0.51230000" || upd.SettlePrice != "0.51250000" {
		t.Errorf("mark/settle mixed up: %+v", upd)
	}
}

func TestMustDecimal(t *testing.T) {
	if !mustDecimal("").IsZero() {
		t.Error("empty string should decode to zero")
	}
	if !mustDecimal("garbage").IsZero() {
		t.Error("invalid string should decode to zero")
	}
	if !mustDecimal("0.5123").Equal(dec("0.5123")) {
		t.Error("valid string should round trip")
	}
}
