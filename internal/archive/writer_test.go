package archive

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/models"
)

func sampleRecords(n int) []models.TradeRecord {
	out := make([]models.TradeRecord, n)
	for i := range out {
		out[i] = models.TradeRecord{
			FillID:        "exec-1",
			Timestamp:     time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC),
			Symbol:        "XRPUSDC",
			Side:          models.SideBuy,
			Price:         decimal.RequireFromString("0.5123"),
			Quantity:      decimal.RequireFromString("10"),
			Fee:           decimal.RequireFromString("0.002"),
			RealizedPnL:   decimal.RequireFromString("0.1"),
			LevelIndex:    -1,
			Generation:    3,
			ClientOrderID: "gf-3-b1",
		}
	}
	return out
}

func TestCreateParquetFile(t *testing.T) {
	data, err := createParquetFile(sampleRecords(25))
	if err != nil {
		t.Fatalf("createParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("parquet batch must not be empty")
	}
	// Parquet files end with the magic footer.
	if string(data[len(data)-4:]) != "PAR1" {
		t.Error("missing parquet footer magic")
	}
}

func TestCreateParquetFileEmpty(t *testing.T) {
	data, err := createParquetFile(nil)
	if err != nil {
		t.Fatalf("createParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("even an empty batch yields a valid file skeleton")
	}
}

func TestGenerateKey(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Prefix = "gridflow"
	w := &TradeWriter{config: cfg}

	ts := time.Date(2026, 8, 30, 14, 7, 1, 0, time.UTC)
	key := w.generateKey("XRPUSDC", ts)

	for _, want := range []string{
		"gridflow/trades/",
		"symbol=XRPUSDC",
		"date=2026-08-30",
		"hour=14",
		"trades_XRPUSDC_20260830140701_",
	} {
		if !strings.Contains(key, want) {
			t.Errorf("key %q missing %q", key, want)
		}
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key %q must end in .parquet", key)
	}
}

func TestGenerateKeyWithoutPrefix(t *testing.T) {
	w := &TradeWriter{config: &appconfig.Config{}}
	key := w.generateKey("XRPUSDC", time.Now())
	if !strings.HasPrefix(key, "trades/") {
		t.Errorf("key %q must start at trades/ without a prefix", key)
	}
}
