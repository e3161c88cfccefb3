package summary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/models"
)

func testSnapshot() models.SummarySnapshot {
	return models.SummarySnapshot{
		Date:          "2026-08-30",
		Timestamp:     time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC),
		Symbol:        "XRPUSDC",
		SessionID:     "test-session",
		Generation:    4,
		MarkPrice:     decimal.RequireFromString("0.5123"),
		Position:      models.Position{Qty: decimal.RequireFromString("20"), AvgEntryPrice: decimal.RequireFromString("0.5100"), RealizedPnL: decimal.RequireFromString("1.25")},
		UnrealizedPnL: decimal.RequireFromString("0.046"),
		OpenOrders:    6,
		Ladder:        models.LadderCounts{Resting: 6, Filled: 2},
		Trades:        models.TradeStats{TotalTrades: 8, BuyTrades: 5, SellTrades: 3},
		RiskState:     "continue",
		Uptime:        3 * time.Hour,
	}
}

func newTestReporter(t *testing.T) (*Reporter, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &appconfig.Config{}
	cfg.Summary.Dir = dir

	r, err := NewReporter(cfg, testSnapshot)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	return r, dir
}

func TestWriteDailyProducesArtifactPair(t *testing.T) {
	r, dir := newTestReporter(t)

	if err := r.WriteDaily(); err != nil {
		t.Fatalf("WriteDaily: %v", err)
	}

	jsonPath := filepath.Join(dir, "summary_2026-08-30.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("missing json artifact: %v", err)
	}
	var snap models.SummarySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("json artifact not parseable: %v", err)
	}
	if snap.Symbol != "XRPUSDC" || snap.Generation != 4 {
		t.Errorf("unexpected snapshot content: %+v", snap)
	}

	txt, err := os.ReadFile(filepath.Join(dir, "summary_2026-08-30.txt"))
	if err != nil {
		t.Fatalf("missing txt artifact: %v", err)
	}
	for _, want := range []string{"GRID SUMMARY 2026-08-30", "XRPUSDC", "realized:   1.25", "state:      continue"} {
		if !strings.Contains(string(txt), want) {
			t.Errorf("txt artifact missing %q", want)
		}
	}
}

func TestWriteDailyIsWriteOnce(t *testing.T) {
	r, dir := newTestReporter(t)

	if err := r.WriteDaily(); err != nil {
		t.Fatalf("first write: %v", err)
	}
	jsonPath := filepath.Join(dir, "summary_2026-08-30.json")
	if err := os.WriteFile(jsonPath, []byte("sentinel"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.WriteDaily(); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, _ := os.ReadFile(jsonPath)
	if string(data) != "sentinel" {
		t.Error("daily artifact was overwritten")
	}
}

func TestWriteNowUsesTimeSuffix(t *testing.T) {
	r, dir := newTestReporter(t)

	if _, err := r.WriteNow(); err != nil {
		t.Fatalf("WriteNow: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "summary_2026-08-30_140509.json")); err != nil {
		t.Errorf("on-demand artifact missing: %v", err)
	}
	// The daily slot stays free.
	if _, err := os.Stat(filepath.Join(dir, "summary_2026-08-30.json")); !os.IsNotExist(err) {
		t.Error("on-demand write must not claim the daily artifact")
	}
}

func TestNextMidnight(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	next := nextMidnight(now)
	want := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("nextMidnight = %s, want %s", next, want)
	}
}

func TestFixedIntervalSchedule(t *testing.T) {
	dir := t.TempDir()
	cfg := &appconfig.Config{}
	cfg.Summary.Dir = dir
	cfg.Summary.Schedule = "1h"

	r, err := NewReporter(cfg, testSnapshot)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	if d, ok := r.fixedInterval(); !ok || d != time.Hour {
		t.Errorf("fixedInterval = %v/%v, want 1h", d, ok)
	}

	cfg.Summary.Schedule = "daily"
	if _, ok := r.fixedInterval(); ok {
		t.Error("daily schedule must not be a fixed interval")
	}
}

func TestNewReporterRequiresDir(t *testing.T) {
	cfg := &appconfig.Config{}
	if _, err := NewReporter(cfg, testSnapshot); err == nil {
		t.Error("missing summary.dir must fail")
	}
}
