package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/models"
)

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Gridflow.Name = "gridflow-test"
	cfg.Gridflow.Version = "0.0.0"
	cfg.Instrument.Symbol = "XRPUSDC"
	cfg.Grid.LevelsPerSide = 3
	cfg.Grid.MaxLevels = 50
	cfg.Grid.SpacingMode = "percent"
	cfg.Grid.Spacing = "0.01"
	cfg.Grid.OrderSize = "10"
	cfg.Grid.ReplanBandMult = "1"
	cfg.Risk.MaxAbsPosition = "100"
	cfg.Engine.TickInterval = 5 * time.Second
	cfg.Engine.PendingTimeout = 30 * time.Second
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPlanPercentScenario(t *testing.T) {
	p, err := NewPlanner(testConfig())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ladder := p.Plan(dec("1.00"), 1, IdentityAdjust())
	if len(ladder) != 6 {
		t.Fatalf("expected 6 levels, got %d", len(ladder))
	}

	want := map[int]string{
		-1: "0.99", -2: "0.98", -3: "0.97",
		1: "1.01", 2: "1.02", 3: "1.03",
	}
	for _, l := range ladder {
		if !l.Price.Equal(dec(want[l.Index])) {
			t.Errorf("level %d price = %s, want %s", l.Index, l.Price, want[l.Index])
		}
		if !l.Size.Equal(dec("10")) {
			t.Errorf("level %d size = %s, want 10", l.Index, l.Size)
		}
		if l.State != models.LevelPlanned {
			t.Errorf("level %d state = %s, want PLANNED", l.Index, l.State)
		}
		if l.Side != models.SideForIndex(l.Index) {
			t.Errorf("level %d side = %s", l.Index, l.Side)
		}
		if l.Generation != 1 {
			t.Errorf("level %d generation = %d, want 1", l.Index, l.Generation)
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	p, err := NewPlanner(testConfig())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	a := p.Plan(dec("0.5123"), 7, IdentityAdjust())
	b := p.Plan(dec("0.5123"), 7, IdentityAdjust())
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || a[i].Index != b[i].Index {
			t.Fatalf("plan not deterministic at %d: %s vs %s", a[i].Index, a[i].Price, b[i].Price)
		}
	}
}

func TestPlanAbsoluteMode(t *testing.T) {
	cfg := testConfig()
	cfg.Grid.SpacingMode = "absolute"
	cfg.Grid.Spacing = "0.005"

	p, err := NewPlanner(cfg)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ladder := p.Plan(dec("0.50"), 1, IdentityAdjust())
	byIndex := make(map[int]decimal.Decimal)
	for _, l := range ladder {
		byIndex[l.Index] = l.Price
	}
	if !byIndex[-2].Equal(dec("0.490")) {
		t.Errorf("buy depth 2 = %s, want 0.490", byIndex[-2])
	}
	if !byIndex[3].Equal(dec("0.515")) {
		t.Errorf("sell depth 3 = %s, want 0.515", byIndex[3])
	}
}

func TestPlanPriceTickSnap(t *testing.T) {
	cfg := testConfig()
	cfg.Instrument.PriceTick = "0.0001"

	p, err := NewPlanner(cfg)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ladder := p.Plan(dec("0.51237"), 1, IdentityAdjust())
	tick := dec("0.0001")
	for _, l := range ladder {
		if !l.Price.Mod(tick).IsZero() {
			t.Errorf("level %d price %s not on tick", l.Index, l.Price)
		}
	}
}

func TestPlanSpacingAdjustWidensOneSide(t *testing.T) {
	p, err := NewPlanner(testConfig())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	adjust := IdentityAdjust()
	adjust.SellMult = dec("2")
	ladder := p.Plan(dec("1.00"), 1, adjust)

	byIndex := make(map[int]decimal.Decimal)
	for _, l := range ladder {
		byIndex[l.Index] = l.Price
	}
	if !byIndex[-1].Equal(dec("0.99")) {
		t.Errorf("buy side must stay at configured spacing, got %s", byIndex[-1])
	}
	if !byIndex[1].Equal(dec("1.02")) {
		t.Errorf("sell side must widen to 2%%, got %s", byIndex[1])
	}
}

func TestNeedsReplan(t *testing.T) {
	p, err := NewPlanner(testConfig())
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	ladder := p.Plan(dec("1.00"), 1, IdentityAdjust())
	if p.NeedsReplan(dec("1.00"), ladder) {
		t.Error("reference at center must not trigger replan")
	}
	if p.NeedsReplan(dec("1.005"), ladder) {
		t.Error("reference inside one step must not trigger replan")
	}
	if !p.NeedsReplan(dec("1.02"), ladder) {
		t.Error("reference two steps out must trigger replan")
	}
	if !p.NeedsReplan(dec("1.00"), nil) {
		t.Error("empty ladder must trigger replan")
	}
}

func TestNewPlannerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*appconfig.Config)
	}{
		{"zero spacing", func(c *appconfig.Config) { c.Grid.Spacing = "0" }},
		{"negative spacing", func(c *appconfig.Config) { c.Grid.Spacing = "-0.01" }},
		{"garbage spacing", func(c *appconfig.Config) { c.Grid.Spacing = "abc" }},
		{"zero size", func(c *appconfig.Config) { c.Grid.OrderSize = "0" }},
		{"zero levels", func(c *appconfig.Config) { c.Grid.LevelsPerSide = 0 }},
		{"too many levels", func(c *appconfig.Config) { c.Grid.LevelsPerSide = 51 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			if _, err := NewPlanner(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
