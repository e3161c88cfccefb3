package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "gridflow/config"
	"gridflow/internal/storage"
	"gridflow/logger"
	"gridflow/models"
)

// SnapshotFunc produces a point-in-time copy of engine state. The
// reporter never holds engine locks across its I/O.
type SnapshotFunc func() models.SummarySnapshot

// Reporter writes the daily summary pair (json for machines, txt for
// humans) at midnight, plus on-demand snapshots. Daily artifacts are
// write-once: a date that already has a summary is never overwritten.
type Reporter struct {
	config   *appconfig.Config
	snapshot SnapshotFunc
	s3Client *s3.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	log *logger.Log
}

func NewReporter(cfg *appconfig.Config, snapshot SnapshotFunc) (*Reporter, error) {
	r := &Reporter{
		config:   cfg,
		snapshot: snapshot,
		log:      logger.GetLogger(),
	}

	if cfg.Summary.Dir == "" {
		return nil, fmt.Errorf("summary.dir is required")
	}
	if err := os.MkdirAll(cfg.Summary.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %w", err)
	}

	if cfg.Summary.S3Upload && cfg.Storage.S3.Enabled {
		client, err := storage.NewS3Client(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("summary s3 upload: %w", err)
		}
		r.s3Client = client
	}

	return r, nil
}

// Start launches the scheduler. With the default "daily" schedule runs
// align to local midnight; any other value is parsed as a fixed interval.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("summary reporter already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.scheduler()

	r.log.WithComponent("summary_reporter").WithFields(logger.Fields{
		"dir":      r.config.Summary.Dir,
		"schedule": r.scheduleName(),
		"s3":       r.s3Client != nil,
	}).Info("summary reporter started")
	return nil
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.WithComponent("summary_reporter").Info("summary reporter stopped")
}

func (r *Reporter) scheduler() {
	defer r.wg.Done()

	if interval, ok := r.fixedInterval(); ok {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.writeScheduled()
			}
		}
	}

	for {
		next := nextMidnight(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.writeScheduled()
		}
	}
}

func (r *Reporter) writeScheduled() {
	if err := r.WriteDaily(); err != nil {
		r.log.WithComponent("summary_reporter").WithError(err).Error("scheduled summary failed")
	}
}

// WriteDaily writes the summary pair for the snapshot's date. Returns
// nil without writing when the date already has its artifacts.
func (r *Reporter) WriteDaily() error {
	snap := r.snapshot()
	base := fmt.Sprintf("summary_%s", snap.Date)

	jsonPath := filepath.Join(r.config.Summary.Dir, base+".json")
	if _, err := os.Stat(jsonPath); err == nil {
		r.log.WithComponent("summary_reporter").WithFields(logger.Fields{
			"date": snap.Date,
		}).Info("summary for date already written, skipping")
		return nil
	}

	return r.write(snap, base)
}

// WriteNow writes an on-demand snapshot, suffixed with the time so it
// never collides with the daily artifact.
func (r *Reporter) WriteNow() (models.SummarySnapshot, error) {
	snap := r.snapshot()
	base := fmt.Sprintf("summary_%s_%s", snap.Date, snap.Timestamp.Format("150405"))
	return snap, r.write(snap, base)
}

func (r *Reporter) write(snap models.SummarySnapshot, base string) error {
	log := r.log.WithComponent("summary_reporter").WithFields(logger.Fields{
		"base": base,
	})

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	jsonPath := filepath.Join(r.config.Summary.Dir, base+".json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", jsonPath, err)
	}

	text := renderText(snap)
	txtPath := filepath.Join(r.config.Summary.Dir, base+".txt")
	if err := os.WriteFile(txtPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", txtPath, err)
	}

	logger.IncrementSummaryWrite()
	log.WithFields(logger.Fields{
		"json": jsonPath,
		"txt":  txtPath,
	}).Info("summary written")

	if r.s3Client != nil {
		prefix := strings.TrimSuffix(r.config.Storage.S3.Prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		parent := r.ctx
		if parent == nil {
			parent = context.Background()
		}
		ctx := context.WithoutCancel(parent)
		if err := storage.Upload(ctx, r.s3Client, r.config,
			prefix+"summaries/"+base+".json", "application/json", data); err != nil {
			log.WithError(err).Warn("failed to upload summary json")
		}
		if err := storage.Upload(ctx, r.s3Client, r.config,
			prefix+"summaries/"+base+".txt", "text/plain", []byte(text)); err != nil {
			log.WithError(err).Warn("failed to upload summary txt")
		}
	}

	return nil
}

func (r *Reporter) fixedInterval() (time.Duration, bool) {
	s := r.config.Summary.Schedule
	if s == "" || s == "daily" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		r.log.WithComponent("summary_reporter").WithFields(logger.Fields{
			"schedule": s,
		}).Warn("unrecognized schedule, falling back to daily")
		return 0, false
	}
	return d, true
}

func (r *Reporter) scheduleName() string {
	if d, ok := r.fixedInterval(); ok {
		return d.String()
	}
	return "daily"
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func renderText(s models.SummarySnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "================ GRID SUMMARY %s ================\n", s.Date)
	fmt.Fprintf(&b, "generated: %s\n", s.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "symbol:    %s\n", s.Symbol)
	fmt.Fprintf(&b, "session:   %s\n", s.SessionID)
	fmt.Fprintf(&b, "uptime:    %s\n", s.Uptime.Round(time.Second))
	b.WriteString("\n-- PnL --\n")
	fmt.Fprintf(&b, "realized:   %s\n", s.Position.RealizedPnL)
	fmt.Fprintf(&b, "unrealized: %s\n", s.UnrealizedPnL)
	fmt.Fprintf(&b, "peak:       %s\n", s.EquityPeak)
	fmt.Fprintf(&b, "drawdown:   %s\n", s.Drawdown)
	b.WriteString("\n-- Position --\n")
	fmt.Fprintf(&b, "qty:        %s\n", s.Position.Qty)
	fmt.Fprintf(&b, "avg entry:  %s\n", s.Position.AvgEntryPrice)
	fmt.Fprintf(&b, "mark:       %s\n", s.MarkPrice)
	b.WriteString("\n-- Trades --\n")
	fmt.Fprintf(&b, "total:      %d (buy %d / sell %d)\n", s.Trades.TotalTrades, s.Trades.BuyTrades, s.Trades.SellTrades)
	fmt.Fprintf(&b, "traded qty: %s\n", s.Trades.TradedQty)
	fmt.Fprintf(&b, "fees:       %s\n", s.Trades.FeesPaid)
	b.WriteString("\n-- Ladder --\n")
	fmt.Fprintf(&b, "generation: %d\n", s.Generation)
	fmt.Fprintf(&b, "open:       %d\n", s.OpenOrders)
	fmt.Fprintf(&b, "resting %d  partial %d  filled %d  cancelled %d  failed %d\n",
		s.Ladder.Resting, s.Ladder.PartiallyFilled, s.Ladder.Filled, s.Ladder.Cancelled, s.Ladder.Failed)
	b.WriteString("\n-- Risk --\n")
	fmt.Fprintf(&b, "state:      %s\n", s.RiskState)
	if s.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", s.LastError)
	}
	b.WriteString("====================================================\n")

	return b.String()
}
