package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "gridflow/config"
	"gridflow/internal/channel"
	"gridflow/internal/storage"
	"gridflow/logger"
	"gridflow/models"
)

// ParquetTrade is the archival row layout.
type ParquetTrade struct {
	FillID        string  `parquet:"name=fill_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Quantity      float64 `parquet:"name=quantity, type=DOUBLE"`
	Fee           float64 `parquet:"name=fee, type=DOUBLE"`
	RealizedPnL   float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	LevelIndex    int32   `parquet:"name=level_index, type=INT32"`
	Generation    int64   `parquet:"name=generation, type=INT64"`
	ClientOrderID string  `parquet:"name=client_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface over a buffer so
// files are built in memory and shipped straight to S3.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// TradeWriter drains applied-trade records and ships them to S3 as
// parquet batches, partitioned by date and hour. It never blocks the
// trading loop: its input channel drops on overflow and the next
// reconcile pass recovers from venue state.
type TradeWriter struct {
	config   *appconfig.Config
	trades   *channel.TradeChannels
	s3Client *s3.Client

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	buffer      []models.TradeRecord
	flushTicker *time.Ticker

	log *logger.Log
}

func NewTradeWriter(cfg *appconfig.Config, trades *channel.TradeChannels) (*TradeWriter, error) {
	log := logger.GetLogger()

	client, err := storage.NewS3Client(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("trade archive: %w", err)
	}

	w := &TradeWriter{
		config:   cfg,
		trades:   trades,
		s3Client: client,
		log:      log,
	}

	log.WithComponent("trade_archive").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"batch_size": cfg.Archive.BatchSize,
	}).Info("trade archive initialized")

	return w, nil
}

func (w *TradeWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("trade archive already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	interval := w.config.Archive.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	w.flushTicker = time.NewTicker(interval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("trade_archive").Info("trade archive started")
	return nil
}

func (w *TradeWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.flushTicker.Stop()
	w.log.WithComponent("trade_archive").Info("trade archive stopped")
}

func (w *TradeWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			return
		case <-w.flushTicker.C:
			w.flush("interval")
		case rec, ok := <-w.trades.Records:
			if !ok {
				w.flush("channel closed")
				return
			}
			w.add(rec)
		}
	}
}

func (w *TradeWriter) add(rec models.TradeRecord) {
	w.mu.Lock()
	w.buffer = append(w.buffer, rec)
	full := w.config.Archive.BatchSize > 0 && len(w.buffer) >= w.config.Archive.BatchSize
	w.mu.Unlock()

	if full {
		w.flush("batch size")
	}
}

func (w *TradeWriter) flush(reason string) {
	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	log := w.log.WithComponent("trade_archive").WithFields(logger.Fields{
		"records": len(batch),
		"reason":  reason,
	})

	data, err := createParquetFile(batch)
	if err != nil {
		log.WithError(err).Error("failed to build parquet batch")
		return
	}

	key := w.generateKey(batch[0].Symbol, time.Now())
	ctx := context.WithoutCancel(w.ctx)
	if err := storage.Upload(ctx, w.s3Client, w.config, key, "application/octet-stream", data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Error("failed to upload trade batch")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("trade batch archived")
}

func (w *TradeWriter) generateKey(symbol string, ts time.Time) string {
	parts := []string{}
	if p := w.config.Storage.S3.Prefix; p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		"trades",
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%s", ts.UTC().Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.UTC().Hour()),
		fmt.Sprintf("trades_%s_%s_%s.parquet", symbol, ts.UTC().Format("20060102150405"), uuid.NewString()[:8]),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func createParquetFile(records []models.TradeRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(ParquetTrade), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := ParquetTrade{
			FillID:        rec.FillID,
			Timestamp:     rec.Timestamp.UnixMilli(),
			Symbol:        rec.Symbol,
			Side:          string(rec.Side),
			Price:         rec.Price.InexactFloat64(),
			Quantity:      rec.Quantity.InexactFloat64(),
			Fee:           rec.Fee.InexactFloat64(),
			RealizedPnL:   rec.RealizedPnL.InexactFloat64(),
			LevelIndex:    int32(rec.LevelIndex),
			Generation:    rec.Generation,
			ClientOrderID: rec.ClientOrderID,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
