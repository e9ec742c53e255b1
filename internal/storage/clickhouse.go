package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/guardian/internal/metrics"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// Schema is the DDL for the analysis_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_events (
	request_id        String,
	timestamp         DateTime64(3, 'UTC'),
	fingerprint       String,
	content_preview   String,
	content_size      UInt32,
	domain            LowCardinality(String),
	intent            LowCardinality(String),
	source            String,
	url               String,
	risk_level        LowCardinality(String),
	is_safe           UInt8,
	guardian_score    Float32,
	confidence_score  Float32,
	validator_names   Array(LowCardinality(String)),
	validator_passed  Array(UInt8),
	validator_scores  Array(Float32),
	issues            Array(String),
	cache             LowCardinality(String),
	latency_ms        Float32,
	user_id           String,
	transport         LowCardinality(String)
) ENGINE = MergeTree
ORDER BY (timestamp, request_id)
TTL toDateTime(timestamp) + INTERVAL 90 DAY`

// sendFunc inserts one batch.
type sendFunc func(ctx context.Context, events []*AnalysisEvent) error

// ClickHouseWriter writes analysis events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	send    sendFunc
	buffer  chan *AnalysisEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, ensures the table exists and starts the
// background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ClickHouse Cloud (port 9440) requires TLS even when the DSN omits ?secure=true.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, Schema); err != nil {
		return nil, err
	}

	w := newWriter(nil, logger)
	w.conn = conn
	w.send = w.insert
	go w.flushLoop()
	return w, nil
}

func newWriter(send sendFunc, logger *zap.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseWriter{
		send:    send,
		buffer:  make(chan *AnalysisEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues an analysis event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *AnalysisEvent) {
	select {
	case w.buffer <- event:
	default:
		metrics.EventDropped()
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*AnalysisEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*AnalysisEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.send(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) insert(ctx context.Context, events []*AnalysisEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO analysis_events (
			request_id, timestamp, fingerprint,
			content_preview, content_size,
			domain, intent, source, url,
			risk_level, is_safe, guardian_score, confidence_score,
			validator_names, validator_passed, validator_scores,
			issues, cache, latency_ms, user_id, transport
		)
	`)
	if err != nil {
		return err
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.Timestamp,
			e.Fingerprint,
			e.ContentPreview,
			e.ContentSize,
			e.Domain,
			e.Intent,
			e.Source,
			e.URL,
			e.RiskLevel,
			boolToUint8(e.IsSafe),
			e.GuardianScore,
			e.ConfidenceScore,
			e.ValidatorNames,
			boolsToUint8(e.ValidatorPassed),
			e.ValidatorScores,
			nonNil(e.Issues),
			e.Cache,
			e.LatencyMs,
			e.UserID,
			e.Transport,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// boolsToUint8 converts []bool for ClickHouse Array(UInt8).
func boolsToUint8(bs []bool) []uint8 {
	out := make([]uint8, len(bs))
	for i, b := range bs {
		out[i] = boolToUint8(b)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AnalysisEvent) {
	w.logger.Info("analysis_event",
		zap.String("request_id", event.RequestID),
		zap.String("fingerprint", event.Fingerprint),
		zap.String("risk_level", event.RiskLevel),
		zap.Bool("is_safe", event.IsSafe),
		zap.Float32("guardian_score", event.GuardianScore),
		zap.Strings("issues", event.Issues),
		zap.String("cache", event.Cache),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("transport", event.Transport),
		zap.String("user_id", event.UserID),
		zap.String("content_preview", event.ContentPreview),
	)
}

func (w *LogWriter) Close() {}
