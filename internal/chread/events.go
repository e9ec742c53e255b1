package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// MaxDays bounds the analytics window.
const MaxDays = 365

// Reader provides read access to the ClickHouse analysis_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
	now    func() time.Time
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger, now: time.Now}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// SummaryStats holds totals over the window.
type SummaryStats struct {
	Total          int            `json:"total_analyses"`
	Safe           int            `json:"safe"`
	ByRiskLevel    map[string]int `json:"by_risk_level"`
	AverageScore   float64        `json:"average_guardian_score"`
	PreventedRisks int            `json:"prevented_risks"` // high + critical verdicts
	CacheHitRate   float64        `json:"cache_hit_rate"`
}

// DailyTrend is one day of the risk trend.
type DailyTrend struct {
	Date      string  `json:"date"`
	Total     int     `json:"total"`
	AvgScore  float64 `json:"avg_score"`
	RiskCount int     `json:"risk_count"`
}

// IssueCount holds an issue and how often it was reported.
type IssueCount struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Days               int          `json:"days"`
	Summary            SummaryStats `json:"summary"`
	Trend              []DailyTrend `json:"risk_trend"`
	TopIssues          []IssueCount `json:"top_issues"`
	LatencyPercentiles LatencyStats `json:"latency_percentiles"`
}

// ClampDays bounds days to [1, MaxDays]; zero or negative means 30.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return 30
	case days > MaxDays:
		return MaxDays
	}
	return days
}

// Analytics returns aggregated analysis history over the given number of days.
func (r *Reader) Analytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	days = ClampDays(days)
	rangeStart := r.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	args := []any{clickhouse.Named("range_start", rangeStart)}

	result := &AnalyticsResult{
		Days:    days,
		Summary: SummaryStats{ByRiskLevel: map[string]int{"low": 0, "medium": 0, "high": 0, "critical": 0}},
	}

	var total, safe, low, medium, high, critical, hits uint64
	var avg float64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), countIf(is_safe = 1), "+
			"countIf(risk_level = 'low'), countIf(risk_level = 'medium'), "+
			"countIf(risk_level = 'high'), countIf(risk_level = 'critical'), "+
			"countIf(cache = 'hit'), avg(guardian_score) "+
			"FROM analysis_events WHERE timestamp >= @range_start",
		args...,
	).Scan(&total, &safe, &low, &medium, &high, &critical, &hits, &avg)
	if err != nil {
		return nil, fmt.Errorf("Analytics summary: %w", err)
	}
	result.Summary.Total = int(total)
	result.Summary.Safe = int(safe)
	result.Summary.ByRiskLevel["low"] = int(low)
	result.Summary.ByRiskLevel["medium"] = int(medium)
	result.Summary.ByRiskLevel["high"] = int(high)
	result.Summary.ByRiskLevel["critical"] = int(critical)
	result.Summary.PreventedRisks = int(high + critical)
	result.Summary.AverageScore = safeFloat(avg)
	if total > 0 {
		result.Summary.CacheHitRate = float64(hits) / float64(total)
	}

	trendRows, err := r.conn.Query(ctx,
		"SELECT toDate(timestamp) AS day, count(), avg(guardian_score), "+
			"countIf(risk_level IN ('high', 'critical')) "+
			"FROM analysis_events WHERE timestamp >= @range_start "+
			"GROUP BY day ORDER BY day",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics trend: %w", err)
	}
	defer func() { _ = trendRows.Close() }()
	for trendRows.Next() {
		var day time.Time
		var count, risky uint64
		var dayAvg float64
		if err := trendRows.Scan(&day, &count, &dayAvg, &risky); err != nil {
			return nil, fmt.Errorf("Analytics trend scan: %w", err)
		}
		result.Trend = append(result.Trend, DailyTrend{
			Date:      day.Format(time.DateOnly),
			Total:     int(count),
			AvgScore:  safeFloat(dayAvg),
			RiskCount: int(risky),
		})
	}

	issueRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(issues) AS issue, count() AS count "+
			"FROM analysis_events WHERE timestamp >= @range_start "+
			"GROUP BY issue ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_issues: %w", err)
	}
	defer func() { _ = issueRows.Close() }()
	for issueRows.Next() {
		var issue string
		var count uint64
		if err := issueRows.Scan(&issue, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_issues scan: %w", err)
		}
		result.TopIssues = append(result.TopIssues, IssueCount{Issue: issue, Count: int(count)})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms) "+
			"FROM analysis_events WHERE timestamp >= @range_start AND cache != 'hit'",
		args...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("Analytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	// Ensure slices are non-nil for JSON serialization
	if result.Trend == nil {
		result.Trend = []DailyTrend{}
	}
	if result.TopIssues == nil {
		result.TopIssues = []IssueCount{}
	}
	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for avg() and quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
