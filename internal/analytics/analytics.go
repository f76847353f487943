package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/ongoingai/untrace/internal/trace"
)

const (
	DefaultWindowDays = 7
	MaxWindowDays     = 90
)

// Store is the subset of trace.TraceStore the analytics service reads.
type Store interface {
	CountTraces(ctx context.Context, filter trace.AnalyticsFilter) (int64, error)
	GetDailyStats(ctx context.Context, filter trace.AnalyticsFilter) ([]trace.DailyStats, error)
	GetLatencyPercentiles(ctx context.Context, filter trace.AnalyticsFilter) (*trace.LatencyStats, error)
}

type Day struct {
	Date         string  `json:"date"`
	TraceCount   int64   `json:"traceCount"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	P50MS        float64 `json:"p50Ms"`
	P95MS        float64 `json:"p95Ms"`
	P99MS        float64 `json:"p99Ms"`
}

type Latency struct {
	AvgMS float64 `json:"avgMs"`
	MinMS int64   `json:"minMs"`
	MaxMS int64   `json:"maxMs"`
	P50MS float64 `json:"p50Ms"`
	P95MS float64 `json:"p95Ms"`
	P99MS float64 `json:"p99Ms"`
}

// Report is the traces.analytics document for one project.
type Report struct {
	WindowDays  int       `json:"windowDays"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	TotalTraces int64     `json:"totalTraces"`
	Daily       []Day     `json:"daily"`
	Latency     Latency   `json:"latency"`
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ClampWindowDays maps non-positive values to the default and caps the window.
func ClampWindowDays(days int) int {
	if days <= 0 {
		return DefaultWindowDays
	}
	if days > MaxWindowDays {
		return MaxWindowDays
	}
	return days
}

// TraceAnalytics reports the last windowDays UTC days, today included.
// Days without traces appear with zero counts.
func (s *Service) TraceAnalytics(ctx context.Context, orgID, projectID string, windowDays int) (*Report, error) {
	windowDays = ClampWindowDays(windowDays)
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(windowDays - 1))
	filter := trace.AnalyticsFilter{OrgID: orgID, ProjectID: projectID, From: from, To: now}

	total, err := s.store.CountTraces(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}
	daily, err := s.store.GetDailyStats(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("daily trace stats: %w", err)
	}
	latency, err := s.store.GetLatencyPercentiles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("trace latency percentiles: %w", err)
	}

	report := &Report{
		WindowDays:  windowDays,
		From:        from,
		To:          now,
		TotalTraces: total,
		Daily:       fillDays(from, windowDays, daily),
	}
	if latency != nil {
		report.Latency = Latency{
			AvgMS: latency.AvgMS,
			MinMS: latency.MinMS,
			MaxMS: latency.MaxMS,
			P50MS: latency.P50MS,
			P95MS: latency.P95MS,
			P99MS: latency.P99MS,
		}
	}
	return report, nil
}

func fillDays(from time.Time, days int, stats []trace.DailyStats) []Day {
	byDate := make(map[string]trace.DailyStats, len(stats))
	for _, item := range stats {
		byDate[item.Day.UTC().Format(time.DateOnly)] = item
	}
	out := make([]Day, 0, days)
	for i := 0; i < days; i++ {
		date := from.AddDate(0, 0, i).Format(time.DateOnly)
		item := byDate[date]
		out = append(out, Day{
			Date:         date,
			TraceCount:   item.TraceCount,
			TotalTokens:  item.TotalTokens,
			TotalCostUSD: item.TotalCostUSD,
			AvgLatencyMS: item.AvgLatencyMS,
			P50MS:        item.P50MS,
			P95MS:        item.P95MS,
			P99MS:        item.P99MS,
		})
	}
	return out
}
