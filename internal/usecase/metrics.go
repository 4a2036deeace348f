package usecase

import (
	"context"
	"errors"
)

var ErrHistoryDisabled = errors.New("analysis history is not configured")

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalAttempts    int64   `json:"total_attempts"`
	SucceededCount   int64   `json:"succeeded"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates analysis metrics from persisted history.
func (uc *AnalysisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:    aggregation.TotalCount,
		SucceededCount:   aggregation.SuccessCount,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
