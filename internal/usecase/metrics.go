package usecase

import "context"

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions  int64   `json:"total_predictions"`
	AIGeneratedCount  int64   `json:"ai_generated_count"`
	AIGeneratedRate   float64 `json:"ai_generated_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

// GetMetricsSummary aggregates prediction metrics from persisted records.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalPredictions:  aggregation.TotalCount,
		AIGeneratedCount:  aggregation.AIGeneratedCount,
		AverageConfidence: aggregation.AverageConfidence,
	}

	if aggregation.TotalCount > 0 {
		summary.AIGeneratedRate = float64(aggregation.AIGeneratedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
