package metrics

import (
	"context"
	"sort"
	"time"
)

// Summary provides a summary of metrics for a filter.
type Summary struct {
	Count          int           `json:"count"`
	TotalCostUSD   float64       `json:"total_cost_usd"`
	TotalTokens    int           `json:"total_tokens"`
	TotalTime      time.Duration `json:"total_time"`
	SuccessCount   int           `json:"success_count"`
	ErrorCount     int           `json:"error_count"`
	WinnerCount    int           `json:"winner_count"`
	AvgCostUSD     float64       `json:"avg_cost_usd"`
	AvgTimeSeconds float64       `json:"avg_time_seconds"`
}

// GetSummary returns a summary of metrics matching the filter.
func (r *Recorder) GetSummary(ctx context.Context, f Filter) (*Summary, error) {
	metrics, err := r.List(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	return summarize(metrics), nil
}

func summarize(metrics []Metric) *Summary {
	s := &Summary{Count: len(metrics)}
	for _, m := range metrics {
		s.TotalCostUSD += m.CostUSD
		s.TotalTokens += m.TotalTokens
		s.TotalTime += time.Duration(m.TotalSeconds * float64(time.Second))
		if m.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		if m.Winner {
			s.WinnerCount++
		}
	}

	if s.Count > 0 {
		s.AvgCostUSD = s.TotalCostUSD / float64(s.Count)
		s.AvgTimeSeconds = s.TotalTime.Seconds() / float64(s.Count)
	}
	return s
}

// DetailedStats adds latency percentiles to a Summary.
type DetailedStats struct {
	Summary

	// Latency percentiles (seconds)
	LatencyP50 float64 `json:"latency_p50"`
	LatencyP95 float64 `json:"latency_p95"`
	LatencyP99 float64 `json:"latency_p99"`
	LatencyMin float64 `json:"latency_min"`
	LatencyMax float64 `json:"latency_max"`
}

// GetDetailedStats returns detailed statistics including latency percentiles.
func (r *Recorder) GetDetailedStats(ctx context.Context, f Filter) (*DetailedStats, error) {
	metrics, err := r.List(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	return detailed(metrics), nil
}

// StageDetailedStats returns detailed stats grouped by stage for a book.
func (r *Recorder) StageDetailedStats(ctx context.Context, bookID string) (map[string]*DetailedStats, error) {
	metrics, err := r.List(ctx, Filter{BookID: bookID}, 0)
	if err != nil {
		return nil, err
	}

	byStage := make(map[string][]Metric)
	for _, m := range metrics {
		if m.Stage != "" {
			byStage[m.Stage] = append(byStage[m.Stage], m)
		}
	}

	result := make(map[string]*DetailedStats, len(byStage))
	for stage, stageMetrics := range byStage {
		result[stage] = detailed(stageMetrics)
	}
	return result, nil
}

func detailed(metrics []Metric) *DetailedStats {
	stats := &DetailedStats{Summary: *summarize(metrics)}

	var latencies []float64
	for _, m := range metrics {
		if m.TotalSeconds > 0 {
			latencies = append(latencies, m.TotalSeconds)
		}
	}
	if len(latencies) == 0 {
		return stats
	}

	sort.Float64s(latencies)
	stats.LatencyMin = latencies[0]
	stats.LatencyMax = latencies[len(latencies)-1]
	stats.LatencyP50 = percentile(latencies, 50)
	stats.LatencyP95 = percentile(latencies, 95)
	stats.LatencyP99 = percentile(latencies, 99)
	return stats
}

// percentile calculates the p-th percentile from a sorted slice of values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	n := float64(len(sorted))
	idx := (p / 100.0) * (n - 1)

	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	// Linear interpolation
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
