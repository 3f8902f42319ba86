package metrics

import "context"

// CallsByItem returns how many generation calls each page or anchor of a
// book consumed.
func (r *Recorder) CallsByItem(ctx context.Context, bookID string) (map[string]int, error) {
	metrics, err := r.List(ctx, Filter{BookID: bookID}, 0)
	if err != nil {
		return nil, err
	}

	calls := make(map[string]int)
	for _, m := range metrics {
		calls[m.ItemKey]++
	}
	return calls, nil
}

// ErrorsByType returns failure counts keyed by error type.
func (r *Recorder) ErrorsByType(ctx context.Context, f Filter) (map[string]int, error) {
	failed := false
	f.Success = &failed
	metrics, err := r.List(ctx, f, 0)
	if err != nil {
		return nil, err
	}

	breakdown := make(map[string]int)
	for _, m := range metrics {
		breakdown[m.ErrorType]++
	}
	return breakdown, nil
}

// BookStageBreakdown returns cost breakdown by stage for a book.
func (r *Recorder) BookStageBreakdown(ctx context.Context, bookID string) (map[string]float64, error) {
	metrics, err := r.List(ctx, Filter{BookID: bookID}, 0)
	if err != nil {
		return nil, err
	}

	breakdown := make(map[string]float64)
	for _, m := range metrics {
		breakdown[m.Stage] += m.CostUSD
	}
	return breakdown, nil
}

// BookReport is the per-book metrics view served over the API.
type BookReport struct {
	Summary      *Summary                  `json:"summary"`
	Stages       map[string]*DetailedStats `json:"stages"`
	CallsPerItem map[string]int            `json:"calls_per_item"`
	Errors       map[string]int            `json:"errors"`
}

// Report builds the metrics view for one book.
func (r *Recorder) Report(ctx context.Context, bookID string) (*BookReport, error) {
	summary, err := r.GetSummary(ctx, Filter{BookID: bookID})
	if err != nil {
		return nil, err
	}
	stages, err := r.StageDetailedStats(ctx, bookID)
	if err != nil {
		return nil, err
	}
	calls, err := r.CallsByItem(ctx, bookID)
	if err != nil {
		return nil, err
	}
	errs, err := r.ErrorsByType(ctx, Filter{BookID: bookID})
	if err != nil {
		return nil, err
	}
	return &BookReport{Summary: summary, Stages: stages, CallsPerItem: calls, Errors: errs}, nil
}
