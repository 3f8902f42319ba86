package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackzampolin/storyshelf/internal/providers"
)

// Recorder handles recording generation metrics.
type Recorder struct {
	store Store
}

// NewRecorder creates a new metrics recorder. A nil store yields a
// recorder that drops everything.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// RecordOpts provides context for a metric recording.
type RecordOpts struct {
	BookID  string
	Stage   string
	ItemKey string
	Attempt int
	Racer   int
}

// Record stores a single metric.
func (r *Recorder) Record(ctx context.Context, m Metric) (string, error) {
	if r == nil || r.store == nil {
		return "", nil
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return r.store.RecordMetric(ctx, m)
}

// RecordGeneration records a successful generation call.
func (r *Recorder) RecordGeneration(ctx context.Context, opts RecordOpts, result *providers.ImageResult, winner bool) (string, error) {
	if result == nil {
		return "", fmt.Errorf("nil image result")
	}

	m := Metric{
		// Attribution
		BookID:  opts.BookID,
		Stage:   opts.Stage,
		ItemKey: opts.ItemKey,
		Attempt: opts.Attempt,
		Racer:   opts.Racer,

		// Provider info
		Provider: result.Provider,
		Model:    result.ModelUsed,

		// Cost and tokens
		CostUSD:     result.CostUSD,
		TotalTokens: result.TotalTokens,

		// Timing
		QueueSeconds:     result.QueueTime.Seconds(),
		ExecutionSeconds: result.ExecutionTime.Seconds(),
		TotalSeconds:     (result.QueueTime + result.ExecutionTime).Seconds(),

		Success: true,
		Winner:  winner,
	}

	return r.Record(ctx, m)
}

// RecordError records a failed generation call.
func (r *Recorder) RecordError(ctx context.Context, opts RecordOpts, provider, model string, err error, duration time.Duration) (string, error) {
	m := Metric{
		// Attribution
		BookID:  opts.BookID,
		Stage:   opts.Stage,
		ItemKey: opts.ItemKey,
		Attempt: opts.Attempt,
		Racer:   opts.Racer,

		// Provider info
		Provider: provider,
		Model:    model,

		// Timing
		TotalSeconds: duration.Seconds(),

		// Status
		Success:   false,
		ErrorType: providers.ErrorType(err),
	}

	return r.Record(ctx, m)
}

// List returns metrics matching the filter. limit <= 0 means no limit.
func (r *Recorder) List(ctx context.Context, f Filter, limit int) ([]Metric, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.ListMetrics(ctx, f, limit)
}
