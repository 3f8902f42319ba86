// Package metrics records every image-generation call with full
// attribution and aggregates them per book, stage and page.
package metrics

import (
	"context"
	"time"
)

// Stages attributed to generation calls.
const (
	StageAnchor = "anchor"
	StageTeaser = "teaser"
	StageFull   = "full"
)

// Metric represents a single recorded generation call.
// Metrics are append-only records.
type Metric struct {
	ID string `json:"id,omitempty"`

	// Attribution (for filtering/aggregation)
	BookID  string `json:"book_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	ItemKey string `json:"item_key,omitempty"` // e.g., "page-004", "anchor-lead"
	Attempt int    `json:"attempt,omitempty"`
	Racer   int    `json:"racer,omitempty"`

	// Provider info
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cost and tokens
	CostUSD     float64 `json:"cost_usd,omitempty"`
	TotalTokens int     `json:"total_tokens,omitempty"`

	// Timing
	QueueSeconds     float64 `json:"queue_seconds,omitempty"`
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`
	TotalSeconds     float64 `json:"total_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	Winner    bool   `json:"winner,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// Metadata
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Filter specifies query filters.
type Filter struct {
	BookID   string
	Stage    string
	ItemKey  string
	Provider string
	After    time.Time
	Before   time.Time
	Success  *bool // nil = any, true = success only, false = errors only
}

// Matches reports whether m satisfies the filter.
func (f Filter) Matches(m Metric) bool {
	if f.BookID != "" && m.BookID != f.BookID {
		return false
	}
	if f.Stage != "" && m.Stage != f.Stage {
		return false
	}
	if f.ItemKey != "" && m.ItemKey != f.ItemKey {
		return false
	}
	if f.Provider != "" && m.Provider != f.Provider {
		return false
	}
	if !f.After.IsZero() && !m.CreatedAt.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !m.CreatedAt.Before(f.Before) {
		return false
	}
	if f.Success != nil && m.Success != *f.Success {
		return false
	}
	return true
}

// Store persists metrics.
type Store interface {
	RecordMetric(ctx context.Context, m Metric) (string, error)
	ListMetrics(ctx context.Context, f Filter, limit int) ([]Metric, error)
}
