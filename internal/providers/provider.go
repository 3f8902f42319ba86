package providers

import (
	"context"
	"time"
)

// ImageGenerator produces one illustration per call. Implementations must
// honour ctx cancellation so losing racers stop promptly.
type ImageGenerator interface {
	// Name returns the provider identifier (e.g., "openai").
	Name() string

	// Model returns the model used for generation.
	Model() string

	// Generate produces an image for the request. It returns ErrSafetyBlocked
	// when the provider refuses the prompt and ErrEmptyImage when it
	// answers without a payload.
	Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error)

	// Rate limiting properties
	RequestsPerSecond() float64
}

// MaxReferences is the number of reference images a request may carry.
const MaxReferences = 2

// ImageRequest is a single generation call.
type ImageRequest struct {
	Prompt string

	// References are PNG-encoded character reference images. When present
	// the provider conditions the output on them.
	References [][]byte

	// Request tracking
	RequestID string
}

// ImageResult is a successful generation.
type ImageResult struct {
	Image         []byte `json:"-"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`

	// Token counts
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	QueueTime     time.Duration `json:"queue_time"`
	ExecutionTime time.Duration `json:"execution_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
}

// Source returns the generation-source tag recorded with persisted images.
func (r *ImageResult) Source() string {
	return r.Provider + ":" + r.ModelUsed
}
