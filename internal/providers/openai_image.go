package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIImageName         = "openai"
	openAIImageDefaultModel = openai.ImageModelGPTImage1

	// Approximate gpt-image-1 pricing in USD per 1M tokens.
	openAIImageInputCostPer1M  = 10.00
	openAIImageOutputCostPer1M = 40.00
)

// OpenAIImageConfig holds configuration for the OpenAI image client.
type OpenAIImageConfig struct {
	APIKey     string
	Model      string        // "gpt-image-1" (default)
	Quality    string        // "low", "medium" (default), "high"
	RateLimit  float64       // Requests per second
	MaxRetries int           // Retry attempts for SDK transport
	Timeout    time.Duration // HTTP timeout per generation call
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIImageClient implements ImageGenerator using the official OpenAI SDK.
// Prompts without references go to the generations endpoint; prompts with
// references go to the edits endpoint so the output is conditioned on them.
type OpenAIImageClient struct {
	apiKey    string
	model     string
	quality   string
	rateLimit float64
	limiter   *RateLimiter
	client    openai.Client
}

// NewOpenAIImageClient creates a new OpenAI image client.
func NewOpenAIImageClient(cfg OpenAIImageConfig) *OpenAIImageClient {
	if cfg.Model == "" {
		cfg.Model = openAIImageDefaultModel
	}
	if cfg.Quality == "" {
		cfg.Quality = "medium"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1.0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 180 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	// Retries belong to the caller; MaxRetries defaults to zero.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIImageClient{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		quality:   cfg.Quality,
		rateLimit: cfg.RateLimit,
		limiter:   NewRateLimiter(cfg.RateLimit),
		client:    openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIImageClient) Name() string {
	return OpenAIImageName
}

// Model returns the configured model.
func (c *OpenAIImageClient) Model() string {
	return c.model
}

// RequestsPerSecond returns the configured rate limit.
func (c *OpenAIImageClient) RequestsPerSecond() float64 {
	return c.rateLimit
}

// LimiterStatus exposes the shared rate limiter state.
func (c *OpenAIImageClient) LimiterStatus() RateLimiterStatus {
	return c.limiter.Status()
}

// Generate implements ImageGenerator.
func (c *OpenAIImageClient) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	queued := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	var (
		resp *openai.ImagesResponse
		err  error
	)
	refs := req.References
	if len(refs) > MaxReferences {
		refs = refs[:MaxReferences]
	}
	if len(refs) == 0 {
		resp, err = c.client.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt:       req.Prompt,
			Model:        openai.ImageModel(c.model),
			N:            openai.Int(1),
			Size:         openai.ImageGenerateParamsSize1024x1536,
			Quality:      openai.ImageGenerateParamsQuality(c.quality),
			OutputFormat: openai.ImageGenerateParamsOutputFormatPNG,
			Moderation:   openai.ImageGenerateParamsModerationLow,
		})
	} else {
		files := make([]io.Reader, 0, len(refs))
		for i, ref := range refs {
			files = append(files, openai.File(bytes.NewReader(ref), fmt.Sprintf("reference-%d.png", i+1), "image/png"))
		}
		resp, err = c.client.Images.Edit(ctx, openai.ImageEditParams{
			Image:        openai.ImageEditParamsImageUnion{OfFileArray: files},
			Prompt:       req.Prompt,
			Model:        openai.ImageModel(c.model),
			N:            openai.Int(1),
			Size:         openai.ImageEditParamsSize1024x1536,
			Quality:      openai.ImageEditParamsQuality(c.quality),
			OutputFormat: openai.ImageEditParamsOutputFormatPNG,
		})
	}
	if err != nil {
		err = mapOpenAIError(err)
		if rle, ok := IsRateLimitError(err); ok {
			c.limiter.Record429(rle.RetryAfter)
		}
		return nil, err
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrEmptyImage
	}

	image, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	return &ImageResult{
		Image:         image,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
		InputTokens:   int(resp.Usage.InputTokens),
		OutputTokens:  int(resp.Usage.OutputTokens),
		TotalTokens:   int(resp.Usage.TotalTokens),
		CostUSD:       estimateOpenAIImageCostUSD(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		QueueTime:     start.Sub(queued),
		ExecutionTime: time.Since(start),
		Provider:      OpenAIImageName,
		ModelUsed:     c.model,
	}, nil
}

func estimateOpenAIImageCostUSD(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*(openAIImageInputCostPer1M/1_000_000.0) +
		float64(outputTokens)*(openAIImageOutputCostPer1M/1_000_000.0)
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		switch apiErr.Code {
		case "moderation_blocked", "content_policy_violation":
			return fmt.Errorf("%w: %s", ErrSafetyBlocked, apiErr.Message)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("OpenAI image error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("OpenAI image error (status %d)", apiErr.StatusCode)
	}
	return err
}

var _ ImageGenerator = (*OpenAIImageClient)(nil)
