package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func imageResponse(t *testing.T, w http.ResponseWriter, png []byte) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"created": 1,
		"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		"usage": map[string]any{
			"input_tokens":         50,
			"input_tokens_details": map[string]any{"image_tokens": 0, "text_tokens": 50},
			"output_tokens":        1000,
			"total_tokens":         1050,
		},
	})
}

func TestOpenAIImageGenerateWithoutReferences(t *testing.T) {
	var payload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		imageResponse(t, w, MockPNG())
	}))
	defer server.Close()

	client := NewOpenAIImageClient(OpenAIImageConfig{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		RateLimit: 100,
	})

	result, err := client.Generate(context.Background(), &ImageRequest{Prompt: "a fox in a meadow"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if string(result.Image) != string(MockPNG()) {
		t.Fatalf("unexpected image bytes")
	}
	if result.TotalTokens != 1050 {
		t.Fatalf("expected 1050 total tokens, got %d", result.TotalTokens)
	}
	if result.CostUSD <= 0 {
		t.Fatalf("expected non-zero cost estimate, got %f", result.CostUSD)
	}
	if result.Source() != "openai:gpt-image-1" {
		t.Fatalf("unexpected source tag %q", result.Source())
	}
	if got, _ := payload["model"].(string); got != "gpt-image-1" {
		t.Fatalf("expected model gpt-image-1, got %q", got)
	}
	if got, _ := payload["size"].(string); got != "1024x1536" {
		t.Fatalf("expected portrait size, got %q", got)
	}
	if got, _ := payload["prompt"].(string); got != "a fox in a meadow" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestOpenAIImageGenerateWithReferencesUsesEdits(t *testing.T) {
	var files int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/edits" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		for _, fh := range r.MultipartForm.File {
			files += len(fh)
		}
		if got := r.FormValue("prompt"); got != "the fox meets an owl" {
			t.Fatalf("unexpected prompt %q", got)
		}
		imageResponse(t, w, MockPNG())
	}))
	defer server.Close()

	client := NewOpenAIImageClient(OpenAIImageConfig{APIKey: "test-key", BaseURL: server.URL, RateLimit: 100})

	refs := [][]byte{MockPNG(), MockPNG(), MockPNG()}
	if _, err := client.Generate(context.Background(), &ImageRequest{Prompt: "the fox meets an owl", References: refs}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if files != MaxReferences {
		t.Fatalf("expected %d reference files, got %d", MaxReferences, files)
	}
}

func TestOpenAIImageSafetyBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Your request was rejected by the safety system.","type":"image_generation_user_error","param":null,"code":"moderation_blocked"}}`))
	}))
	defer server.Close()

	client := NewOpenAIImageClient(OpenAIImageConfig{APIKey: "test-key", BaseURL: server.URL, RateLimit: 100})

	_, err := client.Generate(context.Background(), &ImageRequest{Prompt: "x"})
	if !errors.Is(err, ErrSafetyBlocked) {
		t.Fatalf("expected ErrSafetyBlocked, got %v", err)
	}
	if ErrorType(err) != "safety_blocked" {
		t.Fatalf("unexpected error type %q", ErrorType(err))
	}
}

func TestOpenAIImageEmptyPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIImageClient(OpenAIImageConfig{APIKey: "test-key", BaseURL: server.URL, RateLimit: 100})

	_, err := client.Generate(context.Background(), &ImageRequest{Prompt: "x"})
	if !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
}

func TestOpenAIImageRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit","type":"rate_limit_error","param":"","code":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewOpenAIImageClient(OpenAIImageConfig{APIKey: "test-key", BaseURL: server.URL, RateLimit: 100})

	_, err := client.Generate(context.Background(), &ImageRequest{Prompt: "x"})
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.RetryAfter != 3*time.Second {
		t.Fatalf("expected RetryAfter=3s, got %v", rle.RetryAfter)
	}
	if status := client.LimiterStatus(); status.Last429Time.IsZero() {
		t.Fatal("expected limiter to record the 429")
	}
}

func TestOpenAIImageValidation(t *testing.T) {
	client := NewOpenAIImageClient(OpenAIImageConfig{APIKey: "test-key"})
	if _, err := client.Generate(context.Background(), &ImageRequest{Prompt: "  "}); err == nil {
		t.Fatal("expected validation error for empty prompt")
	}
}
