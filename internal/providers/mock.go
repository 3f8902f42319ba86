package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

const MockGeneratorName = "mock"

// MockImageGenerator is an ImageGenerator for testing and local runs.
type MockImageGenerator struct {
	// Configurable behavior
	Latency    time.Duration
	ShouldFail bool
	FailAfter  int // Fail after N requests (0 = never)
	Image      []byte

	// Respond overrides the default behavior when set. call is 1-based.
	Respond func(ctx context.Context, call int64, req *ImageRequest) ([]byte, error)

	RPS float64

	// State
	requestCount   atomic.Int64
	cancelledCount atomic.Int64
	withRefsCount  atomic.Int64
}

// NewMockImageGenerator creates a mock generator with sensible defaults.
func NewMockImageGenerator() *MockImageGenerator {
	return &MockImageGenerator{
		Latency: 10 * time.Millisecond,
		Image:   MockPNG(),
		RPS:     100,
	}
}

// Name returns the client identifier.
func (m *MockImageGenerator) Name() string {
	return MockGeneratorName
}

// Model returns the mock model name.
func (m *MockImageGenerator) Model() string {
	return "mock-image"
}

// RequestsPerSecond returns the rate limit.
func (m *MockImageGenerator) RequestsPerSecond() float64 {
	return m.RPS
}

// Generate implements ImageGenerator.
func (m *MockImageGenerator) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	start := time.Now()
	count := m.requestCount.Add(1)
	if len(req.References) > 0 {
		m.withRefsCount.Add(1)
	}

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			m.cancelledCount.Add(1)
			return nil, ctx.Err()
		}
	}

	var (
		image []byte
		err   error
	)
	switch {
	case m.Respond != nil:
		image, err = m.Respond(ctx, count, req)
	case m.ShouldFail:
		err = fmt.Errorf("mock generator configured to fail")
	case m.FailAfter > 0 && int(count) > m.FailAfter:
		err = fmt.Errorf("mock generator failed after %d requests", m.FailAfter)
	default:
		image = m.Image
	}
	if err != nil {
		if ctx.Err() != nil {
			m.cancelledCount.Add(1)
		}
		return nil, err
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	return &ImageResult{
		Image:         image,
		ExecutionTime: time.Since(start),
		Provider:      MockGeneratorName,
		ModelUsed:     m.Model(),
	}, nil
}

// RequestCount returns the number of requests made.
func (m *MockImageGenerator) RequestCount() int64 {
	return m.requestCount.Load()
}

// CancelledCount returns how many calls observed cancellation.
func (m *MockImageGenerator) CancelledCount() int64 {
	return m.cancelledCount.Load()
}

// WithReferencesCount returns how many calls carried reference images.
func (m *MockImageGenerator) WithReferencesCount() int64 {
	return m.withRefsCount.Load()
}

// Reset resets the counters.
func (m *MockImageGenerator) Reset() {
	m.requestCount.Store(0)
	m.cancelledCount.Store(0)
	m.withRefsCount.Store(0)
}

// MockPNG returns a valid 1x1 PNG.
func MockPNG() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
		0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
		0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0xf8, 0xcf, 0xc0, 0xf0,
		0x1f, 0x00, 0x05, 0x00, 0x01, 0xff, 0x89, 0x99, 0x3d, 0x1d, 0x00, 0x00,
		0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
}

var _ ImageGenerator = (*MockImageGenerator)(nil)
