package providers

import (
	"context"
	"fmt"
)

// Selector is an ImageGenerator that resolves the named generator from a
// Registry on every call, so config reloads take effect for new requests.
type Selector struct {
	registry *Registry
	name     func() string
}

// NewSelector returns a Selector over registry. name reports the generator
// to use and is consulted on every call.
func NewSelector(registry *Registry, name func() string) *Selector {
	return &Selector{registry: registry, name: name}
}

func (s *Selector) current() (ImageGenerator, error) {
	gen, err := s.registry.Get(s.name())
	if err != nil {
		return nil, fmt.Errorf("no image generator available: %w", err)
	}
	return gen, nil
}

// Name implements ImageGenerator.
func (s *Selector) Name() string {
	if gen, err := s.current(); err == nil {
		return gen.Name()
	}
	return s.name()
}

// Model implements ImageGenerator.
func (s *Selector) Model() string {
	if gen, err := s.current(); err == nil {
		return gen.Model()
	}
	return ""
}

// RequestsPerSecond implements ImageGenerator.
func (s *Selector) RequestsPerSecond() float64 {
	if gen, err := s.current(); err == nil {
		return gen.RequestsPerSecond()
	}
	return 0
}

// Generate implements ImageGenerator.
func (s *Selector) Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	gen, err := s.current()
	if err != nil {
		return nil, err
	}
	return gen.Generate(ctx, req)
}
