package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the configured image generators.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]ImageGenerator
	configs    map[string]ImageProviderConfig
	logger     *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]ImageGenerator),
		configs:    make(map[string]ImageProviderConfig),
		logger:     slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register registers an image generator by name.
func (r *Registry) Register(name string, gen ImageGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = gen
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("registered image generator", "name", name)
	}
}

// Get returns an image generator by name.
func (r *Registry) Get(name string) (ImageGenerator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("image generator not found: %s", name)
	}
	return gen, nil
}

// List returns all registered generator names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a generator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.generators[name]
	return ok
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	ImageProviders map[string]ImageProviderConfig
}

// ImageProviderConfig matches config.ImageProviderCfg with a resolved API key.
type ImageProviderConfig struct {
	Type      string  // "openai", "mock"
	Model     string  // Model name
	Quality   string  // Generation quality tier
	APIKey    string  // Resolved API key
	BaseURL   string  // Optional API origin override
	RateLimit float64 // Requests per second
	Timeout   time.Duration
	Enabled   bool
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with valid API keys will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered.
// Providers with changed settings will be re-registered.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.ImageProviders {
		if !provCfg.Enabled || (provCfg.Type != MockGeneratorName && provCfg.APIKey == "") {
			continue
		}
		want[name] = true

		_, hasExisting := r.generators[name]
		if hasExisting && r.configs[name] == provCfg {
			continue
		}
		gen := createImageGenerator(provCfg)
		if gen == nil {
			if r.logger != nil {
				r.logger.Warn("unknown image provider type", "name", name, "type", provCfg.Type)
			}
			continue
		}
		r.generators[name] = gen
		r.configs[name] = provCfg
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated image generator", "name", name, "type", provCfg.Type)
			} else {
				r.logger.Info("registered image generator", "name", name, "type", provCfg.Type)
			}
		}
	}

	// Generators registered directly (no config) are left alone.
	for name := range r.configs {
		if !want[name] {
			delete(r.generators, name)
			delete(r.configs, name)
			if r.logger != nil {
				r.logger.Info("unregistered image generator", "name", name)
			}
		}
	}
}

// createImageGenerator creates a generator based on provider type.
func createImageGenerator(cfg ImageProviderConfig) ImageGenerator {
	switch cfg.Type {
	case OpenAIImageName:
		return NewOpenAIImageClient(OpenAIImageConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Quality:   cfg.Quality,
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
			BaseURL:   cfg.BaseURL,
		})
	case MockGeneratorName:
		m := NewMockImageGenerator()
		if cfg.RateLimit > 0 {
			m.RPS = cfg.RateLimit
		}
		return m
	default:
		return nil
	}
}
