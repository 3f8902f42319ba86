package config

import "time"

// Config holds storyshelf configuration.
// Stored at: {home}/config.yaml
type Config struct {
	ImageProviders map[string]ImageProviderCfg `mapstructure:"image_providers" yaml:"image_providers"`
	Defaults       DefaultsCfg                 `mapstructure:"defaults" yaml:"defaults"`
	Pipeline       PipelineCfg                 `mapstructure:"pipeline" yaml:"pipeline"`
	Storage        StorageCfg                  `mapstructure:"storage" yaml:"storage"`
	Renderer       RendererCfg                 `mapstructure:"renderer" yaml:"renderer"`
	Server         ServerCfg                   `mapstructure:"server" yaml:"server"`
}

// ImageProviderCfg configures an image-generation provider.
type ImageProviderCfg struct {
	Type           string  `mapstructure:"type" yaml:"type"`       // "openai", "mock"
	Model          string  `mapstructure:"model" yaml:"model"`     // e.g. "gpt-image-1"
	Quality        string  `mapstructure:"quality" yaml:"quality"` // "low", "medium", "high"
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	BaseURL        string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg specifies default provider selections.
type DefaultsCfg struct {
	ImageProvider string `mapstructure:"image_provider" yaml:"image_provider"`
}

// Anchor policies.
const (
	AnchorPolicyDegrade = "degrade"
	AnchorPolicyRequire = "require"
)

// PipelineCfg tunes the generation phases.
type PipelineCfg struct {
	TeaserPages       int    `mapstructure:"teaser_pages" yaml:"teaser_pages"`
	BatchSize         int    `mapstructure:"batch_size" yaml:"batch_size"`
	BatchDelaySeconds int    `mapstructure:"batch_delay_seconds" yaml:"batch_delay_seconds"`
	RaceConcurrency   int    `mapstructure:"race_concurrency" yaml:"race_concurrency"`
	RaceAttempts      int    `mapstructure:"race_attempts" yaml:"race_attempts"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	MinPageCount      int    `mapstructure:"min_page_count" yaml:"min_page_count"`
	AnchorPolicy      string `mapstructure:"anchor_policy" yaml:"anchor_policy"` // "degrade" or "require"
}

// BatchDelay returns the sleep between full-phase batches.
func (p PipelineCfg) BatchDelay() time.Duration {
	return time.Duration(p.BatchDelaySeconds) * time.Second
}

// RetryDelay returns the fixed delay between racing attempts.
func (p PipelineCfg) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// StorageCfg selects the persistence backend.
type StorageCfg struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`                   // "sqlite" or "memory"
	DBPath     string `mapstructure:"db_path" yaml:"db_path,omitempty"`         // default: {home}/storyshelf.db
	ObjectsDir string `mapstructure:"objects_dir" yaml:"objects_dir,omitempty"` // default: {home}/objects
	SigningKey string `mapstructure:"signing_key" yaml:"signing_key"`           // supports ${ENV_VAR} syntax
}

// RendererCfg configures the headless browser used for PDF capture.
type RendererCfg struct {
	ExecPath                 string `mapstructure:"exec_path" yaml:"exec_path,omitempty"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds" yaml:"navigation_timeout_seconds"`
}

// NavigationTimeout returns the renderer navigation timeout.
func (r RendererCfg) NavigationTimeout() time.Duration {
	return time.Duration(r.NavigationTimeoutSeconds) * time.Second
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	// PublicBaseURL is the origin signed object URLs and the print
	// template are served from.
	PublicBaseURL string `mapstructure:"public_base_url" yaml:"public_base_url"`
}

// GetImageProvider returns an image provider config by name.
func (c *Config) GetImageProvider(name string) (ImageProviderCfg, bool) {
	cfg, ok := c.ImageProviders[name]
	return cfg, ok
}

// EnabledImageProviders returns all enabled image providers.
func (c *Config) EnabledImageProviders() map[string]ImageProviderCfg {
	result := make(map[string]ImageProviderCfg)
	for name, cfg := range c.ImageProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
