package config

import (
	"errors"
	"fmt"
	"sort"
	"unicode"

	"github.com/spf13/viper"
)

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// ErrInvalidKey is returned when a config key contains invalid characters.
var ErrInvalidKey = errors.New("invalid config key")

// Entry is one leaf config key with its default value.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns the default configuration entries.
// Every leaf is registered with viper so env overrides
// (STORYSHELF_PIPELINE_BATCH_SIZE) resolve.
func DefaultEntries() []Entry {
	return []Entry{
		// Image providers
		{Key: "image_providers.openai.type", Value: "openai", Description: "Image provider type"},
		{Key: "image_providers.openai.model", Value: "gpt-image-1", Description: "OpenAI image model"},
		{Key: "image_providers.openai.quality", Value: "medium", Description: "Generation quality tier"},
		{Key: "image_providers.openai.api_key", Value: "${OPENAI_API_KEY}", Description: "OpenAI API key (uses environment variable)"},
		{Key: "image_providers.openai.rate_limit", Value: 0.5, Description: "Requests per second"},
		{Key: "image_providers.openai.timeout_seconds", Value: 180, Description: "HTTP timeout per generation call"},
		{Key: "image_providers.openai.enabled", Value: true, Description: "Whether the OpenAI provider is enabled"},
		{Key: "defaults.image_provider", Value: "openai", Description: "Provider used by the painter"},

		// Pipeline
		{Key: "pipeline.teaser_pages", Value: 7, Description: "Pages painted before payment"},
		{Key: "pipeline.batch_size", Value: 18, Description: "Pages per full-phase batch"},
		{Key: "pipeline.batch_delay_seconds", Value: 90, Description: "Sleep between full-phase batches"},
		{Key: "pipeline.race_concurrency", Value: 2, Description: "Parallel racers per attempt"},
		{Key: "pipeline.race_attempts", Value: 5, Description: "Attempts before a page is left unpainted"},
		{Key: "pipeline.retry_delay_seconds", Value: 3, Description: "Fixed delay between attempts"},
		{Key: "pipeline.min_page_count", Value: 28, Description: "Print vendor minimum page count"},
		{Key: "pipeline.anchor_policy", Value: AnchorPolicyDegrade, Description: "degrade or require when an anchor portrait fails"},

		// Storage
		{Key: "storage.backend", Value: "sqlite", Description: "sqlite or memory"},
		{Key: "storage.db_path", Value: "", Description: "SQLite file (default: home dir)"},
		{Key: "storage.objects_dir", Value: "", Description: "Object store directory (default: home dir)"},
		{Key: "storage.signing_key", Value: "${STORYSHELF_SIGNING_KEY}", Description: "HMAC key for signed object URLs"},

		// Renderer
		{Key: "renderer.exec_path", Value: "", Description: "Chrome executable (default: auto-detect)"},
		{Key: "renderer.navigation_timeout_seconds", Value: 60, Description: "Print template navigation timeout"},

		// Server
		{Key: "server.host", Value: "127.0.0.1", Description: "Listen host"},
		{Key: "server.port", Value: "8080", Description: "Listen port"},
		{Key: "server.public_base_url", Value: "http://127.0.0.1:8080", Description: "Origin for signed URLs"},
	}
}

// DefaultFor returns the default value for a key.
func DefaultFor(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	for _, e := range DefaultEntries() {
		if e.Key == key {
			return e.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDefault, key)
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}

// applyDefaults registers every default entry with v.
func applyDefaults(v *viper.Viper) {
	for _, e := range DefaultEntries() {
		v.SetDefault(e.Key, e.Value)
	}
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	v := viper.New()
	applyDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Entries are static; a failure here is a programming error.
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return &cfg
}

// SortedKeys returns the default keys in lexical order.
func SortedKeys() []string {
	entries := DefaultEntries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	sort.Strings(keys)
	return keys
}
