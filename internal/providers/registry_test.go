package providers

import "testing"

func TestRegistryFromConfig(t *testing.T) {
	r := NewRegistryFromConfig(RegistryConfig{
		ImageProviders: map[string]ImageProviderConfig{
			"openai":   {Type: "openai", APIKey: "k", RateLimit: 1, Enabled: true},
			"no-key":   {Type: "openai", Enabled: true},
			"disabled": {Type: "openai", APIKey: "k", Enabled: false},
			"local":    {Type: "mock", Enabled: true},
		},
	})

	if got := r.List(); len(got) != 2 || got[0] != "local" || got[1] != "openai" {
		t.Fatalf("unexpected providers: %v", got)
	}
	gen, err := r.Get("openai")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gen.Model() != "gpt-image-1" {
		t.Fatalf("expected default model, got %s", gen.Model())
	}
	if _, err := r.Get("no-key"); err == nil {
		t.Fatal("expected provider without key to be skipped")
	}
}

func TestRegistryReload(t *testing.T) {
	cfg := RegistryConfig{ImageProviders: map[string]ImageProviderConfig{
		"openai": {Type: "openai", APIKey: "k1", RateLimit: 1, Enabled: true},
	}}
	r := NewRegistryFromConfig(cfg)
	first, _ := r.Get("openai")

	r.Reload(cfg)
	same, _ := r.Get("openai")
	if first != same {
		t.Fatal("unchanged config should keep the existing client")
	}

	cfg.ImageProviders["openai"] = ImageProviderConfig{Type: "openai", APIKey: "k2", RateLimit: 1, Enabled: true}
	r.Reload(cfg)
	updated, _ := r.Get("openai")
	if updated == first {
		t.Fatal("changed config should replace the client")
	}

	manual := NewMockImageGenerator()
	r.Register("manual", manual)
	r.Reload(RegistryConfig{})
	if r.Has("openai") {
		t.Fatal("removed provider should be unregistered")
	}
	if !r.Has("manual") {
		t.Fatal("directly registered provider should survive reload")
	}
}
