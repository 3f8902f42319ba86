package fulfillment

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Submission modes. Draft orders are validated by the vendor but never
// printed or billed.
const (
	ModeDraft = "draft"
	ModeOrder = "order"
)

// Env is the vendor configuration. It is read from the environment only so
// no config file can switch on real orders.
type Env struct {
	BaseURL       string        `env:"STORYSHELF_FULFILLMENT_URL"`
	APIKey        string        `env:"STORYSHELF_FULFILLMENT_API_KEY"`
	Mode          string        `env:"STORYSHELF_FULFILLMENT_MODE" envDefault:"draft"`
	PackageID     string        `env:"STORYSHELF_FULFILLMENT_PACKAGE" envDefault:"0800X1100FCSTDPB080CW444GXX"`
	ShippingLevel string        `env:"STORYSHELF_FULFILLMENT_SHIPPING" envDefault:"MAIL"`
	Timeout       time.Duration `env:"STORYSHELF_FULFILLMENT_TIMEOUT" envDefault:"30s"`
}

// LoadEnv parses and validates the vendor configuration.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("failed to parse fulfillment environment: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Validate checks the submission mode.
func (e Env) Validate() error {
	switch e.Mode {
	case ModeDraft, ModeOrder:
		return nil
	default:
		return fmt.Errorf("invalid fulfillment mode %q (want %s or %s)", e.Mode, ModeDraft, ModeOrder)
	}
}

// Draft reports whether orders are submitted as non-billing drafts.
func (e Env) Draft() bool {
	return e.Mode != ModeOrder
}

// Configured reports whether a vendor endpoint is set.
func (e Env) Configured() bool {
	return e.BaseURL != ""
}
