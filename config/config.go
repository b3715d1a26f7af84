// Package config loads library configuration from YAML. All values have
// working defaults; a wallet embedding the library typically overrides
// only the network and the esplora endpoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tapcash/nearby/types"
)

// Config is the tunable surface of the nearby protocol library.
type Config struct {
	// Network selects mainnet or testnet; payloads for the other
	// network are rejected.
	Network types.Network `yaml:"network"`

	// DisplayName is this device's name as shown to discovered peers.
	DisplayName string `yaml:"display_name"`

	// ScanTimeout bounds how long a session advertises or scans before
	// giving up with a timeout state.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// PollInterval and PollTimeout drive the payment confirmation
	// poller.
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`

	// EsploraURL is the base URL of the blockchain query API.
	EsploraURL string `yaml:"esplora_url"`

	LogLevel      string `yaml:"log_level"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Network:      types.NetworkMainnet,
		DisplayName:  "nearby",
		ScanTimeout:  60 * time.Second,
		PollInterval: 5 * time.Second,
		PollTimeout:  5 * time.Minute,
		EsploraURL:   "https://blockstream.info/api",
		LogLevel:     "info",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded values for internal consistency.
func (c Config) Validate() error {
	if !c.Network.Valid() {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan_timeout must be positive")
	}
	if c.PollInterval <= 0 || c.PollTimeout <= 0 {
		return fmt.Errorf("poll_interval and poll_timeout must be positive")
	}
	if c.PollInterval >= c.PollTimeout {
		return fmt.Errorf("poll_interval must be shorter than poll_timeout")
	}
	if c.EsploraURL == "" {
		return fmt.Errorf("esplora_url is required")
	}
	return nil
}
