package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderFile is the on-disk shape of a standalone providers.yaml, used to
// manage the AI provider roster separately from the main config file.
type ProviderFile struct {
	Providers map[string]ProviderFileEntry `yaml:"providers"`
}

// ProviderFileEntry mirrors ProviderConfig with yaml tags
type ProviderFileEntry struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	Model           string  `yaml:"model"`
	CacheTTL        int     `yaml:"cache_ttl"`
	RateLimitRPM    int     `yaml:"rate_limit_rpm"`
	AccuracyWeight  float64 `yaml:"accuracy_weight"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	MaxRetries      int     `yaml:"max_retries"`
	RetryDelayMS    int     `yaml:"retry_delay_ms"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// LoadProviderFile reads a providers.yaml and merges its entries into the
// config. Entries in the file override same-named providers from the main
// config; API keys always come from the environment or Vault, never the file.
func LoadProviderFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read provider file: %w", err)
	}

	var pf ProviderFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse provider file: %w", err)
	}

	if cfg.AI.Providers == nil {
		cfg.AI.Providers = make(map[string]ProviderConfig)
	}

	for name, e := range pf.Providers {
		existing := cfg.AI.Providers[name]
		cfg.AI.Providers[name] = ProviderConfig{
			Enabled:         e.Enabled,
			Endpoint:        e.Endpoint,
			APIKey:          existing.APIKey, // keys never live in provider files
			Model:           e.Model,
			CacheTTL:        e.CacheTTL,
			RateLimitRPM:    e.RateLimitRPM,
			AccuracyWeight:  e.AccuracyWeight,
			TimeoutSeconds:  e.TimeoutSeconds,
			MaxRetries:      e.MaxRetries,
			RetryDelayMS:    e.RetryDelayMS,
			InputCostPer1K:  e.InputCostPer1K,
			OutputCostPer1K: e.OutputCostPer1K,
		}
	}

	return nil
}

// ExportProviderFile writes the current provider roster to YAML, omitting keys
func ExportProviderFile(cfg *Config) ([]byte, error) {
	pf := ProviderFile{Providers: make(map[string]ProviderFileEntry, len(cfg.AI.Providers))}
	for name, p := range cfg.AI.Providers {
		pf.Providers[name] = ProviderFileEntry{
			Enabled:         p.Enabled,
			Endpoint:        p.Endpoint,
			Model:           p.Model,
			CacheTTL:        p.CacheTTL,
			RateLimitRPM:    p.RateLimitRPM,
			AccuracyWeight:  p.AccuracyWeight,
			TimeoutSeconds:  p.TimeoutSeconds,
			MaxRetries:      p.MaxRetries,
			RetryDelayMS:    p.RetryDelayMS,
			InputCostPer1K:  p.InputCostPer1K,
			OutputCostPer1K: p.OutputCostPer1K,
		}
	}
	return yaml.Marshal(&pf)
}
