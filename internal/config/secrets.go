package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
	}
	client.SetToken(token)

	log.Info().
		Str("address", vaultCfg.Address).
		Str("mount", cfg.Mount).
		Str("path", cfg.Path).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret map from Vault, KV v2 aware
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.Mount, vc.config.Path, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault
func (vc *VaultClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string at path: %s", key, path)
	}
	return value, nil
}

// ResolveSecrets fills provider and exchange API keys that are still empty.
// Environment variables win; Vault is consulted only when enabled and the
// environment has nothing. Keys are never written back to disk.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	for name, p := range cfg.AI.Providers {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(providerKeyEnv(name))
		}
		cfg.AI.Providers[name] = p
	}
	for name, ex := range cfg.Exchanges {
		if ex.APIKey == "" {
			ex.APIKey = os.Getenv(exchangeKeyEnv(name, "API_KEY"))
		}
		if ex.SecretKey == "" {
			ex.SecretKey = os.Getenv(exchangeKeyEnv(name, "SECRET_KEY"))
		}
		cfg.Exchanges[name] = ex
	}

	if !cfg.Vault.Enabled {
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("vault secrets: %w", err)
	}

	for name, p := range cfg.AI.Providers {
		if p.APIKey != "" || !p.Enabled {
			continue
		}
		key, err := vc.GetSecretString(ctx, "providers", name+"_api_key")
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("No Vault secret for provider")
			continue
		}
		p.APIKey = key
		cfg.AI.Providers[name] = p
	}
	for name, ex := range cfg.Exchanges {
		if ex.APIKey == "" {
			if key, err := vc.GetSecretString(ctx, "exchanges", name+"_api_key"); err == nil {
				ex.APIKey = key
			}
		}
		if ex.SecretKey == "" {
			if key, err := vc.GetSecretString(ctx, "exchanges", name+"_secret_key"); err == nil {
				ex.SecretKey = key
			}
		}
		cfg.Exchanges[name] = ex
	}

	return nil
}

func providerKeyEnv(name string) string {
	return "FIBFLOW_PROVIDER_" + strings.ToUpper(name) + "_API_KEY"
}

func exchangeKeyEnv(name, suffix string) string {
	return "FIBFLOW_EXCHANGE_" + strings.ToUpper(name) + "_" + suffix
}
