package config

import (
	"encoding/json"
	"fmt"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/utils"
)

// VaultConfigRaw accepts storage_capacity as either a number of bytes or a
// human-friendly string such as "20GiB".
type VaultConfigRaw struct {
	VaultConfig
	StorageCapacity interface{} `json:"storage_capacity"`
}

// ConfigRaw is the on-disk shape of Config before capacity parsing and defaults.
type ConfigRaw struct {
	Mode    Mode            `json:"mode"`
	Network json.RawMessage `json:"network,omitempty"`
	Vault   VaultConfigRaw  `json:"vault,omitempty"`
	Client  json.RawMessage `json:"client,omitempty"`
	Auth    json.RawMessage `json:"auth,omitempty"`
}

// Resolve applies defaults to any section left out of the file.
func (raw ConfigRaw) Resolve() (*Config, error) {
	cfg := &Config{
		Mode:    raw.Mode,
		Network: DefaultNetworkConfig(),
		Client:  DefaultClientConfig(),
		Auth:    *auth.DefaultAuthConfig(),
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeVault
	}

	if len(raw.Network) > 0 {
		if err := json.Unmarshal(raw.Network, &cfg.Network); err != nil {
			return nil, fmt.Errorf("failed to parse network section: %w", err)
		}
	}
	if len(raw.Client) > 0 {
		if err := json.Unmarshal(raw.Client, &cfg.Client); err != nil {
			return nil, fmt.Errorf("failed to parse client section: %w", err)
		}
	}

	if len(raw.Auth) > 0 {
		if err := json.Unmarshal(raw.Auth, &cfg.Auth); err != nil {
			return nil, fmt.Errorf("failed to parse auth section: %w", err)
		}
		cfg.Auth.CAPath = ExpandPath(cfg.Auth.CAPath)
	}

	vault, err := ParseVaultConfig(raw.Vault)
	if err != nil {
		return nil, err
	}
	cfg.Vault = vault
	return cfg, nil
}

// ParseVaultConfig converts VaultConfigRaw to VaultConfig, filling zero fields
// from DefaultVaultConfig.
func ParseVaultConfig(raw VaultConfigRaw) (VaultConfig, error) {
	cfg := raw.VaultConfig
	def := DefaultVaultConfig()

	switch v := raw.StorageCapacity.(type) {
	case float64:
		cfg.StorageCapacity = int64(v)
	case string:
		capacity, err := utils.ParseDataSize(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid storage capacity format: %w", err)
		}
		cfg.StorageCapacity = capacity
	case nil:
		cfg.StorageCapacity = def.StorageCapacity
	default:
		return cfg, fmt.Errorf("storage_capacity must be a number or string, got %T", v)
	}

	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = def.CacheEntries
	}
	if cfg.AccountRetries == 0 {
		cfg.AccountRetries = def.AccountRetries
	}
	if cfg.AccountRetryDelay == 0 {
		cfg.AccountRetryDelay = def.AccountRetryDelay
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.RepublishInterval == 0 {
		cfg.RepublishInterval = def.RepublishInterval
	}
	if cfg.ValidityInterval == 0 {
		cfg.ValidityInterval = def.ValidityInterval
	}
	if cfg.ValidityMinAge == 0 {
		cfg.ValidityMinAge = def.ValidityMinAge
	}
	if cfg.ValidityRetry == 0 {
		cfg.ValidityRetry = def.ValidityRetry
	}
	if cfg.WaitingListTimeout == 0 {
		cfg.WaitingListTimeout = def.WaitingListTimeout
	}
	if cfg.MaintenanceWorkers == 0 {
		cfg.MaintenanceWorkers = def.MaintenanceWorkers
	}
	return cfg, nil
}
