package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/types"
)

func TestLoadFallsBackToEnvironment(t *testing.T) {
	t.Setenv("VAULTNET_K", "8")
	t.Setenv("VAULTNET_DATA_DIR", "/srv/vault")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, ModeVault, cfg.Mode)
	assert.Equal(t, 8, cfg.Network.K)
	assert.Equal(t, "/srv/vault", cfg.Vault.DataDir)
}

func TestLoadFileFillsDefaults(t *testing.T) {
	t.Setenv("VAULT_HOME", "/data")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mode": "vault",
		"network": {"k": 8, "store_threshold_fraction": 0.5, "min_chunk_copies": 2},
		"vault": {"data_dir": "$VAULT_HOME/v1", "storage_capacity": "2GiB"},
		"auth": {"enabled": true, "ca_path": "$VAULT_HOME/ca"}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Network.K)
	assert.Equal(t, 4, cfg.Network.StoreThreshold())
	assert.Equal(t, int64(2<<30), cfg.Vault.StorageCapacity)
	assert.Equal(t, "/data/v1", cfg.Vault.DataDir)
	assert.Equal(t, DefaultVaultConfig().SyncInterval, cfg.Vault.SyncInterval)
	assert.Equal(t, DefaultClientConfig(), cfg.Client)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "/data/ca", cfg.Auth.CAPath)
	assert.Equal(t, auth.DefaultAuthConfig().CertValidity, cfg.Auth.CertValidity)
}

func TestLoadRejectsInvalidNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"network": {"k": 0}}`), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseVaultConfigCapacity(t *testing.T) {
	cfg, err := ParseVaultConfig(VaultConfigRaw{StorageCapacity: float64(1024)})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), cfg.StorageCapacity)

	cfg, err = ParseVaultConfig(VaultConfigRaw{})
	require.NoError(t, err)
	assert.Equal(t, DefaultVaultConfig().StorageCapacity, cfg.StorageCapacity)

	_, err = ParseVaultConfig(VaultConfigRaw{StorageCapacity: "lots"})
	assert.Error(t, err)
	_, err = ParseVaultConfig(VaultConfigRaw{StorageCapacity: true})
	assert.Error(t, err)
}

func TestThresholds(t *testing.T) {
	n := DefaultNetworkConfig()
	assert.Equal(t, 12, n.StoreThreshold())
	assert.Equal(t, 3, n.Quorum(4))
	assert.Equal(t, 4, n.UpperThreshold(4))

	n.AccountQuorum = 10
	assert.Equal(t, 4, n.Quorum(4))
	n.K, n.StoreThresholdFraction = 1, 0.1
	assert.Equal(t, 1, n.StoreThreshold())
}

func TestBootstrapContactsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")

	contacts, err := LoadBootstrapContacts(path)
	require.NoError(t, err)
	assert.Empty(t, contacts)

	want := []types.Contact{{ID: "a", Address: "10.0.0.1:5483", PublicKey: []byte{1, 2}}}
	require.NoError(t, SaveBootstrapContacts(path, want))
	contacts, err = LoadBootstrapContacts(path)
	require.NoError(t, err)
	assert.Equal(t, want, contacts)

	require.NoError(t, os.WriteFile(path, []byte(`[{"id": "b"}]`), 0644))
	_, err = LoadBootstrapContacts(path)
	assert.Error(t, err)
}

func TestConfigDirPrecedence(t *testing.T) {
	t.Setenv("VAULTNET_CONFIG_DIR", "/etc/vaultnet")
	assert.Equal(t, "/etc/vaultnet/config.json", GetConfigPath())

	t.Setenv("VAULTNET_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/home/u/.config")
	assert.Equal(t, "/home/u/.config/vaultnet", GetConfigDir())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "vault"), ExpandPath("~/vault"))
	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, "/abs", ExpandPath("/abs"))
}
