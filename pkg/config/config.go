package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"vaultnet/pkg/auth"
	"vaultnet/pkg/types"
)

type Mode string

const (
	ModeVault  Mode = "vault"
	ModeClient Mode = "client"
)

type Config struct {
	Mode    Mode            `json:"mode"`
	Network NetworkConfig   `json:"network"`
	Vault   VaultConfig     `json:"vault,omitempty"`
	Client  ClientConfig    `json:"client,omitempty"`
	Auth    auth.AuthConfig `json:"auth,omitempty"`
}

// NetworkConfig holds the replication parameters every peer must agree on.
type NetworkConfig struct {
	K                      int           `json:"k"`
	StoreThresholdFraction float64       `json:"store_threshold_fraction"`
	MinChunkCopies         int           `json:"min_chunk_copies"`
	MaxStoreFailures       int           `json:"max_store_failures"`
	ChunkLoadRetries       int           `json:"chunk_load_retries"`
	AccountQuorum          int           `json:"account_quorum"`
	AccountUpperThreshold  int           `json:"account_upper_threshold"`
	RPCTimeout             time.Duration `json:"rpc_timeout"`
	IdealLatency           time.Duration `json:"ideal_latency"`
	ReferenceTTL           time.Duration `json:"reference_ttl"`
}

type VaultConfig struct {
	Address            string        `json:"address"`
	DataDir            string        `json:"data_dir"`
	StorageCapacity    int64         `json:"storage_capacity"`
	CacheEntries       int           `json:"cache_entries"`
	BootstrapFile      string        `json:"bootstrap_file"`
	PortForwarded      bool          `json:"port_forwarded"`
	InMemoryDB         bool          `json:"in_memory_db"`
	AccountRetries     int           `json:"account_retries"`
	AccountRetryDelay  time.Duration `json:"account_retry_delay"`
	SyncInterval       time.Duration `json:"sync_interval"`
	RepublishInterval  time.Duration `json:"republish_interval"`
	ValidityInterval   time.Duration `json:"validity_interval"`
	ValidityMinAge     time.Duration `json:"validity_min_age"`
	ValidityRetry      int           `json:"validity_retry"`
	WaitingListTimeout time.Duration `json:"waiting_list_timeout"`
	MaintenanceWorkers int           `json:"maintenance_workers"`
}

type ClientConfig struct {
	DataDir       string `json:"data_dir"`
	BootstrapFile string `json:"bootstrap_file"`
	StoreWorkers  int    `json:"store_workers"`
}

// DefaultNetworkConfig matches the production network constants.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		K:                      16,
		StoreThresholdFraction: 0.75,
		MinChunkCopies:         4,
		MaxStoreFailures:       10,
		ChunkLoadRetries:       3,
		RPCTimeout:             10 * time.Second,
		IdealLatency:           200 * time.Millisecond,
		ReferenceTTL:           24 * time.Hour,
	}
}

func DefaultVaultConfig() VaultConfig {
	return VaultConfig{
		Address:            ":5483",
		DataDir:            "./vault",
		StorageCapacity:    1 << 30,
		CacheEntries:       256,
		AccountRetries:     3,
		AccountRetryDelay:  2 * time.Second,
		SyncInterval:       10 * time.Minute,
		RepublishInterval:  time.Hour,
		ValidityInterval:   2 * time.Minute,
		ValidityMinAge:     30 * time.Minute,
		ValidityRetry:      2,
		WaitingListTimeout: 24 * time.Hour,
		MaintenanceWorkers: 4,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DataDir:      "./client",
		StoreWorkers: 4,
	}
}

// StoreThreshold is the number of acknowledgements out of K required for an
// IOU collection or packet store to succeed.
func (n NetworkConfig) StoreThreshold() int {
	t := int(float64(n.K) * n.StoreThresholdFraction)
	if t < 1 {
		t = 1
	}
	return t
}

// Quorum returns the acknowledgements needed from a group of the given size.
func (n NetworkConfig) Quorum(groupSize int) int {
	if n.AccountQuorum > 0 {
		if n.AccountQuorum > groupSize {
			return groupSize
		}
		return n.AccountQuorum
	}
	return groupSize/2 + 1
}

// UpperThreshold is how many account holders must corroborate a status before
// a vault counts itself synced.
func (n NetworkConfig) UpperThreshold(groupSize int) int {
	t := n.AccountUpperThreshold
	if t <= 0 {
		t = n.StoreThreshold()
	}
	if t > groupSize {
		t = groupSize
	}
	return t
}

func (n NetworkConfig) Validate() error {
	if n.K < 1 {
		return fmt.Errorf("k must be positive, got %d", n.K)
	}
	if n.StoreThresholdFraction <= 0 || n.StoreThresholdFraction > 1 {
		return fmt.Errorf("store threshold fraction must be in (0,1], got %v", n.StoreThresholdFraction)
	}
	if n.MinChunkCopies < 1 {
		return fmt.Errorf("min chunk copies must be positive, got %d", n.MinChunkCopies)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw ConfigRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg, err := raw.Resolve()
	if err != nil {
		return nil, err
	}
	if err := cfg.Network.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := &Config{
		Mode:    Mode(getEnv("VAULTNET_MODE", string(ModeVault))),
		Network: DefaultNetworkConfig(),
		Vault:   DefaultVaultConfig(),
		Client:  DefaultClientConfig(),
		Auth:    *auth.DefaultAuthConfig(),
	}

	cfg.Network.K = getEnvInt("VAULTNET_K", cfg.Network.K)
	cfg.Network.MinChunkCopies = getEnvInt("VAULTNET_MIN_CHUNK_COPIES", cfg.Network.MinChunkCopies)
	cfg.Vault.Address = getEnv("VAULTNET_VAULT_ADDRESS", cfg.Vault.Address)
	cfg.Vault.DataDir = getEnv("VAULTNET_DATA_DIR", cfg.Vault.DataDir)
	cfg.Vault.BootstrapFile = getEnv("VAULTNET_BOOTSTRAP_FILE", "")
	cfg.Client.DataDir = getEnv("VAULTNET_CLIENT_DATA_DIR", cfg.Client.DataDir)
	cfg.Client.BootstrapFile = cfg.Vault.BootstrapFile
	cfg.Auth.Enabled = getEnv("VAULTNET_TLS", "") == "true"
	cfg.Auth.CAPath = getEnv("VAULTNET_CA_PATH", "")

	return cfg
}

// BootstrapContact is one entry of the bootstrap contacts file.
type BootstrapContact struct {
	ID              string `json:"id"`
	Address         string `json:"address"`
	PublicKey       []byte `json:"public_key,omitempty"`
	SignedPublicKey []byte `json:"signed_public_key,omitempty"`
}

// LoadBootstrapContacts reads a JSON array of contacts. A missing file yields
// no contacts, which means the caller is the first node of a new network.
func LoadBootstrapContacts(path string) ([]types.Contact, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}

	var entries []BootstrapContact
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}

	contacts := make([]types.Contact, 0, len(entries))
	for _, e := range entries {
		if e.Address == "" {
			return nil, fmt.Errorf("bootstrap contact %q has no address", e.ID)
		}
		contacts = append(contacts, types.Contact{
			ID:              types.PeerID(e.ID),
			Address:         e.Address,
			PublicKey:       e.PublicKey,
			SignedPublicKey: e.SignedPublicKey,
		})
	}
	return contacts, nil
}

// SaveBootstrapContacts writes contacts in the format LoadBootstrapContacts reads.
func SaveBootstrapContacts(path string, contacts []types.Contact) error {
	entries := make([]BootstrapContact, 0, len(contacts))
	for _, c := range contacts {
		entries = append(entries, BootstrapContact{
			ID:              string(c.ID),
			Address:         c.Address,
			PublicKey:       c.PublicKey,
			SignedPublicKey: c.SignedPublicKey,
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bootstrap contacts: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write bootstrap file: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
