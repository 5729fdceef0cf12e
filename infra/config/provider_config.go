package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/sefapay/sefapay/infra/apperr"
	"github.com/sefapay/sefapay/provider"
)

// ProviderConfig manages per-merchant payment provider credentials.
// Credentials are sealed with AES-256-GCM before they reach storage; the
// in-memory cache holds decrypted maps for the adapter construction path.
// A provider is usable only while its activation flag is on; configs start
// inactive.
type ProviderConfig struct {
	configs   map[string]merchantConfig
	storage   ConfigStorage
	secretKey string
	mu        sync.RWMutex
}

// merchantConfig is one cached, decrypted credential set.
type merchantConfig struct {
	fields map[string]string
	active bool
}

// MerchantProvider is one configured provider and its activation state.
type MerchantProvider struct {
	Name   string `json:"name"`
	Active bool   `json:"is_active"`
}

// NewProviderConfig creates a provider configuration manager backed by the
// given storage. A nil storage runs memory-only, which is acceptable for
// tests and throwaway environments.
func NewProviderConfig(storage ConfigStorage, secretKey string) *ProviderConfig {
	c := &ProviderConfig{
		configs:   make(map[string]merchantConfig),
		storage:   storage,
		secretKey: secretKey,
	}

	if storage == nil {
		log.Printf("Warning: config storage not available, using memory-only mode")
		return c
	}

	if err := c.loadFromStorage(); err != nil {
		log.Printf("Warning: failed to load configurations from storage: %v", err)
	}

	return c
}

func (c *ProviderConfig) loadFromStorage() error {
	sealed, err := c.storage.LoadAllMerchantConfigs()
	if err != nil {
		return fmt.Errorf("failed to load configs from storage: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, stored := range sealed {
		config, err := c.unseal(stored.Sealed)
		if err != nil {
			log.Printf("Warning: failed to unseal config for %s: %v", key, err)
			continue
		}
		c.configs[key] = merchantConfig{fields: config, active: stored.Active}
	}

	return nil
}

func (c *ProviderConfig) seal(config map[string]string) (string, error) {
	plaintext, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	envelope, err := provider.AESGCMSeal(c.secretKey, string(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to seal config: %w", err)
	}

	sealedJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return string(sealedJSON), nil
}

func (c *ProviderConfig) unseal(sealedJSON string) (map[string]string, error) {
	var envelope provider.SealedEnvelope
	if err := json.Unmarshal([]byte(sealedJSON), &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	plaintext, err := provider.AESGCMOpen(c.secretKey, &envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to open envelope: %w", err)
	}

	var config map[string]string
	if err := json.Unmarshal([]byte(plaintext), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

func configKey(merchantID, providerName string) string {
	return strings.ToUpper(merchantID) + "_" + strings.ToLower(providerName)
}

// SetMerchantConfig validates, seals and persists credentials for a merchant
// and provider, then refreshes the in-memory cache. A nil active pointer
// leaves the activation flag alone (new configs start inactive); a non-nil
// pointer sets it.
func (c *ProviderConfig) SetMerchantConfig(merchantID, providerName string, config map[string]string, active *bool) error {
	if merchantID == "" {
		return fmt.Errorf("merchant ID cannot be empty")
	}
	if providerName == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if len(config) == 0 {
		return fmt.Errorf("config cannot be empty")
	}

	// The adapter's declared field set gates what gets stored.
	adapter, err := provider.Create(providerName)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "unknown provider", err)
	}
	if err := provider.ValidateConfigFields(providerName, config, adapter.GetRequiredConfig()); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid provider config", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := configKey(merchantID, providerName)
	entry, exists := c.configs[key]
	isActive := exists && entry.active
	if active != nil {
		isActive = *active
	}

	if c.storage != nil {
		sealedJSON, err := c.seal(config)
		if err != nil {
			return err
		}
		if err := c.storage.SaveMerchantConfig(merchantID, providerName, sealedJSON); err != nil {
			return fmt.Errorf("failed to save config to storage: %w", err)
		}
		if active != nil {
			if err := c.storage.SetProviderActive(merchantID, providerName, *active); err != nil {
				return fmt.Errorf("failed to save activation flag: %w", err)
			}
		}
	}

	c.configs[key] = merchantConfig{fields: config, active: isActive}
	return nil
}

// SetProviderActive switches a configured provider on or off. The sealed
// credentials stay stored either way, so reactivation needs no re-entry.
func (c *ProviderConfig) SetProviderActive(merchantID, providerName string, active bool) error {
	if merchantID == "" {
		return fmt.Errorf("merchant ID cannot be empty")
	}
	if providerName == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := configKey(merchantID, providerName)
	entry, exists := c.configs[key]

	if c.storage != nil {
		if err := c.storage.SetProviderActive(merchantID, providerName, active); err != nil {
			return apperr.ErrProviderNotConfigured
		}
	} else if !exists {
		return apperr.ErrProviderNotConfigured
	}

	if exists {
		entry.active = active
		c.configs[key] = entry
	}

	return nil
}

// GetMerchantConfig returns the decrypted credentials for a merchant and
// provider. Returns apperr.ErrProviderNotConfigured when nothing is stored
// or the provider is switched off.
func (c *ProviderConfig) GetMerchantConfig(merchantID, providerName string) (map[string]string, error) {
	if merchantID == "" {
		return nil, fmt.Errorf("merchant ID cannot be empty")
	}

	key := configKey(merchantID, providerName)

	c.mu.RLock()
	entry, exists := c.configs[key]
	c.mu.RUnlock()

	if !exists && c.storage != nil {
		stored, err := c.storage.LoadMerchantConfig(merchantID, providerName)
		if err == nil {
			if unsealed, uerr := c.unseal(stored.Sealed); uerr == nil {
				entry = merchantConfig{fields: unsealed, active: stored.Active}
				c.mu.Lock()
				c.configs[key] = entry
				c.mu.Unlock()
				exists = true
			}
		}
	}

	if !exists || !entry.active {
		return nil, apperr.ErrProviderNotConfigured
	}

	// Copy so callers cannot mutate the cache.
	configCopy := make(map[string]string, len(entry.fields))
	for k, v := range entry.fields {
		configCopy[k] = v
	}

	return configCopy, nil
}

// DeleteMerchantConfig removes credentials for a merchant and provider.
func (c *ProviderConfig) DeleteMerchantConfig(merchantID, providerName string) error {
	if merchantID == "" {
		return fmt.Errorf("merchant ID cannot be empty")
	}
	if providerName == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.storage != nil {
		if err := c.storage.DeleteMerchantConfig(merchantID, providerName); err != nil {
			return fmt.Errorf("failed to delete config from storage: %w", err)
		}
	}

	delete(c.configs, configKey(merchantID, providerName))
	return nil
}

// ProvidersForMerchant lists the merchant's configured providers with their
// activation state, sorted by name.
func (c *ProviderConfig) ProvidersForMerchant(merchantID string) []MerchantProvider {
	prefix := strings.ToUpper(merchantID) + "_"

	c.mu.RLock()
	defer c.mu.RUnlock()

	var providers []MerchantProvider
	for key, entry := range c.configs {
		if strings.HasPrefix(key, prefix) {
			providers = append(providers, MerchantProvider{
				Name:   strings.TrimPrefix(key, prefix),
				Active: entry.active,
			})
		}
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	return providers
}

// CreateAdapter builds and initialises a provider adapter from the
// merchant's stored credentials.
func (c *ProviderConfig) CreateAdapter(merchantID, providerName string) (provider.PaymentProvider, error) {
	cfg, err := c.GetMerchantConfig(merchantID, providerName)
	if err != nil {
		return nil, err
	}

	adapter, err := provider.Create(providerName)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "unknown provider", err)
	}

	if err := adapter.Initialize(cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "failed to initialize provider", err)
	}

	return adapter, nil
}

// GetStats returns cache and storage statistics.
func (c *ProviderConfig) GetStats() (map[string]any, error) {
	stats := make(map[string]any)

	c.mu.RLock()
	stats["memory_configs"] = len(c.configs)
	c.mu.RUnlock()

	if c.storage != nil {
		storageStats, err := c.storage.GetStats()
		if err != nil {
			stats["storage_error"] = err.Error()
		} else {
			stats["storage"] = storageStats
		}
	} else {
		stats["storage"] = "not_available"
	}

	return stats, nil
}
