package config

// StoredConfig is one persisted credential row: the sealed envelope JSON
// plus the activation flag. New rows start inactive until the merchant
// switches the provider on.
type StoredConfig struct {
	Sealed string
	Active bool
}

// ConfigStorage is the persistence contract for merchant provider
// credentials. Implementations store the sealed envelope JSON produced by
// ProviderConfig; they never see plaintext credentials.
type ConfigStorage interface {
	SaveMerchantConfig(merchantID, providerName, sealedJSON string) error
	SetProviderActive(merchantID, providerName string, active bool) error
	LoadMerchantConfig(merchantID, providerName string) (StoredConfig, error)
	LoadAllMerchantConfigs() (map[string]StoredConfig, error)
	DeleteMerchantConfig(merchantID, providerName string) error
	MerchantsByProvider(providerName string) ([]string, error)
	GetStats() (map[string]any, error)
	Close() error
}
