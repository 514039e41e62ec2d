package types

// ProviderType represents the type of KMS provider
type ProviderType string

const (
	ProviderAWS   ProviderType = "aws"
	ProviderAzure ProviderType = "azure"
	ProviderGCP   ProviderType = "gcp"
	ProviderVault ProviderType = "vault"
	ProviderAead  ProviderType = "aead"
)

// KMSCredentials represents KMS provider credentials
type KMSCredentials struct {
	// AWS credentials
	AccessKeyID     string `json:"accessKeyId,omitempty" yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty" yaml:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty" yaml:"sessionToken,omitempty"`

	// Azure credentials
	TenantID     string `json:"tenantId,omitempty" yaml:"tenantId,omitempty"`
	ClientID     string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`

	// GCP credentials
	CredentialsJSON string `json:"credentialsJson,omitempty" yaml:"credentialsJson,omitempty"`

	// Vault credentials
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// SealerConfig configures optional KMS sealing of master keys for vaults
// registered without a passphrase
type SealerConfig struct {
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Provider     ProviderType    `json:"provider" yaml:"provider"`
	KeyID        string          `json:"keyId" yaml:"keyId"`
	Region       string          `json:"region,omitempty" yaml:"region,omitempty"`
	VaultAddress string          `json:"vaultAddress,omitempty" yaml:"vaultAddress,omitempty"`
	VaultMount   string          `json:"vaultMount,omitempty" yaml:"vaultMount,omitempty"`
	AeadKey      string          `json:"aeadKey,omitempty" yaml:"aeadKey,omitempty"`
	Credentials  *KMSCredentials `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}
