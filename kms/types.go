package kms

import (
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
)

// Config selects and configures one KMS backend. Exactly one of the
// provider sections matching Type is read.
type Config struct {
	Type types.ProviderType `json:"type"`

	AWS   *AWSConfig   `json:"aws,omitempty"`
	Azure *AzureConfig `json:"azure,omitempty"`
	GCP   *GCPConfig   `json:"gcp,omitempty"`
	Vault *VaultConfig `json:"vault,omitempty"`

	// AeadKeyBase64 is a standard base64 encoded 32 byte key for the local AEAD backend
	AeadKeyBase64 string `json:"aeadKeyBase64,omitempty"`
	AeadKeyID     string `json:"aeadKeyId,omitempty"`
}

type AWSConfig struct {
	KeyID       string                 `json:"keyId"`
	Region      string                 `json:"region"`
	Credentials map[string]interface{} `json:"credentials,omitempty"`
}

type AzureConfig struct {
	KeyID        string                 `json:"keyId"`
	VaultAddress string                 `json:"vaultAddress"`
	Credentials  map[string]interface{} `json:"credentials,omitempty"`
}

// GCPConfig takes the full key resource name:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}
type GCPConfig struct {
	ResourceName string                 `json:"resourceName"`
	Credentials  map[string]interface{} `json:"credentials,omitempty"`
}

type VaultConfig struct {
	KeyID        string                 `json:"keyId"`
	VaultAddress string                 `json:"vaultAddress"`
	VaultMount   string                 `json:"vaultMount,omitempty"`
	Credentials  map[string]interface{} `json:"credentials,omitempty"`
}
