// Package credentials encrypts the secret fields of a sealer configuration
// at rest and converts the configuration into a kms.Config.
package credentials

import (
	"fmt"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms/credentials/symmetric"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"

	"github.com/rs/zerolog/log"
)

const maskedValue = "[MASKED]"

// secretField names one sensitive value of a SealerConfig
type secretField struct {
	label string
	get   func(*types.SealerConfig) *string
}

func credField(label string, pick func(*types.KMSCredentials) *string) secretField {
	return secretField{label: label, get: func(c *types.SealerConfig) *string {
		if c.Credentials == nil {
			return nil
		}
		return pick(c.Credentials)
	}}
}

// secretFields lists the sensitive values per provider
var secretFields = map[types.ProviderType][]secretField{
	types.ProviderAWS: {
		credField("AWS access key", func(c *types.KMSCredentials) *string { return &c.AccessKeyID }),
		credField("AWS secret key", func(c *types.KMSCredentials) *string { return &c.SecretAccessKey }),
		credField("AWS session token", func(c *types.KMSCredentials) *string { return &c.SessionToken }),
	},
	types.ProviderAzure: {
		credField("Azure tenant ID", func(c *types.KMSCredentials) *string { return &c.TenantID }),
		credField("Azure client ID", func(c *types.KMSCredentials) *string { return &c.ClientID }),
		credField("Azure client secret", func(c *types.KMSCredentials) *string { return &c.ClientSecret }),
	},
	types.ProviderGCP: {
		credField("GCP credentials JSON", func(c *types.KMSCredentials) *string { return &c.CredentialsJSON }),
	},
	types.ProviderVault: {
		credField("Vault token", func(c *types.KMSCredentials) *string { return &c.Token }),
	},
	types.ProviderAead: {
		{label: "AEAD key", get: func(c *types.SealerConfig) *string { return &c.AeadKey }},
	},
}

type credentialManager struct {
	encryptor interfaces.SymmetricEncryptor
}

// NewManager creates a credential manager keyed by encryptionKey
func NewManager(encryptionKey []byte) (interfaces.CredentialsManager, error) {
	encryptor, err := symmetric.NewEncryption(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials key: %w", types.ErrValidation, err)
	}
	return &credentialManager{encryptor: encryptor}, nil
}

// EncryptCredentials encrypts the provider's secret fields in place.
// Empty and masked values are left untouched.
func (m *credentialManager) EncryptCredentials(config *types.SealerConfig) error {
	return m.apply(config, "encrypt", m.encryptor.Encrypt)
}

// DecryptCredentials decrypts the provider's secret fields in place.
// Values without the ENC[ prefix pass through unchanged.
func (m *credentialManager) DecryptCredentials(config *types.SealerConfig) error {
	if err := m.apply(config, "decrypt", m.encryptor.Decrypt); err != nil {
		return err
	}
	log.Debug().
		Str("provider", string(config.Provider)).
		Msg("Credentials decrypted")
	return nil
}

func (m *credentialManager) apply(config *types.SealerConfig, verb string, fn func(string) (string, error)) error {
	if config == nil {
		return nil
	}
	fields, ok := secretFields[config.Provider]
	if !ok {
		return fmt.Errorf("%w: unsupported provider type: %q", types.ErrValidation, config.Provider)
	}
	for _, f := range fields {
		ptr := f.get(config)
		if ptr == nil || *ptr == "" || *ptr == maskedValue {
			continue
		}
		out, err := fn(*ptr)
		if err != nil {
			log.Error().Err(err).Str("field", f.label).Msgf("Failed to %s credential field", verb)
			return fmt.Errorf("failed to %s %s: %w", verb, f.label, err)
		}
		*ptr = out
	}
	return nil
}

// Mask returns a copy of config with every secret field replaced by [MASKED]
func Mask(config *types.SealerConfig) *types.SealerConfig {
	if config == nil {
		return nil
	}
	masked := *config
	if config.Credentials != nil {
		creds := *config.Credentials
		masked.Credentials = &creds
	}
	for _, f := range secretFields[config.Provider] {
		if ptr := f.get(&masked); ptr != nil && *ptr != "" {
			*ptr = maskedValue
		}
	}
	return &masked
}

// ToMap converts KMS credentials to the map the provider configs expect
func ToMap(creds *types.KMSCredentials) map[string]interface{} {
	if creds == nil {
		return nil
	}
	result := make(map[string]interface{})
	for k, v := range map[string]string{
		"accessKeyId":     creds.AccessKeyID,
		"secretAccessKey": creds.SecretAccessKey,
		"sessionToken":    creds.SessionToken,
		"tenantId":        creds.TenantID,
		"clientId":        creds.ClientID,
		"clientSecret":    creds.ClientSecret,
		"credentialsJson": creds.CredentialsJSON,
		"token":           creds.Token,
	} {
		if v != "" {
			result[k] = v
		}
	}
	return result
}

// ToKMSConfig converts a sealer configuration into a provider configuration.
// Only Type is set for unknown providers so NewProvider reports the error.
func ToKMSConfig(config *types.SealerConfig) kms.Config {
	if config == nil {
		return kms.Config{}
	}
	kmsCfg := kms.Config{Type: config.Provider}
	credsMap := ToMap(config.Credentials)

	switch config.Provider {
	case types.ProviderAWS:
		kmsCfg.AWS = &kms.AWSConfig{KeyID: config.KeyID, Region: config.Region, Credentials: credsMap}
	case types.ProviderAzure:
		kmsCfg.Azure = &kms.AzureConfig{KeyID: config.KeyID, VaultAddress: config.VaultAddress, Credentials: credsMap}
	case types.ProviderGCP:
		kmsCfg.GCP = &kms.GCPConfig{ResourceName: config.KeyID, Credentials: credsMap}
	case types.ProviderVault:
		kmsCfg.Vault = &kms.VaultConfig{
			KeyID:        config.KeyID,
			VaultAddress: config.VaultAddress,
			VaultMount:   config.VaultMount,
			Credentials:  credsMap,
		}
	case types.ProviderAead:
		kmsCfg.AeadKeyBase64 = config.AeadKey
		kmsCfg.AeadKeyID = config.KeyID
	default:
		log.Warn().Str("provider", string(config.Provider)).Msg("Unsupported provider type in sealer config")
	}
	return kmsCfg
}
