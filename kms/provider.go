// Package kms connects the vault to an external key management service used
// to seal master keys of vaults that have no passphrase.
package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	kmsaead "github.com/hashicorp/go-kms-wrapping/v2/aead"
	awskms "github.com/hashicorp/go-kms-wrapping/wrappers/awskms/v2"
	azurekeyvault "github.com/hashicorp/go-kms-wrapping/wrappers/azurekeyvault/v2"
	gcpckms "github.com/hashicorp/go-kms-wrapping/wrappers/gcpckms/v2"
	transit "github.com/hashicorp/go-kms-wrapping/wrappers/transit/v2"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger replaces the package logger
func SetLogger(logger zerolog.Logger) {
	log = logger.With().Str("component", "kms").Logger()
}

type provider struct {
	kind    types.ProviderType
	wrapper wrapping.Wrapper
}

// NewProvider validates config and builds the matching wrapper. Remote
// backends are not contacted until first use.
func NewProvider(ctx context.Context, config Config) (interfaces.KMSProvider, error) {
	var (
		wrapper  wrapping.Wrapper
		err      error
		keyID    string
		location string
	)

	log.Debug().Str("provider", string(config.Type)).Msg("Initializing KMS provider")

	switch config.Type {
	case types.ProviderAWS:
		if config.AWS == nil {
			return nil, fmt.Errorf("%w: AWS configuration is missing", types.ErrValidation)
		}
		if err = validateAWSConfig(*config.AWS); err != nil {
			return nil, fmt.Errorf("%w: invalid AWS KMS configuration: %w", types.ErrValidation, err)
		}
		keyID, location = config.AWS.KeyID, config.AWS.Region
		wrapper, err = createAWSWrapper(ctx, *config.AWS)
	case types.ProviderAzure:
		if config.Azure == nil {
			return nil, fmt.Errorf("%w: azure configuration is missing", types.ErrValidation)
		}
		if err = validateAzureConfig(*config.Azure); err != nil {
			return nil, fmt.Errorf("%w: invalid Azure Key Vault configuration: %w", types.ErrValidation, err)
		}
		keyID, location = config.Azure.KeyID, config.Azure.VaultAddress
		wrapper, err = createAzureWrapper(ctx, *config.Azure)
	case types.ProviderGCP:
		if config.GCP == nil {
			return nil, fmt.Errorf("%w: GCP configuration is missing", types.ErrValidation)
		}
		if err = validateGCPConfig(*config.GCP); err != nil {
			return nil, fmt.Errorf("%w: invalid GCP KMS configuration: %w", types.ErrValidation, err)
		}
		keyID = config.GCP.ResourceName
		location = strings.Split(config.GCP.ResourceName, "/")[3]
		wrapper, err = createGCPWrapper(ctx, *config.GCP)
	case types.ProviderVault:
		if config.Vault == nil {
			return nil, fmt.Errorf("%w: vault configuration is missing", types.ErrValidation)
		}
		if err = validateVaultConfig(*config.Vault); err != nil {
			return nil, fmt.Errorf("%w: invalid Vault configuration: %w", types.ErrValidation, err)
		}
		keyID, location = config.Vault.KeyID, config.Vault.VaultAddress
		wrapper, err = createVaultWrapper(ctx, *config.Vault)
	case types.ProviderAead:
		keyID, location = config.AeadKeyID, "local"
		wrapper, err = createAeadWrapper(ctx, config.AeadKeyBase64, config.AeadKeyID)
	default:
		return nil, fmt.Errorf("%w: unsupported KMS provider type: %q", types.ErrValidation, config.Type)
	}

	if err != nil {
		log.Error().Err(err).Str("provider", string(config.Type)).Msg("Failed to create KMS provider wrapper")
		return nil, fmt.Errorf("failed to create wrapper: %w", err)
	}

	log.Info().
		Str("provider", string(config.Type)).
		Str("keyIdentifier", keyID).
		Str("locationContext", location).
		Msg("KMS provider initialized")

	return &provider{kind: config.Type, wrapper: wrapper}, nil
}

func (p *provider) GetWrapper() wrapping.Wrapper {
	return p.wrapper
}

// Test round trips a canary value through the wrapper
func (p *provider) Test(ctx context.Context) error {
	if p.wrapper == nil {
		return fmt.Errorf("wrapper not initialized")
	}
	canary := []byte("pathlog-kms-canary")

	blob, err := p.wrapper.Encrypt(ctx, canary)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}
	plain, err := p.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}
	if string(plain) != string(canary) {
		return fmt.Errorf("decrypted data does not match original")
	}
	return nil
}

func (p *provider) HealthCheck(ctx context.Context) error {
	if err := p.Test(ctx); err != nil {
		log.Error().Err(err).Str("provider", string(p.kind)).Msg("KMS provider health check failed")
		return fmt.Errorf("KMS provider health check failed: %w", err)
	}
	return nil
}

func credString(creds map[string]interface{}, key string) (string, bool) {
	v, ok := creds[key].(string)
	return v, ok && v != ""
}

func validateAWSConfig(c AWSConfig) error {
	if c.KeyID == "" {
		return fmt.Errorf("key ID (ARN) is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Credentials == nil {
		log.Info().Msg("AWS credentials not provided, using the default credential chain")
		return nil
	}
	_, hasAccess := credString(c.Credentials, "accessKeyId")
	_, hasSecret := credString(c.Credentials, "secretAccessKey")
	if hasAccess != hasSecret {
		return fmt.Errorf("both accessKeyId and secretAccessKey must be provided if using credentials")
	}
	return nil
}

func validateAzureConfig(c AzureConfig) error {
	if c.KeyID == "" {
		return fmt.Errorf("key ID (URL) is required")
	}
	if !strings.HasPrefix(c.VaultAddress, "https://") || !strings.Contains(c.VaultAddress, ".vault.azure.net") {
		return fmt.Errorf("vault address must be a valid Azure Key Vault URL (e.g., https://myvault.vault.azure.net)")
	}
	if c.Credentials == nil {
		log.Info().Msg("Azure credentials not provided, assuming managed identity")
		return nil
	}
	for _, field := range []string{"tenantId", "clientId", "clientSecret"} {
		if _, ok := credString(c.Credentials, field); !ok {
			return fmt.Errorf("%s is required in credentials and cannot be empty", field)
		}
	}
	return nil
}

// gcpResourceParts splits and checks a GCP key resource name
func gcpResourceParts(name string) ([]string, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 8 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "keyRings" || parts[6] != "cryptoKeys" {
		return nil, fmt.Errorf("invalid resource name format. Expected: projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{cryptoKey}")
	}
	if parts[1] == "" || parts[3] == "" || parts[5] == "" || parts[7] == "" {
		return nil, fmt.Errorf("project, location, keyRing, and cryptoKey components in resource name cannot be empty")
	}
	return parts, nil
}

func validateGCPConfig(c GCPConfig) error {
	if c.ResourceName == "" {
		return fmt.Errorf("resource name is required")
	}
	if _, err := gcpResourceParts(c.ResourceName); err != nil {
		return err
	}
	if c.Credentials == nil {
		log.Info().Msg("GCP credentials not provided, relying on Application Default Credentials")
		return nil
	}
	if _, ok := credString(c.Credentials, "credentialsJson"); !ok {
		return fmt.Errorf("credentialsJson is required in credentials map and cannot be empty")
	}
	return nil
}

func validateVaultConfig(c VaultConfig) error {
	if c.KeyID == "" {
		return fmt.Errorf("key ID (key name) is required")
	}
	if c.VaultAddress == "" {
		return fmt.Errorf("vault address is required")
	}
	if c.Credentials == nil {
		log.Info().Msg("Vault token not provided, assuming VAULT_TOKEN")
		return nil
	}
	if _, ok := credString(c.Credentials, "token"); !ok {
		return fmt.Errorf("token is required in credentials map and cannot be empty")
	}
	return nil
}

// copyCreds maps credential fields onto wrapper config keys when present
func copyCreds(configMap map[string]string, creds map[string]interface{}, mapping map[string]string) {
	for from, to := range mapping {
		if v, ok := credString(creds, from); ok {
			configMap[to] = v
		}
	}
}

func createAWSWrapper(ctx context.Context, c AWSConfig) (wrapping.Wrapper, error) {
	configMap := map[string]string{
		"kms_key_id": c.KeyID,
		"region":     c.Region,
	}
	copyCreds(configMap, c.Credentials, map[string]string{
		"accessKeyId":     "access_key",
		"secretAccessKey": "secret_key",
		"sessionToken":    "session_token",
	})

	wrapper := awskms.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure AWS KMS wrapper: %w", err)
	}
	return wrapper, nil
}

func createAzureWrapper(ctx context.Context, c AzureConfig) (wrapping.Wrapper, error) {
	// https://myvault.vault.azure.net/keys/mykey/version
	keyName, keyVersion := c.KeyID, ""
	if parts := strings.Split(c.KeyID, "/"); len(parts) >= 5 && parts[3] == "keys" {
		keyName = parts[4]
		if len(parts) >= 6 {
			keyVersion = parts[5]
		}
	} else {
		log.Warn().Str("keyId", c.KeyID).Msg("Azure key id is not a key identifier URL, using it as the key name")
	}
	vaultName := strings.Split(strings.TrimPrefix(c.VaultAddress, "https://"), ".")[0]

	configMap := map[string]string{
		"key_name":   keyName,
		"vault_name": vaultName,
		"vault_url":  c.VaultAddress,
	}
	if keyVersion != "" {
		configMap["key_version"] = keyVersion
	}
	copyCreds(configMap, c.Credentials, map[string]string{
		"tenantId":     "tenant_id",
		"clientId":     "client_id",
		"clientSecret": "client_secret",
	})

	wrapper := azurekeyvault.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure Azure Key Vault wrapper: %w", err)
	}
	return wrapper, nil
}

func createGCPWrapper(ctx context.Context, c GCPConfig) (wrapping.Wrapper, error) {
	parts, err := gcpResourceParts(c.ResourceName)
	if err != nil {
		return nil, err
	}
	configMap := map[string]string{
		"project":    parts[1],
		"region":     parts[3],
		"key_ring":   parts[5],
		"crypto_key": parts[7],
	}

	// the wrapper reads credentials from a file path only
	if credsJSON, ok := credString(c.Credentials, "credentialsJson"); ok {
		tempFile, err := os.CreateTemp("", "gcp-creds-*.json")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary credentials file: %w", err)
		}
		defer func() {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error().Err(err).Str("filePath", tempFile.Name()).Msg("Failed to remove temporary credentials file")
			}
		}()
		if _, err := tempFile.WriteString(credsJSON); err != nil {
			tempFile.Close()
			return nil, fmt.Errorf("failed to write credentials to temporary file: %w", err)
		}
		if err := tempFile.Close(); err != nil {
			return nil, fmt.Errorf("failed to close temporary credentials file: %w", err)
		}
		configMap["credentials"] = tempFile.Name()
	}

	wrapper := gcpckms.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure GCP KMS wrapper: %w", err)
	}
	return wrapper, nil
}

func createVaultWrapper(ctx context.Context, c VaultConfig) (wrapping.Wrapper, error) {
	configMap := map[string]string{
		"address":  c.VaultAddress,
		"key_name": c.KeyID,
	}
	if c.VaultMount != "" {
		configMap["mount_path"] = c.VaultMount
	}
	copyCreds(configMap, c.Credentials, map[string]string{"token": "token"})

	wrapper := transit.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, wrapping.WithConfigMap(configMap)); err != nil {
		return nil, fmt.Errorf("failed to configure Vault Transit wrapper: %w", err)
	}
	return wrapper, nil
}

func createAeadWrapper(ctx context.Context, keyBase64, keyID string) (wrapping.Wrapper, error) {
	if keyBase64 == "" {
		return nil, fmt.Errorf("%w: AEAD provider requires AeadKeyBase64", types.ErrValidation)
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode AeadKeyBase64: %w", types.ErrValidation, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded AEAD key must be 32 bytes, got %d", types.ErrValidation, len(key))
	}

	opts := []wrapping.Option{kmsaead.WithKey(key)}
	if keyID != "" {
		opts = append(opts, wrapping.WithKeyId(keyID))
	}
	wrapper := kmsaead.NewWrapper()
	if _, err := wrapper.SetConfig(ctx, opts...); err != nil {
		return nil, fmt.Errorf("failed to configure AEAD wrapper: %w", err)
	}
	return wrapper, nil
}
