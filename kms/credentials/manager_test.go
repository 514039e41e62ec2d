package credentials

import (
	"reflect"
	"strings"
	"testing"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/kms"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdefghijklmnopqrstuv")

func TestToKMSConfig(t *testing.T) {
	tests := []struct {
		name     string
		input    *types.SealerConfig
		expected kms.Config
	}{
		{
			name: "AWS Conversion",
			input: &types.SealerConfig{
				Provider:    types.ProviderAWS,
				KeyID:       "aws-arn",
				Region:      "us-west-2",
				Credentials: &types.KMSCredentials{AccessKeyID: "AKIA...", SecretAccessKey: "SECRET..."},
			},
			expected: kms.Config{
				Type: types.ProviderAWS,
				AWS: &kms.AWSConfig{
					KeyID:  "aws-arn",
					Region: "us-west-2",
					Credentials: map[string]interface{}{
						"accessKeyId":     "AKIA...",
						"secretAccessKey": "SECRET...",
					},
				},
			},
		},
		{
			name: "Azure Conversion Without Credentials",
			input: &types.SealerConfig{
				Provider:     types.ProviderAzure,
				KeyID:        "https://a.vault.azure.net/keys/b/c",
				VaultAddress: "https://a.vault.azure.net",
			},
			expected: kms.Config{
				Type:  types.ProviderAzure,
				Azure: &kms.AzureConfig{KeyID: "https://a.vault.azure.net/keys/b/c", VaultAddress: "https://a.vault.azure.net"},
			},
		},
		{
			name: "GCP Conversion",
			input: &types.SealerConfig{
				Provider:    types.ProviderGCP,
				KeyID:       "projects/p/locations/l/keyRings/r/cryptoKeys/k",
				Credentials: &types.KMSCredentials{CredentialsJSON: `{"project_id":"p"}`},
			},
			expected: kms.Config{
				Type: types.ProviderGCP,
				GCP: &kms.GCPConfig{
					ResourceName: "projects/p/locations/l/keyRings/r/cryptoKeys/k",
					Credentials:  map[string]interface{}{"credentialsJson": `{"project_id":"p"}`},
				},
			},
		},
		{
			name: "Vault Conversion",
			input: &types.SealerConfig{
				Provider:     types.ProviderVault,
				KeyID:        "vault-key-name",
				VaultAddress: "https://v.example.com",
				VaultMount:   "transit",
				Credentials:  &types.KMSCredentials{Token: "VAULT_TOKEN"},
			},
			expected: kms.Config{
				Type: types.ProviderVault,
				Vault: &kms.VaultConfig{
					KeyID:        "vault-key-name",
					VaultAddress: "https://v.example.com",
					VaultMount:   "transit",
					Credentials:  map[string]interface{}{"token": "VAULT_TOKEN"},
				},
			},
		},
		{
			name:     "AEAD Conversion",
			input:    &types.SealerConfig{Provider: types.ProviderAead, KeyID: "local", AeadKey: "a2V5"},
			expected: kms.Config{Type: types.ProviderAead, AeadKeyBase64: "a2V5", AeadKeyID: "local"},
		},
		{name: "Nil Input", input: nil, expected: kms.Config{}},
		{
			name:     "Unsupported Provider",
			input:    &types.SealerConfig{Provider: "unknown", KeyID: "some-key"},
			expected: kms.Config{Type: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToKMSConfig(tt.input)
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ToKMSConfig() = %+v, want %+v", result, tt.expected)
			}
		})
	}
}

func TestNewManagerRejectsWeakKeys(t *testing.T) {
	_, err := NewManager([]byte("short"))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = NewManager([]byte(strings.Repeat("a", 32)))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEncryptDecryptCredentials(t *testing.T) {
	m, err := NewManager(testKey)
	require.NoError(t, err)

	config := &types.SealerConfig{
		Provider: types.ProviderAWS,
		KeyID:    "arn",
		Credentials: &types.KMSCredentials{
			AccessKeyID:     "AKIA",
			SecretAccessKey: "SECRET",
			SessionToken:    maskedValue,
		},
	}

	require.NoError(t, m.EncryptCredentials(config))
	assert.True(t, strings.HasPrefix(config.Credentials.AccessKeyID, "ENC["))
	assert.True(t, strings.HasPrefix(config.Credentials.SecretAccessKey, "ENC["))
	assert.Equal(t, maskedValue, config.Credentials.SessionToken)
	assert.Equal(t, "arn", config.KeyID)

	// encrypting twice is a no-op on already encrypted values
	before := *config.Credentials
	require.NoError(t, m.EncryptCredentials(config))
	assert.Equal(t, before, *config.Credentials)

	require.NoError(t, m.DecryptCredentials(config))
	assert.Equal(t, "AKIA", config.Credentials.AccessKeyID)
	assert.Equal(t, "SECRET", config.Credentials.SecretAccessKey)
}

func TestDecryptCredentialsErrors(t *testing.T) {
	m, err := NewManager(testKey)
	require.NoError(t, err)

	other, err := NewManager([]byte("vutsrqponmlkjihgfedcba9876543210"))
	require.NoError(t, err)

	config := &types.SealerConfig{Provider: types.ProviderAead, AeadKey: "c2VjcmV0"}
	require.NoError(t, m.EncryptCredentials(config))

	err = other.DecryptCredentials(config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AEAD key")

	err = m.DecryptCredentials(&types.SealerConfig{Provider: "hsm"})
	assert.ErrorIs(t, err, types.ErrValidation)

	assert.NoError(t, m.DecryptCredentials(nil))
}

func TestMask(t *testing.T) {
	config := &types.SealerConfig{
		Provider:    types.ProviderVault,
		KeyID:       "k",
		Credentials: &types.KMSCredentials{Token: "s.abc"},
	}
	masked := Mask(config)
	assert.Equal(t, maskedValue, masked.Credentials.Token)
	assert.Equal(t, "s.abc", config.Credentials.Token, "original is untouched")
	assert.Equal(t, "k", masked.KeyID)
	assert.Nil(t, Mask(nil))
}
