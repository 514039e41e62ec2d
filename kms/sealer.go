package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"google.golang.org/protobuf/proto"
)

// Sealer seals master keys with a KMS wrapper. The sealed form is the
// protobuf encoded BlobInfo, base64url encoded, bound to the caller's AAD.
type Sealer struct {
	name     string
	provider interfaces.KMSProvider
}

// NewSealer returns a sealer named after the provider type, e.g. "kms:aws"
func NewSealer(kind types.ProviderType, provider interfaces.KMSProvider) *Sealer {
	return &Sealer{name: "kms:" + string(kind), provider: provider}
}

// NewSealerFromConfig builds the provider, checks that it round trips a
// value and wraps it in a sealer. A misconfigured or unreachable KMS fails
// here rather than on the first registration.
func NewSealerFromConfig(ctx context.Context, config Config) (*Sealer, error) {
	provider, err := NewProvider(ctx, config)
	if err != nil {
		return nil, err
	}
	return newCheckedSealer(ctx, config.Type, provider)
}

func newCheckedSealer(ctx context.Context, kind types.ProviderType, provider interfaces.KMSProvider) (*Sealer, error) {
	if err := provider.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrKeyWrap, err)
	}
	return NewSealer(kind, provider), nil
}

func (s *Sealer) Name() string {
	return s.name
}

// Seal encrypts key and checks the result opens before returning it
func (s *Sealer) Seal(ctx context.Context, aad string, key []byte) (string, error) {
	wrapper := s.provider.GetWrapper()
	blob, err := wrapper.Encrypt(ctx, key, wrapping.WithAad([]byte(aad)))
	if err != nil {
		return "", fmt.Errorf("%w: kms encrypt: %w", types.ErrKeyWrap, err)
	}
	raw, err := proto.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("%w: encode sealed key: %w", types.ErrKeyWrap, err)
	}

	check, err := wrapper.Decrypt(ctx, blob, wrapping.WithAad([]byte(aad)))
	if err != nil || !bytes.Equal(check, key) {
		return "", fmt.Errorf("%w: sealed key failed verification", types.ErrKeyWrap)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func (s *Sealer) Unseal(ctx context.Context, aad string, sealed string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed key is not base64url", types.ErrKeyWrap)
	}
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(raw, blob); err != nil {
		return nil, fmt.Errorf("%w: decode sealed key: %w", types.ErrKeyWrap, err)
	}
	key, err := s.provider.GetWrapper().Decrypt(ctx, blob, wrapping.WithAad([]byte(aad)))
	if err != nil {
		return nil, fmt.Errorf("%w: kms decrypt: %w", types.ErrKeyWrap, err)
	}
	if len(key) != types.MasterKeySize {
		return nil, fmt.Errorf("%w: unsealed key has %d bytes", types.ErrKeyWrap, len(key))
	}
	return key, nil
}
