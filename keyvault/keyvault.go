// Package keyvault provides the vault's cryptographic primitives: master key
// generation, passphrase key derivation and verification, master key wrapping
// and payload encryption. It performs no I/O and holds no mutable state.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// DefaultHashIterations is the PBKDF2-SHA256 iteration count for passphrase verification
	DefaultHashIterations = 200_000

	saltSize     = 16
	hashSize     = 32
	wrapAAD      = "pathlog.masterkey.v1"
	minHashIters = 1000
)

var encoding = base64.URLEncoding

// KeyVault carries the cost parameters of the key derivations
type KeyVault struct {
	kdf            types.KDFParams
	hashIterations int
	rand           io.Reader
}

// Option configures a KeyVault
type Option func(*KeyVault)

// WithKDFParams sets the scrypt parameters used for new wrappings
func WithKDFParams(p types.KDFParams) Option {
	return func(kv *KeyVault) {
		kv.kdf = p
	}
}

// WithHashIterations sets the PBKDF2 iteration count used for new passphrase records
func WithHashIterations(n int) Option {
	return func(kv *KeyVault) {
		kv.hashIterations = n
	}
}

// WithRandReader replaces the randomness source
func WithRandReader(r io.Reader) Option {
	return func(kv *KeyVault) {
		kv.rand = r
	}
}

// New returns a KeyVault with default costs unless overridden
func New(opts ...Option) *KeyVault {
	kv := &KeyVault{
		kdf:            types.DefaultKDFParams(),
		hashIterations: DefaultHashIterations,
		rand:           rand.Reader,
	}
	for _, opt := range opts {
		opt(kv)
	}
	if kv.kdf.KeyLen == 0 {
		kv.kdf.KeyLen = types.MasterKeySize
	}
	return kv
}

// KDFParams returns the scrypt parameters applied to new wrappings
func (kv *KeyVault) KDFParams() types.KDFParams {
	return kv.kdf
}

// GenerateMasterKey returns a fresh random 256-bit key
func (kv *KeyVault) GenerateMasterKey() ([]byte, error) {
	key := make([]byte, types.MasterKeySize)
	if _, err := io.ReadFull(kv.rand, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	allZeros := true
	for _, b := range key {
		if b != 0 {
			allZeros = false
			break
		}
	}
	if allZeros {
		return nil, fmt.Errorf("%w: generated master key is all zeros", types.ErrKeyWrap)
	}
	return key, nil
}

// DeriveKeyFromPassphrase runs scrypt over passphrase and salt
func (kv *KeyVault) DeriveKeyFromPassphrase(passphrase string, salt []byte, params types.KDFParams) ([]byte, error) {
	if params.IsZero() {
		params = types.DefaultKDFParams()
	}
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: scrypt: %w", types.ErrKeyWrap, err)
	}
	return key, nil
}

// HashPassphrase computes the verification digest. It is independent of the
// wrapping key derivation.
func HashPassphrase(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, hashSize, sha256.New)
}

// NewPassphraseRecord hashes passphrase under a fresh salt
func (kv *KeyVault) NewPassphraseRecord(passphrase string) (*types.PassphraseRecord, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase cannot be empty", types.ErrValidation)
	}
	salt, err := kv.randomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	return &types.PassphraseRecord{
		Salt:       encoding.EncodeToString(salt),
		Hash:       encoding.EncodeToString(HashPassphrase(passphrase, salt, kv.hashIterations)),
		Iterations: kv.hashIterations,
	}, nil
}

// VerifyPassphrase checks candidate against record in constant time
func VerifyPassphrase(record *types.PassphraseRecord, candidate string) bool {
	if record == nil {
		return false
	}
	salt, err := encoding.DecodeString(record.Salt)
	if err != nil {
		return false
	}
	want, err := encoding.DecodeString(record.Hash)
	if err != nil {
		return false
	}
	iterations := record.Iterations
	if iterations < minHashIters {
		iterations = DefaultHashIterations
	}
	got := HashPassphrase(candidate, salt, iterations)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// WrapMasterKey protects masterKey. With a passphrase the key is sealed with
// AES-256-GCM under an scrypt-derived key; without one it is stored encoded.
func (kv *KeyVault) WrapMasterKey(masterKey []byte, passphrase string) (types.WrappedKey, error) {
	if len(masterKey) != types.MasterKeySize {
		return types.WrappedKey{}, fmt.Errorf("%w: master key must be %d bytes, got %d", types.ErrKeyWrap, types.MasterKeySize, len(masterKey))
	}

	salt, err := kv.randomBytes(saltSize)
	if err != nil {
		return types.WrappedKey{}, err
	}

	if passphrase == "" {
		return types.WrappedKey{
			WrappedKey:         encoding.EncodeToString(masterKey),
			Salt:               encoding.EncodeToString(salt),
			RequiresPassphrase: false,
		}, nil
	}

	wrappingKey, err := kv.DeriveKeyFromPassphrase(passphrase, salt, kv.kdf)
	if err != nil {
		return types.WrappedKey{}, err
	}
	defer wipe(wrappingKey)

	sealed, err := kv.seal(wrappingKey, masterKey, []byte(wrapAAD))
	if err != nil {
		return types.WrappedKey{}, fmt.Errorf("%w: %w", types.ErrKeyWrap, err)
	}

	return types.WrappedKey{
		WrappedKey:         encoding.EncodeToString(sealed),
		Salt:               encoding.EncodeToString(salt),
		RequiresPassphrase: true,
		KDF:                kv.kdf,
	}, nil
}

// UnwrapMasterKey recovers the master key. A wrong passphrase and corrupted
// wrapped data both yield types.ErrInvalidPassphrase.
func (kv *KeyVault) UnwrapMasterKey(wrapped types.WrappedKey, passphrase string) ([]byte, error) {
	if wrapped.SealedBy != "" {
		return nil, fmt.Errorf("%w: key is sealed by %s", types.ErrKeyWrap, wrapped.SealedBy)
	}

	if !wrapped.RequiresPassphrase {
		key, err := encoding.DecodeString(wrapped.WrappedKey)
		if err != nil || len(key) != types.MasterKeySize {
			return nil, fmt.Errorf("%w: malformed encoded master key", types.ErrKeyWrap)
		}
		return key, nil
	}

	if passphrase == "" {
		return nil, types.ErrPassphraseRequired
	}

	salt, err := encoding.DecodeString(wrapped.Salt)
	if err != nil {
		return nil, types.ErrInvalidPassphrase
	}
	sealed, err := encoding.DecodeString(wrapped.WrappedKey)
	if err != nil {
		return nil, types.ErrInvalidPassphrase
	}

	wrappingKey, err := kv.DeriveKeyFromPassphrase(passphrase, salt, wrapped.KDF)
	if err != nil {
		return nil, err
	}
	defer wipe(wrappingKey)

	key, err := open(wrappingKey, sealed, []byte(wrapAAD))
	if err != nil || len(key) != types.MasterKeySize {
		return nil, types.ErrInvalidPassphrase
	}
	return key, nil
}

func (kv *KeyVault) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(kv.rand, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// seal returns nonce || ciphertext
func (kv *KeyVault) seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := kv.randomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	wipe(b)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
