// Package interfaces defines the service interfaces shared across packages.
// Implementations live in their own packages and return concrete types.
package interfaces

import (
	"context"
	"time"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
)

// Store Interfaces
// EventStore is the per-user persistence contract of the vault.
// Implementations must keep appended entries durable, replace the event log
// atomically, and never overwrite a key record.
type EventStore interface {
	// EnsureUser idempotently provisions storage for a user
	EnsureUser(ctx context.Context, userID string) error

	// SaveProfile persists the profile document
	SaveProfile(ctx context.Context, userID string, profile *types.Profile) error

	// LoadProfile returns the profile, or types.ErrUserNotFound
	LoadProfile(ctx context.Context, userID string) (*types.Profile, error)

	// AppendEvent durably appends one entry
	AppendEvent(ctx context.Context, userID string, entry types.EventEntry) error

	// IterEvents calls fn for each entry in write order and stops on the first error fn returns
	IterEvents(ctx context.Context, userID string, fn func(types.EventEntry) error) error

	// ReplaceEvents atomically swaps the whole event log
	ReplaceEvents(ctx context.Context, userID string, entries []types.EventEntry) error

	// WriteKeyRecord writes a key file once. Rewriting identical material is a
	// no-op; different material under an existing key id is types.ErrKeyRecordExists.
	WriteKeyRecord(ctx context.Context, userID string, file types.KeyFile) error

	// LoadKeyRecords returns every key file of the user
	LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error)

	// ExportBundle returns a structural snapshot of the user's vault
	ExportBundle(ctx context.Context, userID string) (*types.Bundle, error)

	// ImportBundle restores a snapshot under targetUserID
	ImportBundle(ctx context.Context, bundle *types.Bundle, targetUserID string) error

	// LockUser blocks until the caller holds the user's exclusive lock or ctx
	// is done. The lock excludes holders in other processes sharing the same
	// backend. The returned func releases it and is safe to call twice.
	LockUser(ctx context.Context, userID string) (func(), error)

	// Close releases backend resources
	Close() error
}

// Cache Interfaces
// Storage defines the interface for cache storage backends
type Storage interface {
	// Get returns the cached value, or types.ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// ClearExpiredKeys removes only expired keys and returns the count of removed entries
	ClearExpiredKeys(ctx context.Context) (int, error)
	Shutdown()
}

// KMS Interfaces
// KMSProvider defines the interface for KMS providers
type KMSProvider interface {
	// GetWrapper returns the underlying KMS wrapper
	GetWrapper() wrapping.Wrapper

	// Test performs a test encryption/decryption
	Test(ctx context.Context) error

	// HealthCheck performs a comprehensive health check
	HealthCheck(ctx context.Context) error
}

// KeySealer seals master keys of vaults that have no passphrase
type KeySealer interface {
	// Name identifies the sealer; it is stored as a key record's sealed_by
	Name() string

	// Seal encrypts key bound to aad and returns an opaque encoding
	Seal(ctx context.Context, aad string, key []byte) (string, error)

	// Unseal reverses Seal
	Unseal(ctx context.Context, aad string, sealed string) ([]byte, error)
}

// SymmetricEncryptor defines the interface for encrypting KMS credential values
type SymmetricEncryptor interface {
	// Encrypt encrypts a KMS credential value
	Encrypt(data string) (string, error)
	// Decrypt decrypts a KMS credential value
	Decrypt(data string) (string, error)
}

// CredentialsManager defines the interface for managing KMS provider credentials
type CredentialsManager interface {
	// EncryptCredentials encrypts all sensitive fields in KMS provider credentials
	EncryptCredentials(config *types.SealerConfig) error
	// DecryptCredentials decrypts all sensitive fields in KMS provider credentials
	DecryptCredentials(config *types.SealerConfig) error
}

// Audit Interfaces
// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	// LogEvent logs an audit event
	LogEvent(ctx context.Context, event *types.AuditEvent) error

	// GetEvents retrieves audit events based on filters
	GetEvents(ctx context.Context, filters map[string]interface{}) ([]*types.AuditEvent, error)
}
