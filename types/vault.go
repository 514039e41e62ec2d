package types

import (
	"time"
)

// BundleVersion is the only bundle format version this module reads and writes
const BundleVersion = "1.0"

// MasterKeySize is the size in bytes of a master key and of a passphrase-derived wrapping key
const MasterKeySize = 32

// KDFParams are the scrypt cost parameters used to derive a wrapping key
type KDFParams struct {
	N      int `json:"n" bson:"n"`
	R      int `json:"r" bson:"r"`
	P      int `json:"p" bson:"p"`
	KeyLen int `json:"key_len" bson:"key_len"`
}

// DefaultKDFParams returns scrypt N=2^14, r=8, p=1 with a 32-byte output
func DefaultKDFParams() KDFParams {
	return KDFParams{N: 1 << 14, R: 8, P: 1, KeyLen: MasterKeySize}
}

// IsZero reports whether no parameters were recorded
func (p KDFParams) IsZero() bool {
	return p.N == 0 && p.R == 0 && p.P == 0 && p.KeyLen == 0
}

// PassphraseRecord holds the verification data for a vault passphrase.
// Salt and Hash are base64url encoded.
type PassphraseRecord struct {
	Salt       string `json:"salt" bson:"salt"`
	Hash       string `json:"hash" bson:"hash"`
	Iterations int    `json:"iterations,omitempty" bson:"iterations,omitempty"`
}

// WrappedKey is the output of wrapping a master key
type WrappedKey struct {
	WrappedKey         string    `json:"wrapped_key" bson:"wrapped_key"`
	Salt               string    `json:"salt" bson:"salt"`
	RequiresPassphrase bool      `json:"requires_passphrase" bson:"requires_passphrase"`
	KDF                KDFParams `json:"kdf,omitzero" bson:"kdf,omitempty"`
	SealedBy           string    `json:"sealed_by,omitempty" bson:"sealed_by,omitempty"`
}

// KeyRecord is one generation of a user's master key, as stored in the profile
type KeyRecord struct {
	KeyID              string    `json:"key_id" bson:"key_id"`
	WrappedKey         string    `json:"wrapped_key" bson:"wrapped_key"`
	Salt               string    `json:"salt" bson:"salt"`
	RequiresPassphrase bool      `json:"requires_passphrase" bson:"requires_passphrase"`
	KDF                KDFParams `json:"kdf,omitzero" bson:"kdf,omitempty"`
	SealedBy           string    `json:"sealed_by,omitempty" bson:"sealed_by,omitempty"`
	CreatedAt          time.Time `json:"created_at" bson:"created_at"`
}

// Wrapped returns the wrapping material of the record
func (r KeyRecord) Wrapped() WrappedKey {
	return WrappedKey{
		WrappedKey:         r.WrappedKey,
		Salt:               r.Salt,
		RequiresPassphrase: r.RequiresPassphrase,
		KDF:                r.KDF,
		SealedBy:           r.SealedBy,
	}
}

// NewKeyRecord builds a key record from freshly wrapped material
func NewKeyRecord(keyID string, wrapped WrappedKey, createdAt time.Time) KeyRecord {
	return KeyRecord{
		KeyID:              keyID,
		WrappedKey:         wrapped.WrappedKey,
		Salt:               wrapped.Salt,
		RequiresPassphrase: wrapped.RequiresPassphrase,
		KDF:                wrapped.KDF,
		SealedBy:           wrapped.SealedBy,
		CreatedAt:          createdAt,
	}
}

// EncryptionPolicy is the descriptive policy block stored on profiles and key files
type EncryptionPolicy struct {
	Algorithm string `json:"algorithm" bson:"algorithm"`
	Rotation  string `json:"rotation" bson:"rotation"`
	RootKey   string `json:"root_key" bson:"root_key"`
	Notes     string `json:"notes,omitempty" bson:"notes,omitempty"`
}

// DefaultEncryptionPolicy describes the scheme implemented by the keyvault package
func DefaultEncryptionPolicy() EncryptionPolicy {
	return EncryptionPolicy{
		Algorithm: "AES-256-GCM",
		Rotation:  "Per-request manual rotation supported",
		RootKey:   "Passphrase-wrapped optional (scrypt), KMS-sealed optional",
	}
}

// RotationRecord is one entry of a profile's key history
type RotationRecord struct {
	KeyID             string    `json:"key_id" bson:"key_id"`
	PreviousKeyID     string    `json:"previous_key_id,omitempty" bson:"previous_key_id,omitempty"`
	CreatedAt         time.Time `json:"created_at" bson:"created_at"`
	ReencryptedEvents int       `json:"reencrypted_events" bson:"reencrypted_events"`
}

// Profile is the per-user vault document
type Profile struct {
	UserID           string               `json:"user_id" bson:"user_id"`
	Email            string               `json:"email" bson:"email"`
	Alias            string               `json:"alias,omitempty" bson:"alias,omitempty"`
	Passphrase       *PassphraseRecord    `json:"passphrase,omitempty" bson:"passphrase,omitempty"`
	CurrentKeyID     string               `json:"current_key_id" bson:"current_key_id"`
	Keys             map[string]KeyRecord `json:"keys" bson:"keys"`
	KeyHistory       []RotationRecord     `json:"key_history,omitempty" bson:"key_history,omitempty"`
	ConnectedTools   []string             `json:"connected_tools" bson:"connected_tools"`
	EncryptionPolicy EncryptionPolicy     `json:"encryption_policy" bson:"encryption_policy"`
	CreatedAt        time.Time            `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at,omitzero" bson:"updated_at,omitempty"`
}

// RequiresPassphrase reports whether the vault is passphrase protected
func (p *Profile) RequiresPassphrase() bool {
	return p.Passphrase != nil
}

// Clone returns a deep copy of the profile
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Passphrase != nil {
		pr := *p.Passphrase
		c.Passphrase = &pr
	}
	c.Keys = make(map[string]KeyRecord, len(p.Keys))
	for id, rec := range p.Keys {
		c.Keys[id] = rec
	}
	c.KeyHistory = append([]RotationRecord(nil), p.KeyHistory...)
	c.ConnectedTools = append([]string{}, p.ConnectedTools...)
	return &c
}

// EventEntry is one stored, still encrypted, captured interaction
type EventEntry struct {
	EventID    string    `json:"event_id" bson:"event_id"`
	KeyID      string    `json:"key_id" bson:"key_id"`
	Ciphertext string    `json:"ciphertext" bson:"ciphertext"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

// EventPayload is the plaintext carried inside an entry's ciphertext.
// Metadata travels as a JSON object: after decryption numbers are float64,
// arrays are []any and a nil map comes back empty.
type EventPayload struct {
	EventID   string         `json:"event_id"`
	ToolName  string         `json:"tool_name"`
	Prompt    string         `json:"prompt"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// KeyFile is the out-of-band backup artifact written once per key generation.
// It never carries an unwrapped key.
type KeyFile struct {
	UserID             string           `json:"user_id" bson:"user_id"`
	KeyID              string           `json:"key_id" bson:"key_id"`
	CreatedAt          time.Time        `json:"created_at" bson:"created_at"`
	WrappedKey         string           `json:"wrapped_key" bson:"wrapped_key"`
	Salt               string           `json:"salt" bson:"salt"`
	RequiresPassphrase bool             `json:"requires_passphrase" bson:"requires_passphrase"`
	KDF                KDFParams        `json:"kdf,omitzero" bson:"kdf,omitempty"`
	SealedBy           string           `json:"sealed_by,omitempty" bson:"sealed_by,omitempty"`
	EncryptionPolicy   EncryptionPolicy `json:"encryption_policy" bson:"encryption_policy"`
}

// NewKeyFile builds the key file for a record owned by userID
func NewKeyFile(userID string, rec KeyRecord, policy EncryptionPolicy) KeyFile {
	return KeyFile{
		UserID:             userID,
		KeyID:              rec.KeyID,
		CreatedAt:          rec.CreatedAt,
		WrappedKey:         rec.WrappedKey,
		Salt:               rec.Salt,
		RequiresPassphrase: rec.RequiresPassphrase,
		KDF:                rec.KDF,
		SealedBy:           rec.SealedBy,
		EncryptionPolicy:   policy,
	}
}

// Record returns the key record carried by the file
func (f KeyFile) Record() KeyRecord {
	return KeyRecord{
		KeyID:              f.KeyID,
		WrappedKey:         f.WrappedKey,
		Salt:               f.Salt,
		RequiresPassphrase: f.RequiresPassphrase,
		KDF:                f.KDF,
		SealedBy:           f.SealedBy,
		CreatedAt:          f.CreatedAt,
	}
}

// SameMaterial reports whether two key files carry the same wrapped key
func (f KeyFile) SameMaterial(o KeyFile) bool {
	return f.KeyID == o.KeyID &&
		f.WrappedKey == o.WrappedKey &&
		f.Salt == o.Salt &&
		f.RequiresPassphrase == o.RequiresPassphrase &&
		f.SealedBy == o.SealedBy
}

// Bundle is a full, still encrypted, snapshot of one user's vault
type Bundle struct {
	Version    string               `json:"version"`
	Profile    *Profile             `json:"profile"`
	Events     []EventEntry         `json:"events"`
	Keys       map[string]KeyRecord `json:"keys"`
	ExportedAt time.Time            `json:"exported_at,omitzero"`
}

// Stats summarises a decrypted timeline
type Stats struct {
	UserID      string         `json:"user_id"`
	TotalEvents int            `json:"total_events"`
	ByTool      map[string]int `json:"by_tool"`
}
