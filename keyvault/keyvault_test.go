package keyvault

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault() *KeyVault {
	return New(
		WithKDFParams(types.KDFParams{N: 1 << 10, R: 8, P: 1, KeyLen: 32}),
		WithHashIterations(1000),
	)
}

func samplePayload() types.EventPayload {
	return types.EventPayload{
		EventID:   "evt-1",
		ToolName:  "ChatGPT",
		Prompt:    "What is a vault?",
		Response:  "A place to keep things safe.",
		Metadata:  map[string]any{"source": "test"},
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func assertSamePayload(t *testing.T, want, got types.EventPayload) {
	t.Helper()
	assert.Equal(t, want.EventID, got.EventID)
	assert.Equal(t, want.ToolName, got.ToolName)
	assert.Equal(t, want.Prompt, got.Prompt)
	assert.Equal(t, want.Response, got.Response)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", want.Timestamp, got.Timestamp)
}

func TestGenerateMasterKey(t *testing.T) {
	kv := newTestVault()

	a, err := kv.GenerateMasterKey()
	require.NoError(t, err)
	b, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	assert.Len(t, a, types.MasterKeySize)
	assert.False(t, bytes.Equal(a, b), "two generated keys must differ")
}

func TestGenerateMasterKeyRejectsZeroSource(t *testing.T) {
	kv := New(WithRandReader(bytes.NewReader(make([]byte, 64))))

	_, err := kv.GenerateMasterKey()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrKeyWrap)
}

func TestDeriveKeyFromPassphraseIsDeterministic(t *testing.T) {
	kv := newTestVault()
	salt := []byte("0123456789abcdef")

	k1, err := kv.DeriveKeyFromPassphrase("demo-pass", salt, kv.KDFParams())
	require.NoError(t, err)
	k2, err := kv.DeriveKeyFromPassphrase("demo-pass", salt, kv.KDFParams())
	require.NoError(t, err)
	k3, err := kv.DeriveKeyFromPassphrase("other-pass", salt, kv.KDFParams())
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, types.MasterKeySize)
}

func TestDeriveKeyRejectsInvalidParams(t *testing.T) {
	kv := newTestVault()

	_, err := kv.DeriveKeyFromPassphrase("x", []byte("salt"), types.KDFParams{N: 3, R: 8, P: 1, KeyLen: 32})
	assert.ErrorIs(t, err, types.ErrKeyWrap)
}

func TestPassphraseRecord(t *testing.T) {
	kv := newTestVault()

	rec, err := kv.NewPassphraseRecord("demo-pass")
	require.NoError(t, err)
	assert.Equal(t, 1000, rec.Iterations)

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{name: "correct", candidate: "demo-pass", want: true},
		{name: "wrong", candidate: "demo-pasS", want: false},
		{name: "prefix", candidate: "demo", want: false},
		{name: "empty", candidate: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyPassphrase(rec, tt.candidate))
		})
	}

	_, err = kv.NewPassphraseRecord("")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, VerifyPassphrase(nil, "demo-pass"))
}

func TestHashIsIndependentFromWrappingKey(t *testing.T) {
	kv := newTestVault()
	salt := []byte("0123456789abcdef")

	derived, err := kv.DeriveKeyFromPassphrase("demo-pass", salt, kv.KDFParams())
	require.NoError(t, err)
	digest := HashPassphrase("demo-pass", salt, 1000)

	assert.NotEqual(t, derived, digest)
}

func TestWrapUnwrapMasterKey(t *testing.T) {
	kv := newTestVault()
	master, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	t.Run("with passphrase", func(t *testing.T) {
		wrapped, err := kv.WrapMasterKey(master, "demo-pass")
		require.NoError(t, err)
		assert.True(t, wrapped.RequiresPassphrase)
		assert.Equal(t, kv.KDFParams(), wrapped.KDF)
		assert.NotContains(t, wrapped.WrappedKey, encoding.EncodeToString(master))

		got, err := kv.UnwrapMasterKey(wrapped, "demo-pass")
		require.NoError(t, err)
		assert.Equal(t, master, got)

		_, err = kv.UnwrapMasterKey(wrapped, "")
		assert.ErrorIs(t, err, types.ErrPassphraseRequired)

		_, err = kv.UnwrapMasterKey(wrapped, "wrong-pass")
		assert.ErrorIs(t, err, types.ErrInvalidPassphrase)
	})

	t.Run("without passphrase", func(t *testing.T) {
		wrapped, err := kv.WrapMasterKey(master, "")
		require.NoError(t, err)
		assert.False(t, wrapped.RequiresPassphrase)
		assert.NotEmpty(t, wrapped.Salt)

		got, err := kv.UnwrapMasterKey(wrapped, "")
		require.NoError(t, err)
		assert.Equal(t, master, got)

		// A passphrase is ignored for keys that do not need one.
		got, err = kv.UnwrapMasterKey(wrapped, "anything")
		require.NoError(t, err)
		assert.Equal(t, master, got)
	})

	t.Run("corrupted wrapped key", func(t *testing.T) {
		wrapped, err := kv.WrapMasterKey(master, "demo-pass")
		require.NoError(t, err)
		raw, err := encoding.DecodeString(wrapped.WrappedKey)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xff
		wrapped.WrappedKey = encoding.EncodeToString(raw)

		_, err = kv.UnwrapMasterKey(wrapped, "demo-pass")
		assert.ErrorIs(t, err, types.ErrInvalidPassphrase)
	})

	t.Run("sealed key", func(t *testing.T) {
		_, err := kv.UnwrapMasterKey(types.WrappedKey{WrappedKey: "x", SealedBy: "aead"}, "")
		assert.ErrorIs(t, err, types.ErrKeyWrap)
	})
}

func TestWrapMasterKeyRejectsMalformedKey(t *testing.T) {
	kv := newTestVault()

	tests := []struct {
		name string
		key  []byte
	}{
		{name: "nil", key: nil},
		{name: "short", key: make([]byte, 16)},
		{name: "long", key: make([]byte, 33)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kv.WrapMasterKey(tt.key, "demo-pass")
			assert.ErrorIs(t, err, types.ErrKeyWrap)
		})
	}
}

func TestUnwrapMalformedPlainKey(t *testing.T) {
	kv := newTestVault()

	_, err := kv.UnwrapMasterKey(types.WrappedKey{WrappedKey: "not base64!!"}, "")
	assert.ErrorIs(t, err, types.ErrKeyWrap)

	_, err = kv.UnwrapMasterKey(types.WrappedKey{WrappedKey: encoding.EncodeToString([]byte("short"))}, "")
	assert.ErrorIs(t, err, types.ErrKeyWrap)
}

func TestPayloadRoundTrip(t *testing.T) {
	kv := newTestVault()
	key, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload types.EventPayload
	}{
		{name: "full", payload: samplePayload()},
		{name: "empty strings", payload: types.EventPayload{EventID: "e", Metadata: map[string]any{}, Timestamp: time.Unix(0, 0).UTC()}},
		{name: "unicode", payload: types.EventPayload{EventID: "e2", ToolName: "Claude", Prompt: "héllo ✓", Response: "日本", Metadata: map[string]any{"k": "v"}, Timestamp: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := kv.EncryptPayload(key, tt.payload)
			require.NoError(t, err)

			got, err := kv.DecryptPayload(key, tt.payload.EventID, ct)
			require.NoError(t, err)
			assertSamePayload(t, tt.payload, got)
		})
	}
}

func TestEncryptPayloadRequiresEventID(t *testing.T) {
	kv := newTestVault()
	key, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	p := samplePayload()
	p.EventID = ""
	_, err = kv.EncryptPayload(key, p)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPayloadMetadataIsJSONShaped(t *testing.T) {
	kv := newTestVault()
	key, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	tests := []struct {
		name     string
		metadata map[string]any
		want     map[string]any
	}{
		{name: "nil becomes empty", metadata: nil, want: map[string]any{}},
		{name: "numbers decode as float64", metadata: map[string]any{"turns": 3}, want: map[string]any{"turns": float64(3)}},
		{name: "nested values", metadata: map[string]any{"tags": []string{"a"}}, want: map[string]any{"tags": []any{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePayload()
			p.Metadata = tt.metadata
			ct, err := kv.EncryptPayload(key, p)
			require.NoError(t, err)

			got, err := kv.DecryptPayload(key, p.EventID, ct)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Metadata)
		})
	}
}

func TestEncryptPayloadUsesFreshNonce(t *testing.T) {
	kv := newTestVault()
	key, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	a, err := kv.EncryptPayload(key, samplePayload())
	require.NoError(t, err)
	b, err := kv.EncryptPayload(key, samplePayload())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptPayloadFailsClosed(t *testing.T) {
	kv := newTestVault()
	key, err := kv.GenerateMasterKey()
	require.NoError(t, err)
	other, err := kv.GenerateMasterKey()
	require.NoError(t, err)

	ct, err := kv.EncryptPayload(key, samplePayload())
	require.NoError(t, err)
	raw, err := encoding.DecodeString(ct)
	require.NoError(t, err)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)/2] ^= 0x01

	badVersion := append([]byte(nil), raw...)
	badVersion[0] = 9

	eventID := samplePayload().EventID

	tests := []struct {
		name       string
		key        []byte
		eventID    string
		ciphertext string
	}{
		{name: "wrong key", key: other, eventID: eventID, ciphertext: ct},
		{name: "other event id", key: key, eventID: "evt-other", ciphertext: ct},
		{name: "tampered", key: key, eventID: eventID, ciphertext: encoding.EncodeToString(tampered)},
		{name: "truncated", key: key, eventID: eventID, ciphertext: encoding.EncodeToString(raw[:10])},
		{name: "bad version", key: key, eventID: eventID, ciphertext: encoding.EncodeToString(badVersion)},
		{name: "not base64", key: key, eventID: eventID, ciphertext: "%%%"},
		{name: "empty", key: key, eventID: eventID, ciphertext: ""},
		{name: "short key", key: key[:16], eventID: eventID, ciphertext: ct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := kv.DecryptPayload(tt.key, tt.eventID, tt.ciphertext)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrDecryptionFailed), "got %v", err)
			assert.Empty(t, got.EventID)
		})
	}
}
