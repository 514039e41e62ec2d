package symmetric

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdefghijklmnopqrstuvwxyz")

func TestNewEncryption(t *testing.T) {
	tests := []struct {
		name      string
		key       []byte
		expectErr bool
		errSubstr string
	}{
		{name: "valid key", key: testKey},
		{name: "too short", key: []byte("short"), expectErr: true, errSubstr: "at least 32 bytes"},
		{name: "low entropy", key: []byte(strings.Repeat("ab", 16)), expectErr: true, errSubstr: "insufficient entropy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncryption(tt.key)
			if tt.expectErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	e, err := NewEncryption(testKey)
	require.NoError(t, err)

	enc, err := e.Encrypt("s.vault-token")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "vault-token")

	again, err := e.Encrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, again)

	dec, err := e.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "s.vault-token", dec)

	plain, err := e.Decrypt("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", plain)

	_, err = e.Encrypt("")
	assert.Error(t, err)
	_, err = e.Decrypt("ENC[!!!]")
	assert.Error(t, err)
	_, err = e.Decrypt("ENC[AAAA]")
	assert.Error(t, err)
}
