package keyvault

import (
	"encoding/json"
	"fmt"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
)

const payloadVersion byte = 1

// EncryptPayload serialises payload and seals it under key with the payload's
// event id as associated data. The result is
// base64url(version || nonce || ciphertext).
func (kv *KeyVault) EncryptPayload(key []byte, payload types.EventPayload) (string, error) {
	if len(key) != types.MasterKeySize {
		return "", fmt.Errorf("%w: master key must be %d bytes", types.ErrKeyWrap, types.MasterKeySize)
	}
	if payload.EventID == "" {
		return "", fmt.Errorf("%w: payload has no event id", types.ErrValidation)
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: cannot encode payload: %w", types.ErrValidation, err)
	}
	defer wipe(plaintext)

	sealed, err := kv.seal(key, plaintext, []byte(payload.EventID))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(sealed)+1)
	out = append(out, payloadVersion)
	out = append(out, sealed...)
	return encoding.EncodeToString(out), nil
}

// DecryptPayload authenticates and decodes a ciphertext that EncryptPayload
// produced for eventID. A ciphertext moved to another entry does not open.
// Every failure is types.ErrDecryptionFailed.
func (kv *KeyVault) DecryptPayload(key []byte, eventID, ciphertext string) (types.EventPayload, error) {
	var payload types.EventPayload

	raw, err := encoding.DecodeString(ciphertext)
	if err != nil {
		return payload, fmt.Errorf("%w: malformed ciphertext encoding", types.ErrDecryptionFailed)
	}
	if len(raw) < 1 || raw[0] != payloadVersion {
		return payload, fmt.Errorf("%w: unsupported ciphertext version", types.ErrDecryptionFailed)
	}
	if len(key) != types.MasterKeySize {
		return payload, fmt.Errorf("%w: invalid key length", types.ErrDecryptionFailed)
	}

	plaintext, err := open(key, raw[1:], []byte(eventID))
	if err != nil {
		return payload, fmt.Errorf("%w: authentication failed", types.ErrDecryptionFailed)
	}
	defer wipe(plaintext)

	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return types.EventPayload{}, fmt.Errorf("%w: malformed payload", types.ErrDecryptionFailed)
	}
	return payload, nil
}
