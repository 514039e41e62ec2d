package types

import (
	"errors"
	"net/http"
)

// Caller errors
var (
	// ErrUserNotFound is returned when no profile exists for a user
	ErrUserNotFound = errors.New("user not found")

	// ErrConsentRequired is returned when registration is attempted without accepting the terms
	ErrConsentRequired = errors.New("user must accept encryption policy and consent statement")

	// ErrPassphraseRequired is returned when a passphrase protected vault is accessed without one
	ErrPassphraseRequired = errors.New("passphrase is required for this vault")

	// ErrInvalidPassphrase is returned when a passphrase does not verify or does not unwrap a key
	ErrInvalidPassphrase = errors.New("invalid passphrase provided")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")
)

// Integrity errors
var (
	// ErrDecryptionFailed is returned when a ciphertext cannot be authenticated or a key is missing
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrKeyWrap is returned when a master key is malformed or cannot be wrapped
	ErrKeyWrap = errors.New("key wrap failed")
)

// Storage and coordination errors
var (
	// ErrStorage is returned for persistence failures
	ErrStorage = errors.New("storage failure")

	// ErrKeyRecordExists is returned when a different key record already exists under the same key id
	ErrKeyRecordExists = errors.New("key record already exists")

	// ErrRotationInProgress is returned when a rotation for the same user is already running
	ErrRotationInProgress = errors.New("key rotation already in progress")
)

// ErrorKind is a stable, transport independent error classification
type ErrorKind string

const (
	KindUnknown            ErrorKind = "Unknown"
	KindUserNotFound       ErrorKind = "UserNotFound"
	KindConsentRequired    ErrorKind = "ConsentRequired"
	KindPassphraseRequired ErrorKind = "PassphraseRequired"
	KindInvalidPassphrase  ErrorKind = "InvalidPassphrase"
	KindDecryptionFailed   ErrorKind = "DecryptionFailed"
	KindKeyWrap            ErrorKind = "KeyWrapError"
	KindValidation         ErrorKind = "ValidationError"
	KindStorage            ErrorKind = "StorageError"
	KindKeyRecordExists    ErrorKind = "KeyRecordExists"
	KindRotationInProgress ErrorKind = "RotationInProgress"
)

var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrUserNotFound, KindUserNotFound},
	{ErrConsentRequired, KindConsentRequired},
	{ErrPassphraseRequired, KindPassphraseRequired},
	{ErrInvalidPassphrase, KindInvalidPassphrase},
	{ErrDecryptionFailed, KindDecryptionFailed},
	{ErrKeyWrap, KindKeyWrap},
	{ErrValidation, KindValidation},
	{ErrRotationInProgress, KindRotationInProgress},
	{ErrKeyRecordExists, KindKeyRecordExists},
	{ErrStorage, KindStorage},
}

// KindOf classifies err. Domain kinds take precedence over ErrStorage when an
// error carries both.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// HTTPStatus maps an error kind to the status an HTTP boundary should return
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindUserNotFound:
		return http.StatusNotFound
	case KindConsentRequired, KindPassphraseRequired, KindInvalidPassphrase, KindValidation:
		return http.StatusBadRequest
	case KindKeyRecordExists, KindRotationInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
