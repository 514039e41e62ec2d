package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/coordinator"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/keyvault"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"go.opentelemetry.io/otel/attribute"
)

// RotateResult describes a completed rotation
type RotateResult struct {
	UserID            string `json:"user_id"`
	KeyID             string `json:"key_id"`
	PreviousKeyID     string `json:"previous_key_id"`
	ReencryptedEvents int    `json:"reencrypted_events"`
}

func rotationProcessID(userID string) string {
	return "rotate:" + userID
}

// RotateKey issues a new master key and re-encrypts every event under it.
// The event log is swapped only once every entry has been re-encrypted; a
// failure before the swap leaves the log and the current key untouched.
func (s *Service) RotateKey(ctx context.Context, userID, passphrase string) (result *RotateResult, err error) {
	ctx, span := s.startSpan(ctx, "vault.rotate", attribute.String("pathlog.user_id", userID))
	defer func() { endSpan(span, err) }()

	processID := rotationProcessID(userID)
	_, pctx, err := s.coord.StartProcess(ctx, processID, 0)
	if err != nil {
		if errors.Is(err, coordinator.ErrProcessExists) {
			return nil, fmt.Errorf("%w: user %s", types.ErrRotationInProgress, userID)
		}
		return nil, err
	}
	defer func() { s.coord.FinishProcess(processID, err) }()

	unlock, err := s.lockUser(pctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var newKeyID string
	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeRotate, audit.OperationRotate, userID, newKeyID, nil, err)
	}()

	profile, err := s.loadVerified(pctx, userID, passphrase)
	if err != nil {
		return nil, err
	}
	previousKeyID := profile.CurrentKeyID

	ring := s.newKeyRing(profile, passphrase)
	defer ring.wipe()

	current, err := ring.key(pctx, previousKeyID)
	if err != nil {
		return nil, err
	}
	keyvault.Wipe(current)

	newKey, err := s.kv.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	defer keyvault.Wipe(newKey)

	newKeyID = uuid.NewString()
	wrapPassphrase := ""
	if profile.RequiresPassphrase() {
		wrapPassphrase = passphrase
	}
	now := s.timestamp()
	rec, err := s.wrapKey(pctx, newKeyID, newKey, wrapPassphrase, now)
	if err != nil {
		return nil, err
	}

	entries, err := store.CollectEvents(pctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	s.coord.UpdateProgress(processID, 0, len(entries))

	reencrypted := make([]types.EventEntry, 0, len(entries))
	for i, entry := range entries {
		if err := pctx.Err(); err != nil {
			return nil, err
		}
		payload, err := ring.open(pctx, entry)
		if err != nil {
			return nil, err
		}
		ciphertext, err := s.encryptPayload(newKey, payload)
		if err != nil {
			return nil, fmt.Errorf("re-encrypting event %s: %w", entry.EventID, err)
		}
		reencrypted = append(reencrypted, types.EventEntry{
			EventID:    entry.EventID,
			KeyID:      newKeyID,
			Ciphertext: ciphertext,
			CreatedAt:  entry.CreatedAt,
		})
		s.coord.UpdateProgress(processID, i+1, 0)
	}

	if err := s.store.WriteKeyRecord(pctx, userID, types.NewKeyFile(userID, rec, profile.EncryptionPolicy)); err != nil {
		return nil, err
	}

	// the new key is listed before any entry refers to it
	staged := profile.Clone()
	staged.Keys[newKeyID] = rec
	staged.UpdatedAt = now
	if err := s.store.SaveProfile(pctx, userID, staged); err != nil {
		return nil, err
	}

	if err := s.store.ReplaceEvents(pctx, userID, reencrypted); err != nil {
		return nil, err
	}

	staged.CurrentKeyID = newKeyID
	staged.KeyHistory = append(staged.KeyHistory, types.RotationRecord{
		KeyID:             newKeyID,
		PreviousKeyID:     previousKeyID,
		CreatedAt:         now,
		ReencryptedEvents: len(reencrypted),
	})
	if err := s.store.SaveProfile(pctx, userID, staged); err != nil {
		s.zLogger.Error().Err(err).Str("userId", userID).Str("keyId", newKeyID).
			Msg("Events re-encrypted but current key was not switched")
		return nil, err
	}

	s.zLogger.Info().
		Str("userId", userID).
		Str("keyId", newKeyID).
		Str("previousKeyId", previousKeyID).
		Int("events", len(reencrypted)).
		Msg("Master key rotated")

	return &RotateResult{
		UserID:            userID,
		KeyID:             newKeyID,
		PreviousKeyID:     previousKeyID,
		ReencryptedEvents: len(reencrypted),
	}, nil
}

// RotationStatus returns the running or last finished rotation of the user,
// or nil if there was none
func (s *Service) RotationStatus(userID string) *coordinator.Process {
	return s.coord.GetProcessStatus(rotationProcessID(userID))
}

// Close stops the coordinator and releases the store
func (s *Service) Close(ctx context.Context) error {
	for _, p := range s.coord.ListProcesses() {
		s.zLogger.Warn().
			Str("processId", p.ID).
			Int("processed", p.Processed).
			Int("total", p.Total).
			Msg("Cancelling unfinished process")
	}
	shutdownErr := s.coord.Shutdown(ctx)
	if err := s.store.Close(); err != nil {
		return err
	}
	return shutdownErr
}
