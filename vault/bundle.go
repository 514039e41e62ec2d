package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"go.opentelemetry.io/otel/attribute"
)

// ImportResult reports where a bundle was restored
type ImportResult struct {
	UserID         string `json:"user_id"`
	ImportedEvents int    `json:"imported_events"`
}

// ExportBundle snapshots the user's vault without decrypting anything
func (s *Service) ExportBundle(ctx context.Context, userID string) (bundle *types.Bundle, err error) {
	ctx, span := s.startSpan(ctx, "vault.export", attribute.String("pathlog.user_id", userID))
	defer func() { endSpan(span, err) }()

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeExport, audit.OperationExport, userID, "", nil, err)
	}()

	bundle, err = s.store.ExportBundle(ctx, userID)
	if err != nil {
		return nil, err
	}
	bundle.ExportedAt = s.timestamp()

	s.zLogger.Info().Str("userId", userID).Int("events", len(bundle.Events)).Msg("Vault exported")
	return bundle, nil
}

// ImportBundle restores bundle under targetUserID, or under the bundle's own
// user id when targetUserID is empty. Entries and key records are copied
// verbatim and stay wrapped under their original keys. An existing vault is
// never overwritten.
func (s *Service) ImportBundle(ctx context.Context, bundle *types.Bundle, targetUserID string) (result *ImportResult, err error) {
	ctx, span := s.startSpan(ctx, "vault.import")
	defer func() { endSpan(span, err) }()

	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	if targetUserID == "" {
		targetUserID = bundle.Profile.UserID
	}
	if targetUserID == "" {
		targetUserID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("pathlog.user_id", targetUserID))

	unlock, err := s.lockUser(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeImport, audit.OperationImport, targetUserID, "",
			map[string]string{string(audit.KeyTargetID): targetUserID}, err)
	}()

	_, err = s.store.LoadProfile(ctx, targetUserID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: vault %s already exists", types.ErrValidation, targetUserID)
	case !isNotFound(err):
		return nil, err
	}

	if err := s.store.ImportBundle(ctx, bundle, targetUserID); err != nil {
		return nil, err
	}

	s.zLogger.Info().
		Str("userId", targetUserID).
		Str("sourceUserId", bundle.Profile.UserID).
		Int("events", len(bundle.Events)).
		Msg("Vault imported")

	return &ImportResult{UserID: targetUserID, ImportedEvents: len(bundle.Events)}, nil
}

// validateBundle checks that every key an entry or the profile refers to is
// carried by the bundle, so an import can never produce an undecryptable vault
func validateBundle(bundle *types.Bundle) error {
	if bundle == nil || bundle.Profile == nil {
		return fmt.Errorf("%w: bundle has no profile", types.ErrValidation)
	}
	if bundle.Version != types.BundleVersion {
		return fmt.Errorf("%w: unsupported bundle version %q", types.ErrValidation, bundle.Version)
	}

	profile := bundle.Profile
	if profile.CurrentKeyID == "" {
		return fmt.Errorf("%w: profile has no current key", types.ErrValidation)
	}
	if _, ok := profile.Keys[profile.CurrentKeyID]; !ok {
		return fmt.Errorf("%w: current key %s is missing from the profile", types.ErrValidation, profile.CurrentKeyID)
	}

	for id, rec := range bundle.Keys {
		if rec.KeyID != id {
			return fmt.Errorf("%w: key record %s is stored under %s", types.ErrValidation, rec.KeyID, id)
		}
	}
	for id, rec := range profile.Keys {
		if rec.KeyID != id {
			return fmt.Errorf("%w: profile key %s is stored under %s", types.ErrValidation, rec.KeyID, id)
		}
		other, ok := bundle.Keys[id]
		if !ok {
			return fmt.Errorf("%w: key record %s is missing from the bundle", types.ErrValidation, id)
		}
		if other.WrappedKey != rec.WrappedKey || other.Salt != rec.Salt {
			return fmt.Errorf("%w: key record %s differs from the profile", types.ErrValidation, id)
		}
	}

	seen := make(map[string]struct{}, len(bundle.Events))
	for _, e := range bundle.Events {
		if e.EventID == "" {
			return fmt.Errorf("%w: event without id", types.ErrValidation)
		}
		if _, dup := seen[e.EventID]; dup {
			return fmt.Errorf("%w: duplicate event %s", types.ErrValidation, e.EventID)
		}
		seen[e.EventID] = struct{}{}
		if _, ok := profile.Keys[e.KeyID]; !ok {
			return fmt.Errorf("%w: event %s refers to unknown key %s", types.ErrValidation, e.EventID, e.KeyID)
		}
	}
	return nil
}
