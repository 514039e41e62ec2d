// Package store holds helpers shared by the EventStore backends.
package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects identifiers that are unsafe as path or key components
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid %s %q", types.ErrValidation, kind, id)
	}
	return nil
}

// Wrap tags err as a storage failure
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStorage, op, err)
}

// CollectEvents drains IterEvents into a slice
func CollectEvents(ctx context.Context, s interfaces.EventStore, userID string) ([]types.EventEntry, error) {
	events := make([]types.EventEntry, 0)
	err := s.IterEvents(ctx, userID, func(e types.EventEntry) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ExportBundle builds a bundle from any EventStore. Key records come from the
// profile and are completed with any key file the profile does not list.
func ExportBundle(ctx context.Context, s interfaces.EventStore, userID string) (*types.Bundle, error) {
	profile, err := s.LoadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	events, err := CollectEvents(ctx, s, userID)
	if err != nil {
		return nil, err
	}
	files, err := s.LoadKeyRecords(ctx, userID)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]types.KeyRecord, len(profile.Keys)+len(files))
	for _, f := range files {
		keys[f.KeyID] = f.Record()
	}
	for id, rec := range profile.Keys {
		keys[id] = rec
	}

	return &types.Bundle{
		Version: types.BundleVersion,
		Profile: profile,
		Events:  events,
		Keys:    keys,
	}, nil
}

// ImportBundle restores bundle under targetUserID using only EventStore
// primitives. Keys and events are written before the profile so that a
// partially imported vault is never visible as a registered user.
func ImportBundle(ctx context.Context, s interfaces.EventStore, bundle *types.Bundle, targetUserID string) error {
	if bundle == nil || bundle.Profile == nil {
		return fmt.Errorf("%w: bundle has no profile", types.ErrValidation)
	}
	if err := ValidateID("user id", targetUserID); err != nil {
		return err
	}
	if err := s.EnsureUser(ctx, targetUserID); err != nil {
		return err
	}

	profile := bundle.Profile.Clone()
	profile.UserID = targetUserID

	for _, id := range SortedKeyIDs(bundle.Keys) {
		rec := bundle.Keys[id]
		if err := s.WriteKeyRecord(ctx, targetUserID, types.NewKeyFile(targetUserID, rec, profile.EncryptionPolicy)); err != nil {
			return err
		}
	}
	events := bundle.Events
	if events == nil {
		events = []types.EventEntry{}
	}
	if err := s.ReplaceEvents(ctx, targetUserID, events); err != nil {
		return err
	}
	return s.SaveProfile(ctx, targetUserID, profile)
}

// SortedKeyIDs returns the map keys in lexical order
func SortedKeyIDs(m map[string]types.KeyRecord) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
