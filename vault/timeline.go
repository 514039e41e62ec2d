package vault

import (
	"context"
	"fmt"
	"sort"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/audit"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/keyvault"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"go.opentelemetry.io/otel/attribute"
)

// keyRing unwraps each key id of a profile at most once per call
type keyRing struct {
	s          *Service
	profile    *types.Profile
	passphrase string
	keys       map[string]*types.SecureBytes
}

func (s *Service) newKeyRing(profile *types.Profile, passphrase string) *keyRing {
	return &keyRing{
		s:          s,
		profile:    profile,
		passphrase: passphrase,
		keys:       make(map[string]*types.SecureBytes),
	}
}

// key returns a copy of the master key for keyID. The caller wipes it.
func (r *keyRing) key(ctx context.Context, keyID string) ([]byte, error) {
	if cached, ok := r.keys[keyID]; ok {
		return cached.Get(), nil
	}
	rec, ok := r.profile.Keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: no key record for key id %s", types.ErrDecryptionFailed, keyID)
	}
	key, err := r.s.unwrapKey(ctx, rec, r.passphrase)
	if err != nil {
		return nil, err
	}
	r.keys[keyID] = types.NewSecureBytes(key)
	return key, nil
}

// open decrypts entry. The ciphertext is bound to the entry's event id, so a
// payload copied from another entry fails to authenticate.
func (r *keyRing) open(ctx context.Context, entry types.EventEntry) (types.EventPayload, error) {
	key, err := r.key(ctx, entry.KeyID)
	if err != nil {
		return types.EventPayload{}, err
	}
	defer keyvault.Wipe(key)

	payload, err := r.s.kv.DecryptPayload(key, entry.EventID, entry.Ciphertext)
	if err != nil {
		return types.EventPayload{}, fmt.Errorf("event %s: %w", entry.EventID, err)
	}
	return payload, nil
}

func (r *keyRing) wipe() {
	for id, k := range r.keys {
		k.Clear()
		delete(r.keys, id)
	}
}

// FetchTimeline decrypts every event of the user, ordered by capture time.
// Any entry that cannot be decrypted fails the whole call.
func (s *Service) FetchTimeline(ctx context.Context, userID, passphrase string) (events []types.EventPayload, err error) {
	ctx, span := s.startSpan(ctx, "vault.timeline", attribute.String("pathlog.user_id", userID))
	defer func() { endSpan(span, err) }()

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	defer func() {
		s.logAuditEvent(ctx, audit.EventTypeTimeline, audit.OperationDecrypt, userID, "", nil, err)
	}()

	events, err = s.timeline(ctx, userID, passphrase)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("pathlog.events", len(events)))
	return events, nil
}

// timeline expects the user's lock to be held
func (s *Service) timeline(ctx context.Context, userID, passphrase string) ([]types.EventPayload, error) {
	profile, err := s.loadVerified(ctx, userID, passphrase)
	if err != nil {
		return nil, err
	}

	ring := s.newKeyRing(profile, passphrase)
	defer ring.wipe()

	events := make([]types.EventPayload, 0)
	err = s.store.IterEvents(ctx, userID, func(entry types.EventEntry) error {
		payload, err := ring.open(ctx, entry)
		if err != nil {
			return err
		}
		events = append(events, payload)
		return nil
	})
	if err != nil {
		s.zLogger.Error().Err(err).Str("userId", userID).Msg("Failed to reconstruct timeline")
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Stats counts the user's events per tool
func (s *Service) Stats(ctx context.Context, userID, passphrase string) (stats *types.Stats, err error) {
	ctx, span := s.startSpan(ctx, "vault.stats", attribute.String("pathlog.user_id", userID))
	defer func() { endSpan(span, err) }()

	unlock, err := s.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	events, err := s.timeline(ctx, userID, passphrase)
	if err != nil {
		return nil, err
	}

	stats = &types.Stats{
		UserID:      userID,
		TotalEvents: len(events),
		ByTool:      make(map[string]int),
	}
	for _, e := range events {
		tool := e.ToolName
		if tool == "" {
			tool = "unknown"
		}
		stats.ByTool[tool]++
	}
	return stats, nil
}
