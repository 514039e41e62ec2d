// Package storetest is a conformance suite every EventStore backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) interfaces.EventStore

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Profile returns a minimal profile for userID
func Profile(userID string) *types.Profile {
	keyID := uuid.NewString()
	return &types.Profile{
		UserID:       userID,
		Email:        "user@example.com",
		CurrentKeyID: keyID,
		Keys: map[string]types.KeyRecord{
			keyID: {KeyID: keyID, WrappedKey: "d3JhcHBlZA==", Salt: "c2FsdA==", CreatedAt: epoch},
		},
		ConnectedTools:   []string{},
		EncryptionPolicy: types.DefaultEncryptionPolicy(),
		CreatedAt:        epoch,
	}
}

// Entry returns an event entry with a deterministic ciphertext
func Entry(i int, keyID string) types.EventEntry {
	return types.EventEntry{
		EventID:    fmt.Sprintf("evt-%03d", i),
		KeyID:      keyID,
		Ciphertext: fmt.Sprintf("ciphertext-%03d", i),
		CreatedAt:  epoch.Add(time.Duration(i) * time.Second),
	}
}

func sameEntries(t *testing.T, want, got []types.EventEntry) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].EventID, got[i].EventID)
		assert.Equal(t, want[i].KeyID, got[i].KeyID)
		assert.Equal(t, want[i].Ciphertext, got[i].Ciphertext)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt), "created_at %v != %v", want[i].CreatedAt, got[i].CreatedAt)
	}
}

// Run executes the suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadMissingProfile", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadProfile(context.Background(), "missing-user")
		assert.ErrorIs(t, err, types.ErrUserNotFound)
	})

	t.Run("EnsureUserIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.EnsureUser(ctx, "u1"))
		require.NoError(t, s.EnsureUser(ctx, "u1"))
		events, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("ProfileRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Profile("u1")
		p.Alias = "tester"
		p.ConnectedTools = []string{"ChatGPT", "Claude"}
		p.Passphrase = &types.PassphraseRecord{Salt: "s", Hash: "h", Iterations: 1000}

		require.NoError(t, s.EnsureUser(ctx, "u1"))
		require.NoError(t, s.SaveProfile(ctx, "u1", p))

		got, err := s.LoadProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, p.UserID, got.UserID)
		assert.Equal(t, p.Alias, got.Alias)
		assert.Equal(t, p.CurrentKeyID, got.CurrentKeyID)
		assert.Equal(t, p.ConnectedTools, got.ConnectedTools)
		assert.Equal(t, p.Passphrase, got.Passphrase)
		require.Contains(t, got.Keys, p.CurrentKeyID)
		assert.Equal(t, p.Keys[p.CurrentKeyID].WrappedKey, got.Keys[p.CurrentKeyID].WrappedKey)

		p.ConnectedTools = append(p.ConnectedTools, "Gemini")
		require.NoError(t, s.SaveProfile(ctx, "u1", p))
		got, err = s.LoadProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"ChatGPT", "Claude", "Gemini"}, got.ConnectedTools)
	})

	t.Run("AppendPreservesOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.EnsureUser(ctx, "u1"))

		var want []types.EventEntry
		for i := 0; i < 25; i++ {
			e := Entry(i, "k1")
			want = append(want, e)
			require.NoError(t, s.AppendEvent(ctx, "u1", e))
		}

		got, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		sameEntries(t, want, got)

		// restartable
		again, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		sameEntries(t, want, again)
	})

	t.Run("IterStopsOnCallbackError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendEvent(ctx, "u1", Entry(i, "k1")))
		}
		stop := fmt.Errorf("stop")
		seen := 0
		err := s.IterEvents(ctx, "u1", func(types.EventEntry) error {
			seen++
			if seen == 2 {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 2, seen)
	})

	t.Run("UsersAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.AppendEvent(ctx, "u1", Entry(1, "k1")))
		require.NoError(t, s.AppendEvent(ctx, "u2", Entry(2, "k2")))

		got, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "evt-001", got[0].EventID)
	})

	t.Run("ReplaceEventsSwapsWholeLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			require.NoError(t, s.AppendEvent(ctx, "u1", Entry(i, "old")))
		}

		replacement := []types.EventEntry{Entry(10, "new"), Entry(11, "new")}
		require.NoError(t, s.ReplaceEvents(ctx, "u1", replacement))

		got, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		sameEntries(t, replacement, got)

		// appends continue after a replace
		require.NoError(t, s.AppendEvent(ctx, "u1", Entry(12, "new")))
		got, err = store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		sameEntries(t, append(replacement, Entry(12, "new")), got)

		require.NoError(t, s.ReplaceEvents(ctx, "u1", []types.EventEntry{}))
		got, err = store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("KeyRecordsAreWriteOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Profile("u1")
		rec := p.Keys[p.CurrentKeyID]
		kf := types.NewKeyFile("u1", rec, p.EncryptionPolicy)

		require.NoError(t, s.WriteKeyRecord(ctx, "u1", kf))
		require.NoError(t, s.WriteKeyRecord(ctx, "u1", kf), "identical rewrite is a no-op")

		changed := kf
		changed.WrappedKey = "b3RoZXI="
		err := s.WriteKeyRecord(ctx, "u1", changed)
		assert.ErrorIs(t, err, types.ErrKeyRecordExists)

		files, err := s.LoadKeyRecords(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, kf.WrappedKey, files[0].WrappedKey)
		assert.Equal(t, "u1", files[0].UserID)
		assert.Equal(t, kf.EncryptionPolicy, files[0].EncryptionPolicy)
	})

	t.Run("ExportImportBundle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Profile("src")
		require.NoError(t, s.SaveProfile(ctx, "src", p))
		for id, rec := range p.Keys {
			require.NoError(t, s.WriteKeyRecord(ctx, "src", types.NewKeyFile("src", rec, p.EncryptionPolicy)))
			for i := 0; i < 3; i++ {
				require.NoError(t, s.AppendEvent(ctx, "src", Entry(i, id)))
			}
		}

		bundle, err := s.ExportBundle(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, types.BundleVersion, bundle.Version)
		assert.Len(t, bundle.Events, 3)
		assert.Len(t, bundle.Keys, 1)

		require.NoError(t, s.ImportBundle(ctx, bundle, "dst"))

		got, err := s.LoadProfile(ctx, "dst")
		require.NoError(t, err)
		assert.Equal(t, "dst", got.UserID)
		assert.Equal(t, p.CurrentKeyID, got.CurrentKeyID)

		events, err := store.CollectEvents(ctx, s, "dst")
		require.NoError(t, err)
		sameEntries(t, bundle.Events, events)

		files, err := s.LoadKeyRecords(ctx, "dst")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "dst", files[0].UserID)

		// the source is untouched
		src, err := s.LoadProfile(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, "src", src.UserID)
	})

	t.Run("RejectsUnsafeIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
			err := s.EnsureUser(ctx, id)
			assert.ErrorIs(t, err, types.ErrValidation, "id %q", id)
		}
	})

	t.Run("CreatedAtKeepsFullPrecision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := Entry(1, "k1")
		e.CreatedAt = epoch.Add(123456789 * time.Nanosecond)
		require.NoError(t, s.AppendEvent(ctx, "u1", e))

		got, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		sameEntries(t, []types.EventEntry{e}, got)
	})

	t.Run("LockUserIsExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		unlock, err := s.LockUser(ctx, "u1")
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = s.LockUser(waitCtx, "u1")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		other, err := s.LockUser(ctx, "u2")
		require.NoError(t, err)
		other()

		unlock()
		unlock()
		again, err := s.LockUser(ctx, "u1")
		require.NoError(t, err)
		again()
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.EnsureUser(ctx, "u1"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, "u1", Entry(i, "k1")))
			}(i)
		}
		wg.Wait()

		got, err := store.CollectEvents(ctx, s, "u1")
		require.NoError(t, err)
		assert.Len(t, got, 20)
	})
}
