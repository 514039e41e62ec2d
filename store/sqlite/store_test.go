package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/storetest"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.EventStore {
		return createTestStore(t)
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	s1, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s1.AppendEvent(ctx, "u1", storetest.Entry(1, "k1")))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	events, err := store.CollectEvents(ctx, s2, "u1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEnsureUserDoesNotCreateProfile(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureUser(ctx, "u1"))
	_, err := s.LoadProfile(ctx, "u1")
	assert.ErrorIs(t, err, types.ErrUserNotFound)
}

func TestImportBundleIsAtomic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := storetest.Profile("dst")
	kf := types.NewKeyFile("dst", p.Keys[p.CurrentKeyID], p.EncryptionPolicy)
	kf.WrappedKey = "Y29uZmxpY3Q="
	require.NoError(t, s.WriteKeyRecord(ctx, "dst", kf))

	bundle := &types.Bundle{
		Version: types.BundleVersion,
		Profile: p,
		Events:  []types.EventEntry{storetest.Entry(1, p.CurrentKeyID)},
		Keys:    p.Keys,
	}
	err := s.ImportBundle(ctx, bundle, "dst")
	assert.ErrorIs(t, err, types.ErrKeyRecordExists)

	_, err = s.LoadProfile(ctx, "dst")
	assert.ErrorIs(t, err, types.ErrUserNotFound)
	events, err := store.CollectEvents(ctx, s, "dst")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLockUserSpansHandlesOnOneDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()
	first, err := Open(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	unlock, err := first.LockUser(ctx, "u1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(path+".locks", "u1.lock"))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = second.LockUser(waitCtx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	relocked, err := second.LockUser(ctx, "u1")
	require.NoError(t, err)
	relocked()
}

func TestLockUserInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	unlock, err := s.LockUser(ctx, "u1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.LockUser(waitCtx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := s.LockUser(ctx, "u1")
	require.NoError(t, err)
	again()
}
