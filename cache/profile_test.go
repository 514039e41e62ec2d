package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/file"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/storetest"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts profile loads that reach the backing store
type countingStore struct {
	interfaces.EventStore
	profileLoads int
	keyLoads     int
}

func (s *countingStore) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	s.profileLoads++
	return s.EventStore.LoadProfile(ctx, userID)
}

func (s *countingStore) LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error) {
	s.keyLoads++
	return s.EventStore.LoadKeyRecords(ctx, userID)
}

// failingDeletes makes invalidation fail
type failingDeletes struct {
	interfaces.Storage
}

func (f failingDeletes) Delete(ctx context.Context, key string) error {
	return errors.New("cache down")
}

func newCachedStore(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	fs, err := file.New(t.TempDir())
	require.NoError(t, err)
	counting := &countingStore{EventStore: fs}
	c := NewCachedStore(counting, storage.NewMemoryAdapter(), &types.CacheConfig{Enabled: true, TTL: 5})
	t.Cleanup(func() { c.Close() })
	return c, counting
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.EventStore {
		c, _ := newCachedStore(t)
		return c
	})
}

func TestLoadProfileIsCachedAndInvalidated(t *testing.T) {
	c, counting := newCachedStore(t)
	ctx := context.Background()

	p := storetest.Profile("u1")
	require.NoError(t, c.SaveProfile(ctx, "u1", p))

	for i := 0; i < 3; i++ {
		got, err := c.LoadProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, p.CurrentKeyID, got.CurrentKeyID)
	}
	assert.Equal(t, 1, counting.profileLoads)

	p.CurrentKeyID = "rotated"
	require.NoError(t, c.SaveProfile(ctx, "u1", p))
	got, err := c.LoadProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.CurrentKeyID)
	assert.Equal(t, 2, counting.profileLoads)

	m := c.Metrics()
	assert.Equal(t, int64(2), m.Hits)
	assert.Equal(t, int64(2), m.Misses)
	assert.InDelta(t, 0.5, m.HitRate, 1e-9)
}

func TestMissingProfileIsNotCached(t *testing.T) {
	c, counting := newCachedStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.LoadProfile(ctx, "ghost")
		assert.ErrorIs(t, err, types.ErrUserNotFound)
	}
	assert.Equal(t, 2, counting.profileLoads)
}

func TestKeyRecordsAreInvalidatedOnWrite(t *testing.T) {
	c, counting := newCachedStore(t)
	ctx := context.Background()
	p := storetest.Profile("u1")

	files, err := c.LoadKeyRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, c.WriteKeyRecord(ctx, "u1", types.NewKeyFile("u1", p.Keys[p.CurrentKeyID], p.EncryptionPolicy)))
	files, err = c.LoadKeyRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	_, err = c.LoadKeyRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, counting.keyLoads)
}

func TestImportInvalidatesTarget(t *testing.T) {
	c, _ := newCachedStore(t)
	ctx := context.Background()

	// prime a negative lookup and a cached key list for the target
	_, err := c.LoadKeyRecords(ctx, "copy")
	require.NoError(t, err)

	src := storetest.Profile("u1")
	require.NoError(t, c.SaveProfile(ctx, "u1", src))
	require.NoError(t, c.WriteKeyRecord(ctx, "u1", types.NewKeyFile("u1", src.Keys[src.CurrentKeyID], src.EncryptionPolicy)))
	bundle, err := c.ExportBundle(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, c.ImportBundle(ctx, bundle, "copy"))
	got, err := c.LoadProfile(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, "copy", got.UserID)

	files, err := c.LoadKeyRecords(ctx, "copy")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestInvalidationFailureIsReported(t *testing.T) {
	fs, err := file.New(t.TempDir())
	require.NoError(t, err)
	mem := storage.NewMemoryAdapter(storage.WithCleanupInterval(time.Hour))
	c := NewCachedStore(fs, failingDeletes{Storage: mem}, nil)
	t.Cleanup(func() { c.Close() })

	err = c.SaveProfile(context.Background(), "u1", storetest.Profile("u1"))
	assert.ErrorIs(t, err, types.ErrStorage)
}

func TestRefreshOnLockSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	open := func(opts ...Option) *CachedStore {
		fs, err := file.New(root)
		require.NoError(t, err)
		c := NewCachedStore(fs, storage.NewMemoryAdapter(), &types.CacheConfig{Enabled: true, TTL: 60}, opts...)
		t.Cleanup(func() { c.Close() })
		return c
	}
	reader := open(WithRefreshOnLock())
	writer := open()

	p := storetest.Profile("u1")
	require.NoError(t, writer.SaveProfile(ctx, "u1", p))
	_, err := reader.LoadProfile(ctx, "u1")
	require.NoError(t, err)

	p.ConnectedTools = []string{"Claude"}
	require.NoError(t, writer.SaveProfile(ctx, "u1", p))

	unlock, err := reader.LockUser(ctx, "u1")
	require.NoError(t, err)
	defer unlock()
	got, err := reader.LoadProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Claude"}, got.ConnectedTools)
}
