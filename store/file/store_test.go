package file

import (
	"context"
	"os"
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
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.EventStore {
		return createTestStore(t)
	})
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLayout(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	p := storetest.Profile("u1")

	require.NoError(t, s.SaveProfile(ctx, "u1", p))
	require.NoError(t, s.WriteKeyRecord(ctx, "u1", types.NewKeyFile("u1", p.Keys[p.CurrentKeyID], p.EncryptionPolicy)))
	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(1, p.CurrentKeyID)))

	dir := filepath.Join(s.Root(), "u1")
	assert.FileExists(t, filepath.Join(dir, profileFile))
	assert.FileExists(t, filepath.Join(dir, eventsFile))
	assert.FileExists(t, filepath.Join(dir, keysDir, p.CurrentKeyID+".json"))

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
	keyEntries, err := os.ReadDir(filepath.Join(dir, keysDir))
	require.NoError(t, err)
	assert.Len(t, keyEntries, 1)
}

func TestTornTailIsSkippedAndRepaired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(1, "k1")))
	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(2, "k1")))

	path := filepath.Join(s.Root(), "u1", eventsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"evt-torn","key_id":"k1","ciph`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(3, "k1")))
	events, err = store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "evt-003", events[2].EventID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "evt-torn")
}

func TestCorruptCompleteLineFailsLoudly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(1, "k1")))

	path := filepath.Join(s.Root(), "u1", eventsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.CollectEvents(ctx, s, "u1")
	assert.ErrorIs(t, err, types.ErrStorage)
}

func TestReplaceEventsLeavesOldLogOnFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(1, "k1")))

	dir := filepath.Join(s.Root(), "u1")
	before, err := os.ReadFile(filepath.Join(dir, eventsFile))
	require.NoError(t, err)

	// a read-only directory makes the temp file creation fail
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { os.Chmod(dir, 0o700) })
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	err = s.ReplaceEvents(ctx, "u1", []types.EventEntry{storetest.Entry(9, "k2")})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStorage)

	after, err := os.ReadFile(filepath.Join(dir, eventsFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLockUserSpansStoresOnOneRoot(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first, err := New(root)
	require.NoError(t, err)
	second, err := New(root)
	require.NoError(t, err)

	unlock, err := first.LockUser(ctx, "u1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, locksDir, "u1.lock"))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = second.LockUser(waitCtx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := second.LockUser(ctx, "u2")
	require.NoError(t, err)
	other()

	unlock()
	relocked, err := second.LockUser(ctx, "u1")
	require.NoError(t, err)
	relocked()

	_, err = second.LockUser(ctx, "../escape")
	assert.ErrorIs(t, err, types.ErrValidation)
}
