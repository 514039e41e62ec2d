package mongo

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/interfaces"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/storetest"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const mongoURIEnv = "PATHLOG_TEST_MONGO_URI"

func createTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv(mongoURIEnv)
	if uri == "" {
		t.Skipf("%s not set", mongoURIEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := "pathlog_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s, err := Connect(ctx, uri, dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.EventStore {
		return createTestStore(t)
	})
}

func TestReplaceEventsBumpsGenerationAndCollectsOldOne(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(i, "old")))
	}
	require.NoError(t, s.ReplaceEvents(ctx, "u1", []types.EventEntry{storetest.Entry(7, "new")}))

	doc, err := s.loadDoc(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Generation)
	assert.Equal(t, int64(1), doc.Seq)

	n, err := s.db.Collection(eventsCollection).CountDocuments(ctx, bson.M{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].KeyID)
}

func TestStagedGenerationIsInvisible(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, "u1", storetest.Entry(1, "old")))

	// simulate a replace that crashed before switching the pointer
	_, err := s.db.Collection(eventsCollection).InsertOne(ctx, toEventDoc("u1", 1, 1, storetest.Entry(2, "staged")))
	require.NoError(t, err)

	events, err := store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "old", events[0].KeyID)

	// the next replace discards the stale staging documents
	require.NoError(t, s.ReplaceEvents(ctx, "u1", []types.EventEntry{storetest.Entry(3, "new")}))
	events, err = store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-003", events[0].EventID)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// a lease left by a process that died
	_, err := s.db.Collection(locksCollection).InsertOne(ctx, lockDoc{
		ID:        "u1",
		Owner:     "crashed",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	unlock, err := s.LockUser(ctx, "u1")
	require.NoError(t, err)

	var held lockDoc
	require.NoError(t, s.db.Collection(locksCollection).FindOne(ctx, bson.M{"_id": "u1"}).Decode(&held))
	assert.NotEqual(t, "crashed", held.Owner)

	unlock()
	n, err := s.db.Collection(locksCollection).CountDocuments(ctx, bson.M{"_id": "u1"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreatedAtKeepsNanoseconds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	entry := storetest.Entry(1, "k1")
	entry.CreatedAt = time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.AppendEvent(ctx, "u1", entry))

	var raw bson.M
	require.NoError(t, s.db.Collection(eventsCollection).FindOne(ctx, bson.M{"user_id": "u1"}).Decode(&raw))
	assert.Equal(t, "2025-03-01T12:00:00.123456789Z", raw["created_at"])

	events, err := store.CollectEvents(ctx, s, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, entry.CreatedAt.Equal(events[0].CreatedAt))
}
