// Package mongo implements the EventStore on MongoDB.
//
// LockUser claims a lease document in the locks collection. The holder
// renews it while the lock is held; a lease left behind by a crashed process
// expires and can be taken over.
//
// Each profile document carries the current event generation. ReplaceEvents
// writes the new log under the next generation, flips the pointer with one
// single-document update and then deletes the old generation, so readers see
// either the old or the new log in full.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	profilesCollection = "profiles"
	eventsCollection   = "events"
	keysCollection     = "keys"
	locksCollection    = "locks"

	defaultLeaseTTL = 30 * time.Second
	minLockBackoff  = 5 * time.Millisecond
	maxLockBackoff  = 250 * time.Millisecond
)

// Store is a MongoDB backed EventStore. Appends read the generation and then
// insert; callers must serialise writers per user with LockUser, which the
// vault service does for every operation.
type Store struct {
	db       *mongo.Database
	client   *mongo.Client
	zLogger  zerolog.Logger
	leaseTTL time.Duration
}

type lockDoc struct {
	ID        string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

type profileDoc struct {
	ID         string         `bson:"_id"`
	Profile    *types.Profile `bson:"profile,omitempty"`
	Generation int64          `bson:"generation"`
	Seq        int64          `bson:"seq"`
	UpdatedAt  time.Time      `bson:"updatedAt"`
}

type eventDoc struct {
	UserID     string    `bson:"user_id"`
	Generation int64     `bson:"generation"`
	Seq        int64     `bson:"seq"`
	EventID    string    `bson:"event_id"`
	KeyID      string    `bson:"key_id"`
	Ciphertext string    `bson:"ciphertext"`
	// RFC 3339 with nanoseconds; BSON datetimes keep only milliseconds
	CreatedAt string `bson:"created_at"`
}

type keyDoc struct {
	ID     string        `bson:"_id"`
	UserID string        `bson:"user_id"`
	KeyID  string        `bson:"key_id"`
	File   types.KeyFile `bson:"file"`
}

// Connect opens a client for uri and returns a store on database dbName.
// Close disconnects the client.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, store.Wrap("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, store.Wrap("ping", err)
	}
	s, err := NewStore(ctx, client.Database(dbName))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewStore returns a store on db and creates its indexes
func NewStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		db:       db,
		zLogger:  log.With().Str("component", "mongo_store").Logger(),
		leaseTTL: defaultLeaseTTL,
	}
	_, err := db.Collection(eventsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "generation", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, store.Wrap("create indexes", err)
	}
	return s, nil
}

// Close disconnects the client when the store owns it
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// LockUser claims the user's lease, waiting while another owner holds an
// unexpired one. The lease is renewed until the returned func is called.
func (s *Store) LockUser(ctx context.Context, userID string) (func(), error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	owner := uuid.NewString()
	locks := s.db.Collection(locksCollection)

	backoff := minLockBackoff
	for {
		ok, err := s.claimLease(ctx, locks, userID, owner)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxLockBackoff {
			backoff = maxLockBackoff
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.renewLease(locks, userID, owner, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := locks.DeleteOne(ctx, bson.M{"_id": userID, "owner": owner}); err != nil {
				s.zLogger.Warn().Err(err).Str("userId", userID).Msg("Failed to release user lease, it will expire")
			}
		})
	}, nil
}

// claimLease inserts the lease, or takes over an expired one
func (s *Store) claimLease(ctx context.Context, locks *mongo.Collection, userID, owner string) (bool, error) {
	now := time.Now().UTC()
	_, err := locks.InsertOne(ctx, lockDoc{ID: userID, Owner: owner, ExpiresAt: now.Add(s.leaseTTL)})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, store.Wrap("claim user lease", err)
	}

	res, err := locks.UpdateOne(ctx,
		bson.M{"_id": userID, "expiresAt": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"owner": owner, "expiresAt": now.Add(s.leaseTTL)}},
	)
	if err != nil {
		return false, store.Wrap("take over user lease", err)
	}
	if res.MatchedCount == 1 {
		s.zLogger.Warn().Str("userId", userID).Msg("Took over expired user lease")
		return true, nil
	}
	return false, nil
}

func (s *Store) renewLease(locks *mongo.Collection, userID, owner string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.leaseTTL/3)
			_, err := locks.UpdateOne(ctx,
				bson.M{"_id": userID, "owner": owner},
				bson.M{"$set": bson.M{"expiresAt": time.Now().UTC().Add(s.leaseTTL)}},
			)
			cancel()
			if err != nil {
				s.zLogger.Warn().Err(err).Str("userId", userID).Msg("Failed to renew user lease")
			}
		}
	}
}

func keyDocID(userID, keyID string) string {
	return userID + "/" + keyID
}

// EnsureUser upserts the profile document without a profile
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if err := store.ValidateID("user id", userID); err != nil {
		return err
	}
	_, err := s.db.Collection(profilesCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$setOnInsert": bson.M{"generation": int64(0), "seq": int64(0), "updatedAt": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	return store.Wrap("ensure user", err)
}

// SaveProfile sets the profile subdocument
func (s *Store) SaveProfile(ctx context.Context, userID string, profile *types.Profile) error {
	if profile == nil {
		return fmt.Errorf("%w: profile cannot be nil", types.ErrValidation)
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.Collection(profilesCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"profile": profile, "updatedAt": time.Now().UTC()}},
	)
	return store.Wrap("save profile", err)
}

func (s *Store) loadDoc(ctx context.Context, userID string) (*profileDoc, error) {
	var doc profileDoc
	err := s.db.Collection(profilesCollection).FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("load profile", err)
	}
	return &doc, nil
}

// LoadProfile returns the profile or types.ErrUserNotFound
func (s *Store) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	doc, err := s.loadDoc(ctx, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Profile == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrUserNotFound, userID)
	}
	if doc.Profile.Keys == nil {
		doc.Profile.Keys = map[string]types.KeyRecord{}
	}
	return doc.Profile, nil
}

// AppendEvent reserves the next sequence number and inserts the entry
func (s *Store) AppendEvent(ctx context.Context, userID string, entry types.EventEntry) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	var doc profileDoc
	err := s.db.Collection(profilesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return store.Wrap("reserve sequence", err)
	}

	_, err = s.db.Collection(eventsCollection).InsertOne(ctx, toEventDoc(userID, doc.Generation, doc.Seq, entry))
	return store.Wrap("append event", err)
}

// IterEvents streams the current generation by sequence number
func (s *Store) IterEvents(ctx context.Context, userID string, fn func(types.EventEntry) error) error {
	if err := store.ValidateID("user id", userID); err != nil {
		return err
	}
	doc, err := s.loadDoc(ctx, userID)
	if err != nil || doc == nil {
		return err
	}

	cursor, err := s.db.Collection(eventsCollection).Find(ctx,
		bson.M{"user_id": userID, "generation": doc.Generation},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return store.Wrap("query events", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var ev eventDoc
		if err := cursor.Decode(&ev); err != nil {
			return store.Wrap("decode event", err)
		}
		entry, err := ev.entry()
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return store.Wrap("iterate events", cursor.Err())
}

// ReplaceEvents writes the next generation and flips the pointer to it
func (s *Store) ReplaceEvents(ctx context.Context, userID string, entries []types.EventEntry) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	doc, err := s.loadDoc(ctx, userID)
	if err != nil {
		return err
	}
	current := doc.Generation
	next := current + 1
	events := s.db.Collection(eventsCollection)

	// leftovers of an interrupted replace
	if _, err := events.DeleteMany(ctx, bson.M{"user_id": userID, "generation": next}); err != nil {
		return store.Wrap("clear staging generation", err)
	}

	if len(entries) > 0 {
		docs := make([]any, 0, len(entries))
		for i, e := range entries {
			docs = append(docs, toEventDoc(userID, next, int64(i+1), e))
		}
		if _, err := events.InsertMany(ctx, docs); err != nil {
			return store.Wrap("write staging generation", err)
		}
	}

	res, err := s.db.Collection(profilesCollection).UpdateOne(ctx,
		bson.M{"_id": userID, "generation": current},
		bson.M{"$set": bson.M{"generation": next, "seq": int64(len(entries)), "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return store.Wrap("switch generation", err)
	}
	if res.MatchedCount != 1 {
		_, _ = events.DeleteMany(ctx, bson.M{"user_id": userID, "generation": next})
		return store.Wrap("switch generation", fmt.Errorf("generation %d changed concurrently", current))
	}

	if _, err := events.DeleteMany(ctx, bson.M{"user_id": userID, "generation": bson.M{"$lt": next}}); err != nil {
		// the new log is live; stale documents are only garbage
		s.zLogger.Warn().Err(err).Str("userId", userID).Int64("generation", current).Msg("Failed to delete old event generation")
	}
	s.zLogger.Debug().Str("userId", userID).Int64("generation", next).Int("events", len(entries)).Msg("Event log replaced")
	return nil
}

// WriteKeyRecord inserts a key document once
func (s *Store) WriteKeyRecord(ctx context.Context, userID string, file types.KeyFile) error {
	if err := store.ValidateID("key id", file.KeyID); err != nil {
		return err
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	keys := s.db.Collection(keysCollection)
	id := keyDocID(userID, file.KeyID)

	_, err := keys.InsertOne(ctx, keyDoc{ID: id, UserID: userID, KeyID: file.KeyID, File: file})
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return store.Wrap("write key record", err)
	}

	var existing keyDoc
	if err := keys.FindOne(ctx, bson.M{"_id": id}).Decode(&existing); err != nil {
		return store.Wrap("read key record", err)
	}
	if existing.File.SameMaterial(file) {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrKeyRecordExists, file.KeyID)
}

// LoadKeyRecords returns the user's key files ordered by key id
func (s *Store) LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	cursor, err := s.db.Collection(keysCollection).Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "key_id", Value: 1}}),
	)
	if err != nil {
		return nil, store.Wrap("query key records", err)
	}
	var docs []keyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Wrap("decode key records", err)
	}
	files := make([]types.KeyFile, 0, len(docs))
	for _, d := range docs {
		files = append(files, d.File)
	}
	return files, nil
}

// ExportBundle snapshots the user's vault
func (s *Store) ExportBundle(ctx context.Context, userID string) (*types.Bundle, error) {
	return store.ExportBundle(ctx, s, userID)
}

// ImportBundle restores a snapshot under targetUserID
func (s *Store) ImportBundle(ctx context.Context, bundle *types.Bundle, targetUserID string) error {
	return store.ImportBundle(ctx, s, bundle, targetUserID)
}

func toEventDoc(userID string, generation, seq int64, e types.EventEntry) eventDoc {
	return eventDoc{
		UserID:     userID,
		Generation: generation,
		Seq:        seq,
		EventID:    e.EventID,
		KeyID:      e.KeyID,
		Ciphertext: e.Ciphertext,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (d eventDoc) entry() (types.EventEntry, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
	if err != nil {
		return types.EventEntry{}, store.Wrap(fmt.Sprintf("decode created_at of event %s", d.EventID), err)
	}
	return types.EventEntry{
		EventID:    d.EventID,
		KeyID:      d.KeyID,
		Ciphertext: d.Ciphertext,
		CreatedAt:  createdAt,
	}, nil
}
