// Package sqlite implements the EventStore on an embedded SQLite database.
// Appends are single INSERTs and ReplaceEvents runs in one transaction, so a
// crash leaves either the old or the new log committed. LockUser locks a file
// next to the database, <path>.locks/<user_id>.lock, so processes sharing the
// database are serialised per user.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/filelock"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on events(user_id, event_id)
const currentSchemaVersion = 1

// Store is a SQLite backed EventStore
type Store struct {
	db      *sql.DB
	path    string
	zLogger zerolog.Logger

	// in-memory databases are private to the process
	memMu    sync.Mutex
	memLocks map[string]chan struct{}
}

// Open creates or opens a database at path and applies pragmas and schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:       db,
		path:     path,
		zLogger:  log.With().Str("component", "sqlite_store").Logger(),
		memLocks: make(map[string]chan struct{}),
	}, nil
}

// LockUser holds the user's lock file until the returned func is called
func (s *Store) LockUser(ctx context.Context, userID string) (func(), error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	if isMemory(s.path) {
		return s.lockMemory(ctx, userID)
	}
	unlock, err := filelock.Lock(ctx, filepath.Join(s.path+".locks", userID+".lock"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, store.Wrap("lock user", err)
	}
	return unlock, nil
}

func (s *Store) lockMemory(ctx context.Context, userID string) (func(), error) {
	s.memMu.Lock()
	ch, ok := s.memLocks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.memLocks[userID] = ch
	}
	s.memMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_event_id ON events(user_id, event_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureUser(ctx context.Context, ex execer, userID string) error {
	if err := store.ValidateID("user id", userID); err != nil {
		return err
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (user_id, profile, updated_at) VALUES (?, NULL, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, formatTime(time.Now()))
	return store.Wrap("ensure user", err)
}

// EnsureUser inserts the user row if missing
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	return ensureUser(ctx, s.db, userID)
}

func saveProfile(ctx context.Context, ex execer, userID string, profile *types.Profile) error {
	if profile == nil {
		return fmt.Errorf("%w: profile cannot be nil", types.ErrValidation)
	}
	if err := ensureUser(ctx, ex, userID); err != nil {
		return err
	}
	body, err := json.Marshal(profile)
	if err != nil {
		return store.Wrap("encode profile", err)
	}
	_, err = ex.ExecContext(ctx, `UPDATE users SET profile = ?, updated_at = ? WHERE user_id = ?`,
		string(body), formatTime(time.Now()), userID)
	return store.Wrap("save profile", err)
}

// SaveProfile stores the profile document
func (s *Store) SaveProfile(ctx context.Context, userID string, profile *types.Profile) error {
	return saveProfile(ctx, s.db, userID, profile)
}

// LoadProfile returns the profile or types.ErrUserNotFound
func (s *Store) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	var body sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM users WHERE user_id = ?`, userID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !body.Valid) {
		return nil, fmt.Errorf("%w: %s", types.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, store.Wrap("load profile", err)
	}
	var profile types.Profile
	if err := json.Unmarshal([]byte(body.String), &profile); err != nil {
		return nil, store.Wrap("decode profile", err)
	}
	if profile.Keys == nil {
		profile.Keys = map[string]types.KeyRecord{}
	}
	return &profile, nil
}

// AppendEvent inserts one entry after the user's last sequence number
func (s *Store) AppendEvent(ctx context.Context, userID string, entry types.EventEntry) error {
	if err := ensureUser(ctx, s.db, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (user_id, seq, event_id, key_id, ciphertext, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ? FROM events WHERE user_id = ?
	`, userID, entry.EventID, entry.KeyID, entry.Ciphertext, formatTime(entry.CreatedAt), userID)
	return store.Wrap("append event", err)
}

// IterEvents streams entries by sequence number
func (s *Store) IterEvents(ctx context.Context, userID string, fn func(types.EventEntry) error) error {
	if err := store.ValidateID("user id", userID); err != nil {
		return err
	}
	// Materialise first: the single pooled connection must be free while fn runs.
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, key_id, ciphertext, created_at FROM events
		WHERE user_id = ? ORDER BY seq ASC
	`, userID)
	if err != nil {
		return store.Wrap("query events", err)
	}
	var entries []types.EventEntry
	for rows.Next() {
		var e types.EventEntry
		var created string
		if err := rows.Scan(&e.EventID, &e.KeyID, &e.Ciphertext, &created); err != nil {
			rows.Close()
			return store.Wrap("scan event", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return store.Wrap("parse event time", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return store.Wrap("iterate events", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func replaceEvents(ctx context.Context, tx *sql.Tx, userID string, entries []types.EventEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE user_id = ?`, userID); err != nil {
		return store.Wrap("clear events", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (user_id, seq, event_id, key_id, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return store.Wrap("prepare insert", err)
	}
	defer stmt.Close()
	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, userID, i+1, e.EventID, e.KeyID, e.Ciphertext, formatTime(e.CreatedAt)); err != nil {
			return store.Wrap("insert event", err)
		}
	}
	return nil
}

// ReplaceEvents swaps the log inside one transaction
func (s *Store) ReplaceEvents(ctx context.Context, userID string, entries []types.EventEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("begin transaction", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, userID); err != nil {
		return err
	}
	if err := replaceEvents(ctx, tx, userID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap("commit", err)
	}
	s.zLogger.Debug().Str("userId", userID).Int("events", len(entries)).Msg("Event log replaced")
	return nil
}

func writeKeyRecord(ctx context.Context, ex execer, userID string, file types.KeyFile) error {
	if err := store.ValidateID("key id", file.KeyID); err != nil {
		return err
	}
	if err := ensureUser(ctx, ex, userID); err != nil {
		return err
	}
	body, err := json.Marshal(file)
	if err != nil {
		return store.Wrap("encode key file", err)
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO key_files (user_id, key_id, body) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key_id) DO NOTHING
	`, userID, file.KeyID, string(body))
	if err != nil {
		return store.Wrap("write key file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap("write key file", err)
	}
	if n == 1 {
		return nil
	}

	var existing string
	if err := ex.QueryRowContext(ctx, `SELECT body FROM key_files WHERE user_id = ? AND key_id = ?`, userID, file.KeyID).Scan(&existing); err != nil {
		return store.Wrap("read key file", err)
	}
	var kf types.KeyFile
	if err := json.Unmarshal([]byte(existing), &kf); err != nil {
		return store.Wrap("decode key file", err)
	}
	if kf.SameMaterial(file) {
		return nil
	}
	return fmt.Errorf("%w: %s", types.ErrKeyRecordExists, file.KeyID)
}

// WriteKeyRecord inserts a key file once
func (s *Store) WriteKeyRecord(ctx context.Context, userID string, file types.KeyFile) error {
	return writeKeyRecord(ctx, s.db, userID, file)
}

// LoadKeyRecords returns the user's key files ordered by key id
func (s *Store) LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM key_files WHERE user_id = ? ORDER BY key_id`, userID)
	if err != nil {
		return nil, store.Wrap("query key files", err)
	}
	defer rows.Close()

	files := make([]types.KeyFile, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, store.Wrap("scan key file", err)
		}
		var kf types.KeyFile
		if err := json.Unmarshal([]byte(body), &kf); err != nil {
			return nil, store.Wrap("decode key file", err)
		}
		files = append(files, kf)
	}
	return files, store.Wrap("iterate key files", rows.Err())
}

// ExportBundle snapshots the user's vault
func (s *Store) ExportBundle(ctx context.Context, userID string) (*types.Bundle, error) {
	return store.ExportBundle(ctx, s, userID)
}

// ImportBundle restores a snapshot in a single transaction
func (s *Store) ImportBundle(ctx context.Context, bundle *types.Bundle, targetUserID string) error {
	if bundle == nil || bundle.Profile == nil {
		return fmt.Errorf("%w: bundle has no profile", types.ErrValidation)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("begin transaction", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, targetUserID); err != nil {
		return err
	}
	profile := bundle.Profile.Clone()
	profile.UserID = targetUserID

	for _, id := range store.SortedKeyIDs(bundle.Keys) {
		kf := types.NewKeyFile(targetUserID, bundle.Keys[id], profile.EncryptionPolicy)
		if err := writeKeyRecord(ctx, tx, targetUserID, kf); err != nil {
			return err
		}
	}
	if err := replaceEvents(ctx, tx, targetUserID, bundle.Events); err != nil {
		return err
	}
	if err := saveProfile(ctx, tx, targetUserID, profile); err != nil {
		return err
	}
	return store.Wrap("commit", tx.Commit())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
