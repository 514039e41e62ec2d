// Package file implements the EventStore on a per-user directory:
//
//	<root>/<user_id>/profile.json
//	<root>/<user_id>/events.jsonl
//	<root>/<user_id>/keys/<key_id>.json
//	<root>/.locks/<user_id>.lock
//
// LockUser takes an advisory lock on the user's lock file, so processes
// sharing a root are serialised per user. Appends are fsynced, the event log and profile are replaced with
// write-temp-fsync-rename, and key files are linked into place so an existing
// key file is never overwritten.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/store/filelock"
	"github.com/root-sector-ltd-and-co-kg/pathlog-vault/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	profileFile = "profile.json"
	eventsFile  = "events.jsonl"
	keysDir     = "keys"
	locksDir    = ".locks"

	dirPerm  = 0o700
	filePerm = 0o600

	tailChunk = 4096
)

// Store is a directory backed EventStore
type Store struct {
	root    string
	zLogger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.zLogger = l
	}
}

// New returns a store rooted at root, creating the directory if needed
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: storage root is required", types.ErrValidation)
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, store.Wrap("create root", err)
	}
	s := &Store{
		root:    root,
		zLogger: log.With().Str("component", "file_store").Logger(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the storage root
func (s *Store) Root() string {
	return s.root
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *Store) userDir(userID string) (string, error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, userID), nil
}

// LockUser holds <root>/.locks/<user_id>.lock until the returned func is
// called. The lock lives outside the user directory so a user that does not
// exist yet can be locked.
func (s *Store) LockUser(ctx context.Context, userID string) (func(), error) {
	if err := store.ValidateID("user id", userID); err != nil {
		return nil, err
	}
	unlock, err := filelock.Lock(ctx, filepath.Join(s.root, locksDir, userID+".lock"))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, store.Wrap("lock user", err)
	}
	return unlock, nil
}

// EnsureUser creates the user directory layout
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.userDir(userID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, keysDir), dirPerm); err != nil {
		return store.Wrap("create user dir", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return store.Wrap("create event log", err)
	}
	return store.Wrap("close event log", f.Close())
}

// SaveProfile atomically replaces profile.json
func (s *Store) SaveProfile(ctx context.Context, userID string, profile *types.Profile) error {
	if profile == nil {
		return fmt.Errorf("%w: profile cannot be nil", types.ErrValidation)
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	dir, _ := s.userDir(userID)
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return store.Wrap("encode profile", err)
	}
	return store.Wrap("write profile", writeFileAtomic(filepath.Join(dir, profileFile), data))
}

// LoadProfile reads profile.json
func (s *Store) LoadProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.userDir(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, profileFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", types.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, store.Wrap("read profile", err)
	}
	var profile types.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, store.Wrap("decode profile", err)
	}
	if profile.Keys == nil {
		profile.Keys = map[string]types.KeyRecord{}
	}
	return &profile, nil
}

// AppendEvent writes one JSON line and fsyncs. A torn final line left by a
// crashed writer is truncated first.
func (s *Store) AppendEvent(ctx context.Context, userID string, entry types.EventEntry) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	dir, _ := s.userDir(userID)

	line, err := json.Marshal(entry)
	if err != nil {
		return store.Wrap("encode event", err)
	}
	line = append(line, '\n')

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_APPEND|os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return store.Wrap("open event log", err)
	}
	defer f.Close()

	if err := repairTail(f); err != nil {
		return store.Wrap("repair event log", err)
	}
	if _, err := f.Write(line); err != nil {
		return store.Wrap("append event", err)
	}
	if err := f.Sync(); err != nil {
		return store.Wrap("sync event log", err)
	}
	return nil
}

// IterEvents streams entries in write order. An unterminated final line is
// treated as an interrupted append and skipped.
func (s *Store) IterEvents(ctx context.Context, userID string, fn func(types.EventEntry) error) error {
	dir, err := s.userDir(userID)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return store.Wrap("open event log", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				s.zLogger.Warn().Str("userId", userID).Int("line", lineNo+1).Msg("Skipping torn event log tail")
			}
			return nil
		}
		if err != nil {
			return store.Wrap("read event log", err)
		}
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry types.EventEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return store.Wrap(fmt.Sprintf("decode event line %d", lineNo), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// ReplaceEvents atomically swaps events.jsonl
func (s *Store) ReplaceEvents(ctx context.Context, userID string, entries []types.EventEntry) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	dir, _ := s.userDir(userID)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return store.Wrap("encode event", err)
		}
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := writeFileAtomic(filepath.Join(dir, eventsFile), buf.Bytes()); err != nil {
		return store.Wrap("replace event log", err)
	}
	s.zLogger.Debug().Str("userId", userID).Int("events", len(entries)).Msg("Event log replaced")
	return nil
}

// WriteKeyRecord writes keys/<key_id>.json once
func (s *Store) WriteKeyRecord(ctx context.Context, userID string, file types.KeyFile) error {
	if err := store.ValidateID("key id", file.KeyID); err != nil {
		return err
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	dir, _ := s.userDir(userID)
	path := filepath.Join(dir, keysDir, file.KeyID+".json")

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return store.Wrap("encode key file", err)
	}

	err = linkFileExclusive(path, data)
	if errors.Is(err, fs.ErrExist) {
		existing, readErr := readKeyFile(path)
		if readErr != nil {
			return readErr
		}
		if existing.SameMaterial(file) {
			return nil
		}
		return fmt.Errorf("%w: %s", types.ErrKeyRecordExists, file.KeyID)
	}
	return store.Wrap("write key file", err)
}

// LoadKeyRecords reads every key file, ordered by key id
func (s *Store) LoadKeyRecords(ctx context.Context, userID string) ([]types.KeyFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.userDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, keysDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []types.KeyFile{}, nil
	}
	if err != nil {
		return nil, store.Wrap("list key files", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]types.KeyFile, 0, len(names))
	for _, name := range names {
		kf, err := readKeyFile(filepath.Join(dir, keysDir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, kf)
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

// Close is a no-op for the file store
func (s *Store) Close() error {
	return nil
}

func readKeyFile(path string) (types.KeyFile, error) {
	var kf types.KeyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return kf, store.Wrap("read key file", err)
	}
	if err := json.Unmarshal(data, &kf); err != nil {
		return kf, store.Wrap("decode key file", err)
	}
	return kf, nil
}

// repairTail truncates f after its last newline when the file does not end in one
func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}

	keep := int64(0)
	buf := make([]byte, tailChunk)
	for end := size; end > 0; {
		start := end - tailChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}

	log.Warn().Int64("size", size).Int64("truncateTo", keep).Msg("Truncating torn event log tail")
	return f.Truncate(keep)
}

// writeFileAtomic writes data next to path, fsyncs, renames over path and
// fsyncs the directory
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

// linkFileExclusive publishes data at path only if path does not exist.
// It returns an error wrapping fs.ErrExist otherwise.
func linkFileExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
