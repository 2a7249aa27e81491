// Package store persists federation client state in an embedded key-value store.
//
// The store lives in a single SQLite file at <dir>/client.db. Entries are scoped
// by a namespace so the file can be shared by several logical trees, although the
// mint client only ever uses DefaultNamespace. An exclusive file lock next to the
// database keeps two clients, in this process or another, from opening the same
// state at once.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

const (
	// FileName is the name of the database file inside the state directory
	FileName = "client.db"

	// DefaultNamespace is the namespace used by the mint client
	DefaultNamespace = "mint-client"

	lockSuffix = ".lock"
)

// ErrNotFound is returned by Get when a key has no value
var ErrNotFound = errors.New("key not found")

// Entry is a stored key-value pair
type Entry struct {
	Namespace string `gorm:"primaryKey;column:namespace;size:64"`
	Key       string `gorm:"primaryKey;column:entry_key"`
	Value     []byte `gorm:"column:entry_value"`
}

// TableName implements gorm's tabler interface
func (Entry) TableName() string {
	return "kv_entries"
}

// Store is an open client state database
type Store struct {
	db        *gorm.DB
	lock      *flock.Flock
	dir       string
	namespace string
	logger    *slog.Logger

	mu     *sync.RWMutex
	closed *bool
}

// Option configures Open
type Option func(*Store)

// WithNamespace overrides DefaultNamespace
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithLogger sets the logger used by the store
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// DatabasePath returns the database file path for a state directory
func DatabasePath(dir string) string {
	return filepath.Join(dir, FileName)
}

func lockPath(dir string) string {
	return DatabasePath(dir) + lockSuffix
}

// Exists reports whether a database file is present in dir
func Exists(dir string) bool {
	_, err := os.Stat(DatabasePath(dir))
	return err == nil
}

// Open opens or creates the state database in dir. The directory must exist.
// Opening fails if another client holds the state.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	closed := false
	s := &Store{
		dir:       dir,
		namespace: DefaultNamespace,
		logger:    slog.Default(),
		mu:        &sync.RWMutex{},
		closed:    &closed,
	}
	for _, opt := range opts {
		opt(s)
	}

	lock := flock.New(lockPath(dir))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindStorage, "open_store", "failed to lock client state", err)
	}
	if !locked {
		return nil, bridgeerr.New(bridgeerr.KindStorage, "open_store", "client state is in use by another client")
	}

	db, err := openDatabase(ctx, DatabasePath(dir))
	if err != nil {
		_ = lock.Unlock()
		return nil, bridgeerr.Wrap(bridgeerr.KindStorage, "open_store", "failed to open client state", err)
	}

	s.db = db
	s.lock = lock
	s.logger.Debug("Opened client state", "path", DatabasePath(dir), "namespace", s.namespace)
	return s, nil
}

func openDatabase(ctx context.Context, path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one connection avoids busy errors
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

// Dir returns the state directory the store was opened in
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the database file path
func (s *Store) Path() string {
	return DatabasePath(s.dir)
}

// Namespace returns the namespace entries are scoped to
func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) checkOpen(op string) error {
	if *s.closed {
		return bridgeerr.New(bridgeerr.KindStorage, op, "client state is closed")
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store_get"); err != nil {
		return nil, err
	}

	var entry Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", s.namespace, key).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindStorage, "store_get", fmt.Sprintf("failed to read %q", key), err)
	}
	return entry.Value, nil
}

// Put stores value under key, replacing any previous value
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store_put"); err != nil {
		return err
	}

	entry := Entry{Namespace: s.namespace, Key: key, Value: value}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
	return bridgeerr.Wrap(bridgeerr.KindStorage, "store_put", fmt.Sprintf("failed to write %q", key), err)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store_delete"); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", s.namespace, key).
		Delete(&Entry{}).Error
	return bridgeerr.Wrap(bridgeerr.KindStorage, "store_delete", fmt.Sprintf("failed to delete %q", key), err)
}

// List returns every entry whose key starts with prefix, ordered by key
func (s *Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store_list"); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND entry_key LIKE ? ESCAPE '\\'", s.namespace, escapeLike(prefix)+"%").
		Order("entry_key").
		Find(&entries).Error
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindStorage, "store_list", fmt.Sprintf("failed to list %q", prefix), err)
	}

	// LIKE is case-insensitive in SQLite
	matched := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Update runs fn in a transaction. Writes made through the Store passed to fn
// are committed together or not at all.
func (s *Store) Update(ctx context.Context, fn func(tx *Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("store_update"); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		closed := false
		return fn(&Store{
			db:        db,
			dir:       s.dir,
			namespace: s.namespace,
			logger:    s.logger,
			mu:        &sync.RWMutex{},
			closed:    &closed,
		})
	})
	return bridgeerr.Wrap(bridgeerr.KindStorage, "store_update", "transaction failed", err)
}

// Close closes the database and releases the state lock. It is safe to call
// more than once; operations after Close fail with a storage error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *s.closed {
		return nil
	}
	*s.closed = true

	var errs []error
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
		}
	}

	s.logger.Debug("Closed client state", "path", s.Path())
	return bridgeerr.Wrap(bridgeerr.KindStorage, "close_store", "failed to close client state", errors.Join(errs...))
}

// Destroy irreversibly removes the state database in dir together with its
// journal and lock files. A missing database is not an error. It refuses to
// remove state that an open Store holds.
func Destroy(dir string) error {
	lock := flock.New(lockPath(dir))
	locked, err := lock.TryLock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return bridgeerr.Wrap(bridgeerr.KindStorage, "destroy_store", "failed to lock client state", err)
	}
	if err == nil && !locked {
		return bridgeerr.New(bridgeerr.KindStorage, "destroy_store", "client state is in use by another client")
	}
	defer func() {
		if locked {
			_ = lock.Unlock()
		}
	}()

	db := DatabasePath(dir)
	for _, path := range []string{db, db + "-wal", db + "-shm", db + "-journal", lockPath(dir)} {
		if err := os.RemoveAll(path); err != nil {
			return bridgeerr.Wrap(bridgeerr.KindStorage, "destroy_store", fmt.Sprintf("failed to remove %s", path), err)
		}
	}
	return nil
}

// escapeLike escapes LIKE wildcards so prefix matches literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
