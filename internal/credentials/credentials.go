// Package credentials stores provider API keys encrypted at rest. Values are
// sealed with NaCl secretbox under a key derived from the configured
// encryption secret, cached in process, and never logged.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/store"
)

const nonceSize = 24

// Store encrypts and persists named credentials.
type Store struct {
	db  *store.DB
	key [32]byte

	mu    sync.RWMutex
	cache map[string]string
}

// New derives the sealing key from the secret and returns the store.
func New(db *store.DB, secret string) (*Store, error) {
	if secret == "" {
		return nil, archerr.New(archerr.KindValidation, "encryption key is required")
	}
	return &Store{
		db:    db,
		key:   sha256.Sum256([]byte(secret)),
		cache: make(map[string]string),
	}, nil
}

// Set encrypts and upserts one credential, refreshing the cache.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if name == "" {
		return archerr.New(archerr.KindValidation, "credential name is required")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return archerr.Wrap(archerr.KindInternal, err, "generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)

	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO credentials (name, ciphertext)
		VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = CURRENT_TIMESTAMP
	`, name, sealed)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "store credential %s", name)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return nil
}

// Get decrypts one credential, serving repeat reads from the cache.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	var sealed []byte
	err := s.db.SQL().QueryRowContext(ctx,
		"SELECT ciphertext FROM credentials WHERE name = ?", name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", archerr.New(archerr.KindNotFound, "credential %s not found", name)
	}
	if err != nil {
		return "", archerr.Wrap(archerr.KindStore, err, "load credential %s", name)
	}

	if len(sealed) < nonceSize {
		return "", archerr.New(archerr.KindInternal, "credential %s is corrupted", name)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", archerr.New(archerr.KindInternal, "credential %s cannot be decrypted with the configured key", name)
	}

	value := string(plain)
	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return value, nil
}

// GetOr returns the credential or fallback when it is absent.
func (s *Store) GetOr(ctx context.Context, name, fallback string) string {
	value, err := s.Get(ctx, name)
	if err != nil {
		return fallback
	}
	return value
}

// Delete removes one credential and evicts it from the cache.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.SQL().ExecContext(ctx, "DELETE FROM credentials WHERE name = ?", name)
	if err != nil {
		return archerr.Wrap(archerr.KindStore, err, "delete credential %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return archerr.New(archerr.KindNotFound, "credential %s not found", name)
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// List returns the stored credential names, never the values.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.SQL().QueryContext(ctx, "SELECT name FROM credentials ORDER BY name")
	if err != nil {
		return nil, archerr.Wrap(archerr.KindStore, err, "list credentials")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, archerr.Wrap(archerr.KindStore, err, "scan credential name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
