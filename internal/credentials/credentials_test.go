package credentials

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/archerr"
	"github.com/archonhq/archon/internal/store"
)

func openTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, secret)
	require.NoError(t, err)
	return s
}

func TestSetGetRoundtrip(t *testing.T) {
	s := openTestStore(t, "test-secret")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "OPENAI_API_KEY", "sk-proj-abc123"))
	got, err := s.Get(ctx, "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-proj-abc123", got)
}

func TestValueIsEncryptedAtRest(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "test-secret")
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "KEY", "plaintext-value"))

	var sealed []byte
	require.NoError(t, db.SQL().QueryRow("SELECT ciphertext FROM credentials WHERE name = 'KEY'").Scan(&sealed))
	assert.NotContains(t, string(sealed), "plaintext-value")
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first, err := New(db, "original-secret")
	require.NoError(t, err)
	require.NoError(t, first.Set(context.Background(), "KEY", "value"))

	second, err := New(db, "different-secret")
	require.NoError(t, err)
	_, err = second.Get(context.Background(), "KEY")
	require.Error(t, err)
	assert.Equal(t, archerr.KindInternal, archerr.GetKind(err))
}

func TestOverwriteInvalidatesCache(t *testing.T) {
	s := openTestStore(t, "secret")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "KEY", "v1"))
	_, err := s.Get(ctx, "KEY")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "KEY", "v2"))
	got, err := s.Get(ctx, "KEY")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t, "secret")
	_, err := s.Get(context.Background(), "NOPE")
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))
	assert.Equal(t, "fallback", s.GetOr(context.Background(), "NOPE", "fallback"))
}

func TestDeleteEvicts(t *testing.T) {
	s := openTestStore(t, "secret")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "KEY", "v"))
	require.NoError(t, s.Delete(ctx, "KEY"))

	_, err := s.Get(ctx, "KEY")
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))

	err = s.Delete(ctx, "KEY")
	assert.Equal(t, archerr.KindNotFound, archerr.GetKind(err))
}

func TestListNamesOnly(t *testing.T) {
	s := openTestStore(t, "secret")
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "B_KEY", "b"))
	require.NoError(t, s.Set(ctx, "A_KEY", "a"))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A_KEY", "B_KEY"}, names)
}

func TestEmptySecretRejected(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = New(db, "")
	assert.Equal(t, archerr.KindValidation, archerr.GetKind(err))
}
