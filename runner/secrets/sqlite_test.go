package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *SqliteManager {
	t.Helper()
	m, err := NewSQLiteManager(filepath.Join(t.TempDir(), "secrets.db"))
	require.NoError(t, err)
	return m
}

func TestSqliteAddAndGet(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.AddSecret(ctx, UnlockedSecret{
		Key:       "CARGO_REGISTRY_TOKEN",
		Value:     "hunter2",
		Repo:      "merkle-toolkit",
		CreatedBy: "ops",
	})
	require.NoError(t, err)

	unlocked, err := m.GetSecretsUnlocked(ctx, "merkle-toolkit")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "CARGO_REGISTRY_TOKEN", unlocked[0].Key)
	assert.Equal(t, "hunter2", unlocked[0].Value)

	locked, err := m.GetSecretsLocked(ctx, "merkle-toolkit")
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "CARGO_REGISTRY_TOKEN", locked[0].Key)
}

func TestSqliteDuplicateKey(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	secret := UnlockedSecret{Key: "TOKEN", Value: "a", Repo: "repo", CreatedBy: "ops"}
	require.NoError(t, m.AddSecret(ctx, secret))

	err := m.AddSecret(ctx, secret)
	assert.ErrorIs(t, err, ErrKeyAlreadyPresent)
}

func TestSqliteRemove(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "TOKEN", Value: "a", Repo: "repo", CreatedBy: "ops"}))

	err := m.RemoveSecret(ctx, Secret[any]{Key: "TOKEN", Repo: "repo"})
	require.NoError(t, err)

	err = m.RemoveSecret(ctx, Secret[any]{Key: "TOKEN", Repo: "repo"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSqliteScopedByRepo(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.AddSecret(ctx, UnlockedSecret{Key: "TOKEN", Value: "a", Repo: "repo-a", CreatedBy: "ops"}))

	other, err := m.GetSecretsUnlocked(ctx, "repo-b")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("CARGO_HOME"))
	assert.NoError(t, ValidateKey("_private"))

	assert.ErrorIs(t, ValidateKey(""), ErrInvalidKeyIdent)
	assert.ErrorIs(t, ValidateKey("1LEADING_DIGIT"), ErrInvalidKeyIdent)
	assert.ErrorIs(t, ValidateKey("has-dash"), ErrInvalidKeyIdent)
	assert.ErrorIs(t, ValidateKey("has space"), ErrInvalidKeyIdent)
}

func TestSqliteRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.AddSecret(ctx, UnlockedSecret{Key: "not a key", Value: "v", Repo: "repo", CreatedBy: "ops"})
	assert.ErrorIs(t, err, ErrInvalidKeyIdent)
}
