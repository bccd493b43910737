package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls int
	creds Credentials
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	f.calls++
	return f.creds, f.err
}

func writeCreds(t *testing.T, path string, c Credentials) {
	t.Helper()
	b, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func TestEnsureFreshTokenSkipsRefreshWhenFarFromExpiry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	writeCreds(t, path, Credentials{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})

	refresher := &fakeRefresher{}
	store := NewStore(path, refresher)

	result := store.EnsureFreshToken(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.Equal(t, 0, refresher.calls)
}

func TestEnsureFreshTokenRefreshesWithinSkew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	writeCreds(t, path, Credentials{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(30 * time.Second)})

	newExpiry := time.Now().Add(time.Hour)
	refresher := &fakeRefresher{creds: Credentials{AccessToken: "b", RefreshToken: "r2", ExpiresAt: newExpiry}}
	store := NewStore(path, refresher)

	result := store.EnsureFreshToken(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.Equal(t, 1, refresher.calls)

	onDisk, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, "b", onDisk.AccessToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureFreshTokenReportsRefreshError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	writeCreds(t, path, Credentials{ExpiresAt: time.Now()})

	refresher := &fakeRefresher{err: assertErr("boom")}
	store := NewStore(path, refresher)

	result := store.EnsureFreshToken(context.Background())
	assert.Error(t, result.Err)
	assert.Equal(t, StateError, store.State())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestPKCEGarbageCollection(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "c.json"), &fakeRefresher{})
	store.BeginOAuth("state-1", "verifier-1")
	store.pkce["state-1"] = pkceEntry{codeVerifier: "verifier-1", createdAt: time.Now().Add(-11 * time.Minute)}

	_, ok := store.ConsumeOAuth("state-1")
	assert.False(t, ok, "entries older than 10 minutes must be GC'd")
}

func TestConsumeOAuthIsSingleUse(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "c.json"), &fakeRefresher{})
	store.BeginOAuth("state-1", "verifier-1")

	v, ok := store.ConsumeOAuth("state-1")
	require.True(t, ok)
	assert.Equal(t, "verifier-1", v)

	_, ok = store.ConsumeOAuth("state-1")
	assert.False(t, ok)
}
