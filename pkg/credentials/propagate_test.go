package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"spyre/pkg/sshpool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	lastCmd string
	result  sshpool.Result
	err     error
}

func (f *fakeChannel) Exec(ctx context.Context, command string) (sshpool.Result, error) {
	f.lastCmd = command
	return f.result, f.err
}
func (f *fakeChannel) StreamExec(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
	return 0, nil
}
func (f *fakeChannel) Open() bool   { return true }
func (f *fakeChannel) Close() error { return nil }

func TestPropagateWritesCredentialsAndConfigViaHeredoc(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	b, _ := json.Marshal(Credentials{AccessToken: "tok", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, os.WriteFile(path, b, 0o600))

	store := NewStore(path, &fakeRefresher{})
	prop := NewPropagator(store)

	ch := &fakeChannel{result: sshpool.Result{Code: 0}}
	err := prop.Propagate(context.Background(), ch, "env-1")
	require.NoError(t, err)

	assert.Contains(t, ch.lastCmd, CredentialsPath)
	assert.Contains(t, ch.lastCmd, ClaudeJSONPath)
	assert.Contains(t, ch.lastCmd, "hasCompletedOnboarding")
	assert.Contains(t, ch.lastCmd, "chmod 600")
	assert.NotContains(t, ch.lastCmd, "$(") // no shell interpolation of content
}

func TestPropagateReturnsErrorOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	b, _ := json.Marshal(Credentials{ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, os.WriteFile(path, b, 0o600))

	store := NewStore(path, &fakeRefresher{})
	prop := NewPropagator(store)

	ch := &fakeChannel{result: sshpool.Result{Code: 1, Stderr: "permission denied"}}
	err := prop.Propagate(context.Background(), ch, "env-1")
	assert.Error(t, err)
}
