// Package credentials implements the Credential Store & Refresh (C2,
// spec.md §4.2): the local OAuth credential state machine, PKCE flow
// bookkeeping, proactive token refresh, and best-effort propagation of
// credentials into target environments.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the credential store's state machine (spec.md §4.2).
type State string

const (
	StateIdle               State = "idle"
	StateWaitingForOAuth     State = "waiting_for_oauth"
	StateWaitingForCallback  State = "waiting_for_callback"
	StateAuthenticated       State = "authenticated"
	StateError               State = "error"
)

// skew is how close to expiry a token must be before ensureFreshToken
// proactively refreshes it.
const skew = 60 * time.Second

// pkceTTL is how long an unclaimed PKCE entry survives before GC.
const pkceTTL = 10 * time.Minute

// Credentials mirrors the on-disk OAuth credentials file.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (c Credentials) expiringWithin(d time.Duration) bool {
	return time.Now().Add(d).After(c.ExpiresAt)
}

// TokenRefresher exchanges a refresh token for a new access/refresh pair.
// The real implementation talks to the OAuth provider over HTTPS; tests
// substitute a fake.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// pkceEntry is one in-flight authorization attempt.
type pkceEntry struct {
	codeVerifier string
	createdAt    time.Time
}

// Store owns the single-writer credentials file and the PKCE bookkeeping
// map. One Store per process (spec.md §5: "Credentials file: single-writer
// semantics — only the refresh routine writes").
type Store struct {
	mu    sync.Mutex
	state State

	path     string
	refresher TokenRefresher

	pkce map[string]pkceEntry // keyed by state param
}

// NewStore constructs a Store reading/writing the credentials file at path.
func NewStore(path string, refresher TokenRefresher) *Store {
	return &Store{
		state:     StateIdle,
		path:      path,
		refresher: refresher,
		pkce:      make(map[string]pkceEntry),
	}
}

// State returns the current state-machine state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginOAuth records a new PKCE attempt (state → code verifier) and
// transitions to waiting_for_callback.
func (s *Store) BeginOAuth(state, codeVerifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	s.pkce[state] = pkceEntry{codeVerifier: codeVerifier, createdAt: time.Now()}
	s.state = StateWaitingForCallback
}

// ConsumeOAuth looks up and removes a pending PKCE attempt by its state
// param, returning the code verifier if found and not expired.
func (s *Store) ConsumeOAuth(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()
	entry, ok := s.pkce[state]
	if !ok {
		return "", false
	}
	delete(s.pkce, state)
	return entry.codeVerifier, true
}

func (s *Store) gcLocked() {
	cutoff := time.Now().Add(-pkceTTL)
	for k, v := range s.pkce {
		if v.createdAt.Before(cutoff) {
			delete(s.pkce, k)
		}
	}
}

// RefreshResult is the outcome of EnsureFreshToken.
type RefreshResult struct {
	OK        bool
	NewExpiry time.Time
	Err       error
}

// EnsureFreshToken reads the credentials file; if the access token expires
// within the skew window, it exchanges the refresh token for a new pair
// and rewrites the file atomically. Returns {ok, new expiry} or
// {error, reason} (spec.md §4.2).
func (s *Store) EnsureFreshToken(ctx context.Context) RefreshResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.readLocked()
	if err != nil {
		s.state = StateError
		return RefreshResult{Err: fmt.Errorf("credentials: read: %w", err)}
	}

	if !creds.expiringWithin(skew) {
		s.state = StateAuthenticated
		return RefreshResult{OK: true, NewExpiry: creds.ExpiresAt}
	}

	fresh, err := s.refresher.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		s.state = StateError
		return RefreshResult{Err: fmt.Errorf("credentials: refresh: %w", err)}
	}

	if err := s.writeLocked(fresh); err != nil {
		s.state = StateError
		return RefreshResult{Err: fmt.Errorf("credentials: write: %w", err)}
	}

	s.state = StateAuthenticated
	slog.Info("credentials: refreshed access token", "expires_at", fresh.ExpiresAt)
	return RefreshResult{OK: true, NewExpiry: fresh.ExpiresAt}
}

// Read returns the current on-disk credentials without refreshing them.
func (s *Store) Read() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (Credentials, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, fmt.Errorf("malformed credentials file: %w", err)
	}
	return c, nil
}

// writeLocked rewrites the credentials file atomically: write to a temp
// file in the same directory, then rename over the original.
func (s *Store) writeLocked(c Credentials) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
