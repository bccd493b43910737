package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultOAuthTokenURL is Anthropic's OAuth token endpoint, used for both
// the authorization-code exchange and refresh-token grants.
const DefaultOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"

// OAuthRefresher is the production TokenRefresher: it exchanges a refresh
// token for a new access/refresh pair over HTTPS, the same plain
// net/http.Client pattern used for other outbound API calls in this
// codebase (no ecosystem HTTP client library appears anywhere in the
// retrieval pack, so the stdlib client is the idiomatic
// choice here too).
type OAuthRefresher struct {
	httpClient *http.Client
	tokenURL   string
	clientID   string
}

// NewOAuthRefresher constructs an OAuthRefresher. clientID identifies the
// registered OAuth client (spec.md's controller acts as a confidential
// client of the Claude Code CLI's own OAuth app registration).
func NewOAuthRefresher(clientID string) *OAuthRefresher {
	return &OAuthRefresher{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokenURL:   DefaultOAuthTokenURL,
		clientID:   clientID,
	}
}

// WithTokenURL overrides the token endpoint, for testing against a local
// fixture server instead of the real OAuth provider.
func (r *OAuthRefresher) WithTokenURL(url string) *OAuthRefresher {
	r.tokenURL = url
	return r
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh implements TokenRefresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     r.clientID,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials: read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("credentials: oauth provider returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out refreshResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Credentials{}, fmt.Errorf("credentials: decode refresh response: %w", err)
	}

	return Credentials{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
