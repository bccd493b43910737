package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"spyre/pkg/shellquote"
	"spyre/pkg/sshpool"
)

// Canonical in-container paths the credentials file and the minimal
// .claude.json onboarding config are installed at (spec.md §4.2: "two
// canonical paths").
const (
	CredentialsPath = "/root/.claude/credentials.json"
	ClaudeJSONPath  = "/root/.claude.json"
)

// claudeConfig is the minimal onboarding config installed alongside the
// credentials file, so the CLI does not stop to run its first-run wizard.
type claudeConfig struct {
	HasCompletedOnboarding bool   `json:"hasCompletedOnboarding"`
	Theme                  string `json:"theme"`
}

func defaultClaudeConfig() claudeConfig {
	return claudeConfig{HasCompletedOnboarding: true, Theme: "dark"}
}

// Propagator installs fresh credentials into target environments. It is a
// thin wrapper over a Store; Propagate writes the credential files over
// the sshpool.Channel its caller passes in.
type Propagator struct {
	store *Store
}

// NewPropagator constructs a Propagator over store.
func NewPropagator(store *Store) *Propagator {
	return &Propagator{store: store}
}

// Propagate runs EnsureFreshToken, then installs the credentials file and
// a minimal .claude.json config into the channel's target, chmod 600 at
// both canonical paths, using heredoc-quoted writes to avoid shell
// interpolation (spec.md §4.2). Propagation is best-effort: any failure is
// logged and returned to the caller, who is expected to treat it as
// non-fatal (spec.md §7 "Credential refresh/propagation errors never
// abort the caller").
func (p *Propagator) Propagate(ctx context.Context, ch sshpool.Channel, environmentID string) error {
	refresh := p.store.EnsureFreshToken(ctx)
	if refresh.Err != nil {
		slog.Warn("credentials: ensure-fresh-token failed before propagation",
			"environment_id", environmentID, "error", refresh.Err)
		return refresh.Err
	}

	creds, err := p.store.Read()
	if err != nil {
		slog.Warn("credentials: read failed before propagation", "environment_id", environmentID, "error", err)
		return err
	}

	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	cfgJSON, err := json.Marshal(defaultClaudeConfig())
	if err != nil {
		return fmt.Errorf("credentials: marshal config: %w", err)
	}

	cmd := shellquote.AndChain(
		"mkdir -p /root/.claude",
		shellquote.Heredoc(CredentialsPath, shellquote.CredentialsEOF, string(credsJSON)),
		fmt.Sprintf("chmod 600 %s", shellquote.Single(CredentialsPath)),
		shellquote.Heredoc(ClaudeJSONPath, shellquote.ClaudeConfigEOF, string(cfgJSON)),
		fmt.Sprintf("chmod 600 %s", shellquote.Single(ClaudeJSONPath)),
	)

	res, err := ch.Exec(ctx, cmd)
	if err != nil {
		slog.Warn("credentials: propagation exec failed", "environment_id", environmentID, "error", err)
		return err
	}
	if res.Code != 0 {
		err := fmt.Errorf("credentials: propagation exited %d: %s", res.Code, res.Stderr)
		slog.Warn("credentials: propagation failed", "environment_id", environmentID, "error", err)
		return err
	}

	slog.Debug("credentials: propagated", "environment_id", environmentID)
	return nil
}
