package dispatcher

import (
	"fmt"
	"strings"

	"spyre/pkg/shellquote"
)

// defaultAllowedTools is the capability list passed to --allowedTools when
// the caller does not override it.
var defaultAllowedTools = []string{"Bash", "Read", "Write", "Edit", "Grep", "Glob"}

// envFlags export the non-essential-traffic, telemetry and autoupdate
// opt-outs every invocation carries (spec.md §4.5 step 1).
const envFlags = `export CLAUDE_NONESSENTIAL_TRAFFIC=0 DISABLE_TELEMETRY=1 DISABLE_AUTOUPDATER=1`

// buildCommand assembles the single remote shell command spec.md §4.5
// describes: env flags, a PTY allocator, the CLI invocation (fresh or
// resumed), an optional working-directory cd, and an optional dev-container
// docker exec wrapper — in that order.
func buildCommand(req commandSpec) string {
	inner := claudeInvocation(req)

	if req.workingDir != "" {
		inner = fmt.Sprintf("cd %s && %s", shellquote.Single(req.workingDir), inner)
	}

	full := shellquote.AndChain(envFlags, ptyWrap(inner))

	if req.devContainer != "" {
		dockerCmd := fmt.Sprintf("docker exec %s bash -c %s", shellquote.Single(req.devContainer), shellquote.Single(full))
		return dockerCmd
	}
	return full
}

// commandSpec carries everything buildCommand needs, kept separate from
// models.DispatchRequest so the dispatcher can inject the resolved
// allowed-tools list and framed prompt without mutating the caller's
// request value.
type commandSpec struct {
	framedPrompt  string
	resumeSession string
	allowedTools  []string
	workingDir    string
	devContainer  string
}

func claudeInvocation(req commandSpec) string {
	tools := req.allowedTools
	if len(tools) == 0 {
		tools = defaultAllowedTools
	}
	toolsArg := shellquote.Single(strings.Join(tools, ","))

	if req.resumeSession != "" {
		return fmt.Sprintf(
			"claude -p --resume %s --output-format stream-json --verbose --allowedTools %s",
			shellquote.Single(req.resumeSession), toolsArg,
		)
	}
	return fmt.Sprintf(
		"claude -p %s --output-format stream-json --verbose --allowedTools %s",
		shellquote.Single(req.framedPrompt), toolsArg,
	)
}

// ptyWrap allocates a pseudo-terminal for the CLI's startup handshake; run
// without one, the CLI blocks waiting for an interactive terminal (spec.md
// §4.5 step 2).
func ptyWrap(command string) string {
	return fmt.Sprintf("script -qc %s /dev/null", shellquote.Single(command))
}
