// Package shellquote centralizes the shell quoting/escaping used by every
// remote exec path (dispatcher, provisioner, credential propagation). See
// spec.md §9 "Patterns requiring re-architecture" — string-concatenation
// shell composition must go through a single utility.
package shellquote

import "strings"

// Single wraps s in single quotes, escaping any embedded single quote as
// '\'' (close quote, escaped literal quote, reopen quote). Safe for
// interpolating arbitrary content into a POSIX shell command line.
func Single(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Heredoc sentinel markers, chosen not to appear in the content they wrap.
const (
	CredentialsEOF = "SPYRE_CREDS_EOF"
	ClaudeConfigEOF = "SPYRE_CLAUDE_CONFIG_EOF"
	ScriptEOF      = "SPYRE_SCRIPT_EOF"
	FileEOF        = "SPYRE_FILE_EOF"
)

// Heredoc builds a `cat > path <<'SENTINEL' ... SENTINEL` write, quoting the
// destination path and using a quoted sentinel so the shell performs no
// parameter or command substitution inside content.
func Heredoc(path, sentinel, content string) string {
	var b strings.Builder
	b.WriteString("cat > ")
	b.WriteString(Single(path))
	b.WriteString(" <<'")
	b.WriteString(sentinel)
	b.WriteString("'\n")
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(sentinel)
	b.WriteString("\n")
	return b.String()
}

// AndChain joins non-empty commands with " && ", matching the dispatcher's
// command composition style (spec.md §4.5 step 4).
func AndChain(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " && ")
}
