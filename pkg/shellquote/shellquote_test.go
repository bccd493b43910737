package shellquote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleEscapesEmbeddedQuote(t *testing.T) {
	got := Single(`it's a test`)
	assert.Equal(t, `'it'\''s a test'`, got)
}

func TestSingleEmpty(t *testing.T) {
	assert.Equal(t, "''", Single(""))
}

func TestHeredocWrapsSentinel(t *testing.T) {
	out := Heredoc("/root/.claude.json", ClaudeConfigEOF, `{"a":1}`)
	assert.True(t, strings.HasPrefix(out, "cat > '/root/.claude.json' <<'SPYRE_CLAUDE_CONFIG_EOF'\n"))
	assert.True(t, strings.HasSuffix(out, "SPYRE_CLAUDE_CONFIG_EOF\n"))
	assert.Contains(t, out, `{"a":1}`)
}

func TestAndChainSkipsEmpty(t *testing.T) {
	got := AndChain("cd /tmp", "", "echo hi")
	assert.Equal(t, "cd /tmp && echo hi", got)
}
