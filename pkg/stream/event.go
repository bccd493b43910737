// Package stream implements the incremental newline-delimited-JSON parser
// (C4, spec.md §4.4) that turns the Claude CLI's stdout chunks into typed
// Task Events. Per spec.md §9 ("untyped JSON for stream events"), each
// parsed line becomes one of a small closed set of Go types rather than a
// generic map, while the raw JSON line is kept alongside for the durable
// event log.
package stream

import (
	"encoding/json"

	"spyre/pkg/models"
)

// Event is the sum type produced by the parser. ToolUse is set only on
// tool_use events and Result only on result events; init, text and
// tool_result events carry just Raw and the summary — callers should
// switch on Kind.
type Event struct {
	Kind models.TaskEventType
	Raw  json.RawMessage

	// Populated depending on Kind.
	ToolUse    *ToolUseDetail
	Result     *ResultDetail
	SummaryStr string
}

// ToolUseDetail carries the tool name and a tool-specific projection of its
// input, used to build the "<toolName>: <detail>" summary.
type ToolUseDetail struct {
	Tool   string
	Detail string
}

// ResultDetail carries the fields the dispatcher persists from a result
// event: final text, cost and the CLI's session id for later resume.
type ResultDetail struct {
	Text      string
	CostUSD   *float64
	SessionID *string
	DurationS *float64
}

// Summary returns the truncated, human-readable summary for this event as
// specified in spec.md §4.4 (init: fixed string; tool_use: ≤100 chars;
// text/tool_result: ≤200 chars; result: "Complete: Ns, $X.XXXX").
func (e Event) Summary() string {
	return e.SummaryStr
}
