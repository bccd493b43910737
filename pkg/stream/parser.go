package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"spyre/pkg/models"
)

const (
	toolUseSummaryLimit = 100
	textSummaryLimit    = 200
)

// Parser incrementally parses arbitrary byte chunks of newline-delimited
// JSON into a sequence of Events, buffering the trailing incomplete line
// between calls to Feed. It also tracks the running session id, cost and
// final result string the dispatcher persists on task completion.
//
// A Parser is not safe for concurrent use; the dispatcher owns one Parser
// per task and feeds it from a single reader goroutine.
type Parser struct {
	buf bytes.Buffer

	sessionID   string
	costUSD     float64
	haveCost    bool
	finalResult string
	haveResult  bool
}

// NewParser constructs an empty Parser.
func NewParser() *Parser { return &Parser{} }

// SessionID returns the most recently observed session id, if any.
func (p *Parser) SessionID() (string, bool) { return p.sessionID, p.sessionID != "" }

// CostUSD returns the most recently observed cost, if any.
func (p *Parser) CostUSD() (float64, bool) { return p.costUSD, p.haveCost }

// FinalResult returns the most recently observed result text, if any.
func (p *Parser) FinalResult() (string, bool) { return p.finalResult, p.haveResult }

// Feed appends chunk to the internal buffer and parses every complete
// newline-terminated line it now contains, returning the Events produced
// in stream order. The trailing incomplete line (if any) is retained for
// the next Feed or for Flush.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)

	var events []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)

		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush attempts to parse whatever remains in the buffer as a final,
// unterminated line (the remote process closed without a trailing
// newline). The buffer is cleared regardless of success.
func (p *Parser) Flush() []Event {
	remaining := p.buf.Bytes()
	if len(remaining) == 0 {
		return nil
	}
	line := make([]byte, len(remaining))
	copy(line, remaining)
	p.buf.Reset()

	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// parseLine classifies a single complete line. Invalid JSON is silently
// skipped, per spec.md §4.4 ("not fatal").
func (p *Parser) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, false
	}

	rawMsg := json.RawMessage(append([]byte(nil), line...))
	typ, _ := raw["type"].(string)

	switch typ {
	case "system":
		return Event{Kind: models.TaskEventInit, Raw: rawMsg, SummaryStr: "Session started"}, true

	case "assistant":
		return p.classifyAssistant(raw, rawMsg), true

	case "tool_result":
		return Event{
			Kind:       models.TaskEventToolResult,
			Raw:        rawMsg,
			SummaryStr: truncate(stringifyContent(raw["content"]), textSummaryLimit),
		}, true

	case "result":
		return p.classifyResult(raw, rawMsg), true

	default:
		return Event{
			Kind:       models.TaskEventText,
			Raw:        rawMsg,
			SummaryStr: truncate(string(line), textSummaryLimit),
		}, true
	}
}

func (p *Parser) classifyAssistant(raw map[string]any, rawMsg json.RawMessage) Event {
	msg, _ := raw["message"].(map[string]any)
	var content []any
	if msg != nil {
		content, _ = msg["content"].([]any)
	}
	if content == nil {
		content, _ = raw["content"].([]any)
	}

	var toolUses []ToolUseDetail
	var texts []string

	for _, blockAny := range content {
		block, ok := blockAny.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "tool_use":
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			toolUses = append(toolUses, ToolUseDetail{Tool: name, Detail: toolDetail(name, input)})
		case "text":
			if t, ok := block["text"].(string); ok {
				texts = append(texts, t)
			}
		}
	}

	if len(toolUses) > 0 {
		first := toolUses[0]
		summary := truncate(fmt.Sprintf("%s: %s", first.Tool, first.Detail), toolUseSummaryLimit)
		return Event{Kind: models.TaskEventToolUse, Raw: rawMsg, ToolUse: &first, SummaryStr: summary}
	}

	text := strings.Join(texts, "")
	return Event{Kind: models.TaskEventText, Raw: rawMsg, SummaryStr: truncate(text, textSummaryLimit)}
}

func (p *Parser) classifyResult(raw map[string]any, rawMsg json.RawMessage) Event {
	detail := &ResultDetail{}

	if result, ok := raw["result"].(string); ok {
		detail.Text = result
		p.finalResult = result
		p.haveResult = true
	}
	if cost, ok := raw["cost_usd"].(float64); ok {
		detail.CostUSD = &cost
		p.costUSD = cost
		p.haveCost = true
	} else if cost, ok := raw["total_cost_usd"].(float64); ok {
		detail.CostUSD = &cost
		p.costUSD = cost
		p.haveCost = true
	}
	if sid, ok := raw["session_id"].(string); ok && sid != "" {
		detail.SessionID = &sid
		p.sessionID = sid
	}
	if d, ok := raw["duration_ms"].(float64); ok {
		secs := d / 1000
		detail.DurationS = &secs
	}

	summary := "Complete"
	if detail.DurationS != nil && detail.CostUSD != nil {
		summary = fmt.Sprintf("Complete: %.0fs, $%.4f", *detail.DurationS, *detail.CostUSD)
	}

	return Event{Kind: models.TaskEventResult, Raw: rawMsg, Result: detail, SummaryStr: summary}
}

// toolDetail projects a tool's input into the single most useful string
// for a human skimming the event log, per spec.md §4.4.
func toolDetail(tool string, input map[string]any) string {
	switch tool {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			return cmd
		}
	case "Read", "Write", "Edit":
		if fp, ok := input["file_path"].(string); ok {
			return fp
		}
	case "Grep":
		pattern, _ := input["pattern"].(string)
		path, _ := input["path"].(string)
		if path != "" {
			return fmt.Sprintf("%s %s", pattern, path)
		}
		return pattern
	}
	b, _ := json.Marshal(input)
	return string(b)
}

// stringifyContent renders an arbitrary tool_result "content" field (which
// may be a string or a content-block array) as a single string.
func stringifyContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
