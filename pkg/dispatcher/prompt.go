package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"spyre/pkg/models"
)

const personaInstructionLimit = 500

// ProgressSnapshot is the subset of a working directory's progress.json
// folded into the framed prompt (spec.md §4.5).
type ProgressSnapshot struct {
	LastActivity string   `json:"last_activity"`
	Blockers     []string `json:"blockers"`
	ActivePhase  string   `json:"active_phase"`
}

// parseProgressSnapshot decodes the raw contents of a remote progress.json,
// returning the zero value on any read or parse failure — a missing or
// malformed snapshot never blocks dispatch (spec.md §4.5 treats it as
// purely additive context).
func parseProgressSnapshot(raw string) ProgressSnapshot {
	var snap ProgressSnapshot
	_ = json.Unmarshal([]byte(raw), &snap)
	return snap
}

// promptFramer builds the framed prompt described in spec.md §4.5 as an
// immutable value: every With* method returns a new framer rather than
// mutating the receiver (spec.md §9 calls for replacing scattered
// string-concatenation prompt assembly with a single deterministic
// builder). Build is a pure function of the accumulated
// fields — two framers with equal fields always Build to the same string
// (the R2 round-trip law).
type promptFramer struct {
	persona          *models.Persona
	repoURL          string
	repoBranch       string
	workingDir       string
	progress         *ProgressSnapshot
	siblingDevNames  []string
	rawPrompt        string
}

// newPromptFramer seeds a framer with the raw prompt it will ultimately
// wrap. Every other field defaults to "absent" and is added via With*.
func newPromptFramer(rawPrompt string) promptFramer {
	return promptFramer{rawPrompt: rawPrompt}
}

func (f promptFramer) WithPersona(p *models.Persona) promptFramer {
	f.persona = p
	return f
}

func (f promptFramer) WithProjectContext(repoURL, repoBranch, workingDir string) promptFramer {
	f.repoURL = repoURL
	f.repoBranch = repoBranch
	f.workingDir = workingDir
	return f
}

func (f promptFramer) WithProgress(p ProgressSnapshot) promptFramer {
	f.progress = &p
	return f
}

func (f promptFramer) WithSiblingDevContainers(names []string) promptFramer {
	f.siblingDevNames = append([]string(nil), names...)
	return f
}

// Build renders the final prompt text. Section order is fixed: persona
// preamble, project context, progress snapshot, sibling dev-containers,
// then the "## Task" header and the raw prompt (spec.md §4.5).
func (f promptFramer) Build() string {
	var b strings.Builder

	if f.persona != nil {
		instructions := f.persona.Instructions
		if len(instructions) > personaInstructionLimit {
			instructions = instructions[:personaInstructionLimit]
		}
		fmt.Fprintf(&b, "You are %s, a %s.\n", f.persona.Name, f.persona.Role)
		if instructions != "" {
			b.WriteString(instructions)
			b.WriteString("\n")
		}
	}

	if f.repoURL != "" || f.repoBranch != "" || f.workingDir != "" {
		b.WriteString("## Project context\n")
		if f.workingDir != "" {
			fmt.Fprintf(&b, "Directory: %s\n", f.workingDir)
		}
		if f.repoURL != "" {
			fmt.Fprintf(&b, "Repository: %s\n", f.repoURL)
		}
		if f.repoBranch != "" {
			fmt.Fprintf(&b, "Branch: %s\n", f.repoBranch)
		}
	}

	if f.progress != nil {
		p := f.progress
		if p.LastActivity != "" || p.ActivePhase != "" || len(p.Blockers) > 0 {
			b.WriteString("## Progress\n")
			if p.ActivePhase != "" {
				fmt.Fprintf(&b, "Active phase: %s\n", p.ActivePhase)
			}
			if p.LastActivity != "" {
				fmt.Fprintf(&b, "Last activity: %s\n", p.LastActivity)
			}
			if len(p.Blockers) > 0 {
				fmt.Fprintf(&b, "Blockers: %s\n", strings.Join(p.Blockers, "; "))
			}
		}
	}

	if len(f.siblingDevNames) > 0 {
		fmt.Fprintf(&b, "## Sibling dev-containers\n%s\n", strings.Join(f.siblingDevNames, ", "))
	}

	b.WriteString("## Task\n")
	b.WriteString(f.rawPrompt)

	return b.String()
}
