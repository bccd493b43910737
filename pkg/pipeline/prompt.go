package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"spyre/pkg/models"
)

// maxDiffChars bounds the cumulative-diff section of a step prompt
// (spec.md §4.7 "Prompt framing for a step").
const maxDiffChars = 5000

// frameStepPrompt composes the six-part prompt spec.md §4.7 describes for
// dispatching an agent step. personaNames maps persona ids to display
// names and may lack an entry for a step's persona; latestDiff is the
// most recent step_complete snapshot's diff, if any.
func frameStepPrompt(p *models.Pipeline, steps []*models.PipelineStep, step *models.PipelineStep, personaNames map[string]string, latestDiff string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Pipeline: %s\n", p.Name)
	if p.Description != "" {
		b.WriteString(p.Description)
		b.WriteString("\n")
	}

	prior := priorWorkStanzas(steps, step, personaNames)
	if prior != "" {
		b.WriteString("\n## Prior work\n")
		b.WriteString(prior)
	}

	if feedback := lastRevisionFeedback(steps, step); feedback != "" {
		fmt.Fprintf(&b, "\n## Reviewer feedback\n> %s\n", feedback)
	}

	if latestDiff != "" {
		b.WriteString("\n## Cumulative diff\n")
		b.WriteString(truncateDiff(latestDiff))
	}

	b.WriteString("\n\n")
	if step.PromptTemplate != "" {
		b.WriteString(step.PromptTemplate)
	} else {
		b.WriteString("Complete the next stage of work.")
	}

	if step.Iteration > 0 {
		fmt.Fprintf(&b, "\n\nThis is revision #%d. Address the reviewer feedback above.", step.Iteration)
	}

	return b.String()
}

// priorWorkStanzas renders one stanza per completed/skipped step at a
// position strictly earlier than step's.
func priorWorkStanzas(steps []*models.PipelineStep, step *models.PipelineStep, personaNames map[string]string) string {
	ordered := append([]*models.PipelineStep(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var b strings.Builder
	for _, s := range ordered {
		if s.Position >= step.Position {
			continue
		}
		if s.Status != models.StepCompleted && s.Status != models.StepSkipped {
			continue
		}
		persona := ""
		if s.PersonaID != nil {
			persona = personaNames[*s.PersonaID]
		}
		fmt.Fprintf(&b, "- **%s**", s.Label)
		if persona != "" {
			fmt.Fprintf(&b, " (%s)", persona)
		}
		if s.ResultSummary != nil && *s.ResultSummary != "" {
			fmt.Fprintf(&b, ": %s", *s.ResultSummary)
		}
		if s.GateFeedback != nil && *s.GateFeedback != "" {
			fmt.Fprintf(&b, " — gate feedback: %s", *s.GateFeedback)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// lastRevisionFeedback returns the feedback quoted from the most recent
// gate step (earlier than step) whose gate_result is "revised".
func lastRevisionFeedback(steps []*models.PipelineStep, step *models.PipelineStep) string {
	var best *models.PipelineStep
	for _, s := range steps {
		if s.Position >= step.Position || s.Type != models.StepGate {
			continue
		}
		if s.GateResult == nil || *s.GateResult != models.GateRevised {
			continue
		}
		if s.GateFeedback == nil || *s.GateFeedback == "" {
			continue
		}
		if best == nil || s.Position > best.Position {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return *best.GateFeedback
}

func truncateDiff(diff string) string {
	if len(diff) <= maxDiffChars {
		return diff
	}
	return diff[:maxDiffChars] + "\n... (truncated)"
}

func truncateResult(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
