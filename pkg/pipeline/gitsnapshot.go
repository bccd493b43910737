package pipeline

import (
	"context"
	"fmt"
	"strings"

	"spyre/pkg/models"
	"spyre/pkg/shellquote"
	"spyre/pkg/sshpool"
)

// captureSnapshot runs the three read-only git commands that make up a
// context snapshot over ch and returns the result for the caller to append
// to the pipeline's snapshot log. Failures are tolerated: a repo-less working directory (or
// a transport hiccup) yields an empty snapshot rather than blocking the
// caller, matching the "best-effort" framing spec.md uses for everything
// that reads back from the remote host (§4.6, §4.7).
func captureSnapshot(ctx context.Context, ch sshpool.Channel, workingDir, pipelineID string, stepID *string, typ models.SnapshotType) *models.PipelineContextSnapshot {
	dir := shellquote.Single(workingDir)

	diff := runGit(ctx, ch, fmt.Sprintf("git -C %s diff HEAD", dir))
	status := runGit(ctx, ch, fmt.Sprintf("git -C %s status --porcelain", dir))
	commit := strings.TrimSpace(runGit(ctx, ch, fmt.Sprintf("git -C %s rev-parse HEAD", dir)))

	return &models.PipelineContextSnapshot{
		PipelineID: pipelineID,
		StepID:     stepID,
		Type:       typ,
		Diff:       diff,
		Status:     status,
		CommitHash: commit,
	}
}

func runGit(ctx context.Context, ch sshpool.Channel, command string) string {
	res, err := ch.Exec(ctx, command)
	if err != nil || res.Code != 0 {
		return ""
	}
	return res.Stdout
}
