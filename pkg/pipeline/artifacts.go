package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"spyre/pkg/shellquote"
	"spyre/pkg/sshpool"
)

// pathPattern extracts candidate file paths from free-form agent result
// text: anything that looks like a relative or absolute filesystem path
// with a file extension, loosely grounded on the shapes Claude's result
// summaries tend to mention ("wrote internal/foo/bar.go", "updated
// ./config.yaml").
var pathPattern = regexp.MustCompile(`[./]?[\w\-/]+\.[a-zA-Z0-9]{1,8}\b`)

// extractCandidatePaths runs the path extractor over every completed
// step's result summary, deduplicating as it goes (spec.md §4.7 "Output
// artifact extraction").
func extractCandidatePaths(summaries []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range summaries {
		for _, m := range pathPattern.FindAllString(s, -1) {
			m = strings.Trim(m, ".,:;()[]\"'")
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// verifyPathsExist checks each candidate path for existence under
// workingDir on the remote host, keeping only the ones that are real
// files (spec.md: "verified to exist under the project dir").
func verifyPathsExist(ctx context.Context, ch sshpool.Channel, workingDir string, candidates []string) []string {
	if len(candidates) == 0 {
		return nil
	}
	var quoted []string
	for _, c := range candidates {
		quoted = append(quoted, shellquote.Single(strings.TrimPrefix(c, "./")))
	}
	dir := shellquote.Single(workingDir)
	cmd := fmt.Sprintf("cd %s && for f in %s; do [ -f \"$f\" ] && echo \"$f\"; done", dir, strings.Join(quoted, " "))

	res, err := ch.Exec(ctx, cmd)
	if err != nil || res.Code != 0 {
		return nil
	}
	var found []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			found = append(found, line)
		}
	}
	return found
}

// detectServices performs best-effort detection of listening services in
// the environment by parsing `ss -ltnp` output for process names, the
// same "list + parse" shape the provisioner and dispatcher use for every
// other remote introspection call (grounded on spec.md §6's remote
// command contract: every call returns {code, stdout, stderr} to be
// parsed by the caller, never a typed RPC response).
func detectServices(ctx context.Context, ch sshpool.Channel) []string {
	res, err := ch.Exec(ctx, "ss -ltnp 2>/dev/null")
	if err != nil || res.Code != 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		idx := strings.Index(line, "users:((\"")
		if idx == -1 {
			continue
		}
		rest := line[idx+len("users:((\""):]
		end := strings.Index(rest, "\"")
		if end == -1 {
			continue
		}
		name := rest[:end]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
