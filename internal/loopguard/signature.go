// Package loopguard implements the Tool-Loop Guard (spec.md §4.5): the
// component that breaks the three pathologies that wreck long agent
// sessions — re-reading the same file forever, re-running the same
// command, and ping-ponging between two tools. There is no teacher
// equivalent for this exact shape (the teacher's internal/agent has no
// repetition detector); it is grounded on the generic toolloop pattern
// found in other_examples (vanducng-goclaw's internal agent loop), adapted
// to the orchestrator's recovery-ladder and read-cache contract.
package loopguard

import (
	"regexp"
	"sort"
	"strings"
)

var wsCollapse = regexp.MustCompile(`\s+`)

// cdPrefix strips a leading "cd X && " shim so two commands that differ
// only in working-directory navigation still collapse to one signature.
var cdPrefix = regexp.MustCompile(`^cd\s+\S+\s*&&\s*`)

// Signature computes the canonical "tool|k1=v1|k2=v2|…" string the guard
// keys all repetition detection on (spec.md §4.5). Keys are sorted so
// argument order never produces a distinct signature for the same call.
func Signature(tool string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(tool)
	for _, k := range keys {
		v := args[k]
		if tool == "exec" && k == "command" {
			v = NormalizeCommand(v)
		}
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// NormalizeCommand collapses whitespace and strips a "cd X && " navigation
// prefix so exec signatures classify on the command's effect, not its
// incidental formatting (spec.md §4.5 "normalized command text").
func NormalizeCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	cmd = cdPrefix.ReplaceAllString(cmd, "")
	cmd = wsCollapse.ReplaceAllString(cmd, " ")
	return cmd
}
