package loopguard

import (
	"fmt"
	"strings"
	"time"
)

// dedupeBanner prefixes a cache-hit result body, mirroring spec.md §4.5's
// literal "[idlehands dedupe]" marker so the model can see it skipped
// re-execution.
const dedupeBanner = "[idlehands dedupe] "

// CheckReadCache looks up a memoized result for a read-only tool call keyed
// on its canonical signature and the current mtimes of paths. A cache hit is
// only valid while every watched path's mtime is unchanged and the entry has
// not exceeded the configured TTL.
func (g *Guard) CheckReadCache(tool string, args map[string]string, paths []string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.cfg.ReadOnlyTools[tool] {
		return "", false
	}
	g.tel.ReadCacheLookups++

	sig := Signature(tool, args)
	entry, ok := g.readCache[sig]
	if !ok {
		return "", false
	}
	if g.cfg.ReadCacheTTL > 0 && time.Since(entry.storedAt) > g.cfg.ReadCacheTTL {
		delete(g.readCache, sig)
		return "", false
	}
	current := statPaths(paths)
	if !mtimesEqual(entry.mtimes, current) {
		delete(g.readCache, sig)
		return "", false
	}

	g.tel.ReadCacheHits++
	return dedupeBanner + entry.body, true
}

// StoreReadCache memoizes a read-only tool call's result against the mtimes
// of the paths it read, for later CheckReadCache hits.
func (g *Guard) StoreReadCache(tool string, args map[string]string, paths []string, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.cfg.ReadOnlyTools[tool] {
		return
	}
	sig := Signature(tool, args)
	g.readCache[sig] = &readCacheEntry{
		mtimes:   statPaths(paths),
		body:     body,
		storedAt: time.Now(),
	}
}

// IsReadOnlyExec reports whether an exec command matches one of the
// configured read-only patterns (spec.md §4.5's grep/rg/ls/cat/stat/git-log
// allowlist), making it eligible for observation caching instead of the
// file-backed read cache.
func (g *Guard) IsReadOnlyExec(command string) bool {
	norm := NormalizeCommand(command)
	for _, pat := range g.cfg.ReadOnlyExecPatterns {
		if matchesPrefix(pat, norm) {
			return true
		}
	}
	return false
}

// matchesPrefix is a tiny `^word\b` matcher, avoiding a regexp compile per
// call on the hot tool-dispatch path; ReadOnlyExecPatterns entries are
// always of that exact shape.
func matchesPrefix(pattern, s string) bool {
	word := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), `\b`)
	if !strings.HasPrefix(s, word) {
		return false
	}
	rest := s[len(word):]
	return rest == "" || rest[0] == ' '
}

// CheckExecObservation returns a memoized read-only exec result if the
// mutation tick has not advanced since it was stored — any successful
// mutating tool call invalidates every cached exec observation, since a
// read-only command's output may now be stale.
func (g *Guard) CheckExecObservation(command string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	norm := NormalizeCommand(command)
	obs, ok := g.execObservations[norm]
	if !ok || obs.mutationVersion != g.mutationVersion {
		return "", false
	}
	obs.count++
	return dedupeBanner + fmt.Sprintf("(observed %d times) %s", obs.count, obs.output), true
}

// StoreExecObservation memoizes a read-only exec command's output against
// the current mutation tick.
func (g *Guard) StoreExecObservation(command, output string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	norm := NormalizeCommand(command)
	g.execObservations[norm] = &execObservation{
		output:          output,
		count:           1,
		mutationVersion: g.mutationVersion,
	}
}
