package loopguard

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action is the guard's verdict for a single tool call.
type Action int

const (
	// ActionExecute runs the tool call normally.
	ActionExecute Action = iota
	// ActionReplay returns a "replayed from <id>" stub without re-executing
	// (within-turn dedupe for an identical signature already run this turn).
	ActionReplay
	// ActionCacheHit returns the cached read-file/read-only-exec result
	// without re-executing.
	ActionCacheHit
	// ActionWarn runs the call but the caller should append a warning
	// advisory to the result (generic-repeat warn threshold crossed).
	ActionWarn
	// ActionForceToolsDisabled signals the orchestrator to run one
	// tools-disabled turn (first critical strike recovery, spec.md §4.5).
	ActionForceToolsDisabled
	// ActionLoopBreak signals the orchestrator to abort the session with
	// AgentLoopBreak (criticality recurred after the recovery turn).
	ActionLoopBreak
	// ActionBlockedMutation signals a per-file mutation spiral has hit its
	// hard cap; the path stays blocked until a git checkout/restore resets it.
	ActionBlockedMutation
)

// ErrLoopBreak is the sentinel the orchestrator checks for to abort an ask,
// matching the teacher's wrapped-sentinel error idiom (agent.ErrMaxIterations,
// sessions.ErrLockTimeout).
var ErrLoopBreak = errors.New("tool loop detected, recovery turn did not resolve it")

// LoopBreakError wraps ErrLoopBreak with the detector and signature that
// tripped it, for the orchestrator's AgentLoopBreak error taxonomy (spec.md §7).
type LoopBreakError struct {
	Detector  string
	Signature string
}

func (e *LoopBreakError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrLoopBreak, e.Signature, e.Detector)
}

func (e *LoopBreakError) Unwrap() error { return ErrLoopBreak }

// Threshold is a warn/critical signature-count pair.
type Threshold struct {
	Warn     int
	Critical int
}

// Config configures guard behavior. Thresholds default to spec.md §4.5's
// documented defaults (warn=3/critical=6 for read tools and exec, 2/3 for
// mutators) when zero.
type Config struct {
	DefaultThreshold Threshold
	ByTool           map[string]Threshold
	ReadCacheTTL     time.Duration

	// ReadOnlyTools names tools whose args are canonicalized and mtime-cached
	// (read_file, read_files, list_dir by default).
	ReadOnlyTools map[string]bool
	// ReadOnlyExecPatterns classifies exec commands eligible for observation
	// caching (spec.md §9 "treat as configuration, not a fixed enum").
	ReadOnlyExecPatterns []string
	// MutatingTools names tools that increment the per-file mutation spiral
	// counter when they touch a path (write_file, edit_file, edit_range, ...).
	MutatingTools map[string]bool

	// MutationWarnAt/BlockAt are the per-file mutation spiral thresholds
	// (spec.md §4.5 defaults: warn at 4, block at 8).
	MutationWarnAt  int
	MutationBlockAt int
}

// DefaultConfig returns spec.md §4.5's documented thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultThreshold: Threshold{Warn: 3, Critical: 6},
		ByTool: map[string]Threshold{
			"exec":       {Warn: 3, Critical: 6},
			"write_file": {Warn: 2, Critical: 3},
			"edit_file":  {Warn: 2, Critical: 3},
			"edit_range": {Warn: 2, Critical: 3},
		},
		ReadCacheTTL: 10 * time.Minute,
		ReadOnlyTools: map[string]bool{
			"read_file": true, "read_files": true, "list_dir": true,
		},
		ReadOnlyExecPatterns: []string{
			`^grep\b`, `^rg\b`, `^ls\b`, `^cat\b`, `^stat\b`, `^git log\b`, `^git diff\b`, `^git status\b`, `^find\b`, `^wc\b`,
		},
		MutatingTools: map[string]bool{
			"write_file": true, "edit_file": true, "edit_range": true, "insert_file": true, "apply_patch": true,
		},
		MutationWarnAt:  4,
		MutationBlockAt: 8,
	}
}

func (c Config) thresholdFor(tool string) Threshold {
	if t, ok := c.ByTool[tool]; ok {
		return t
	}
	return c.DefaultThreshold
}

// Telemetry mirrors spec.md §4.5's counter block, exposed through session stats.
type Telemetry struct {
	CallsRegistered    int64
	DedupedReplays     int64
	ReadCacheLookups   int64
	ReadCacheHits      int64
	Warnings           int64
	Criticals          int64
	RecoveryRecommended int64
}

// readCacheEntry is one memoized read_file/read_files/list_dir result.
type readCacheEntry struct {
	mtimes map[string]time.Time
	body   string
	storedAt time.Time
}

// execObservation is one memoized read-only exec result.
type execObservation struct {
	output          string
	count           int
	mutationVersion uint64
}

// Guard tracks repetition and mutation state for a single ask (spec.md
// §4.6 "State per ask"). Construct a new Guard per ask; it is not shared
// across asks on the same session.
type Guard struct {
	mu sync.Mutex

	cfg Config
	tel Telemetry

	turnSignatures   map[string]string // signature -> canonical tool_call_id, reset each turn
	acrossTurnCounts map[string]int
	lastExecResult   map[string]string // signature -> last observed output, for poll-without-progress
	pingPongHistory  []string          // recent tool names, for A-B-A-B detection

	readCache        map[string]*readCacheEntry
	execObservations map[string]*execObservation

	mutationCounts  map[string]int // absolute path -> mutation count
	blockedPaths    map[string]bool
	mutationVersion uint64 // monotonic tick bumped by any file-mutating tool

	recoveryTurnPending bool // a forced tools-disabled turn has been scheduled
	recoveryTurnUsed    bool // the one allowed recovery turn has already run
}

// New creates a Guard for one ask.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:              cfg,
		turnSignatures:   make(map[string]string),
		acrossTurnCounts: make(map[string]int),
		lastExecResult:   make(map[string]string),
		readCache:        make(map[string]*readCacheEntry),
		execObservations: make(map[string]*execObservation),
		mutationCounts:   make(map[string]int),
		blockedPaths:     make(map[string]bool),
	}
}

// NewTurn resets within-turn dedupe state at the start of each assistant turn.
func (g *Guard) NewTurn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turnSignatures = make(map[string]string)
}

// Telemetry returns a snapshot of the guard's counters.
func (g *Guard) Telemetry() Telemetry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tel
}

// RecordMutation bumps the monotonic mutation tick and the per-path spiral
// counter for path. Call this after a mutating tool succeeds.
func (g *Guard) RecordMutation(path string) (action Action) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.mutationVersion++
	g.mutationCounts[path]++
	n := g.mutationCounts[path]

	switch {
	case n >= g.cfg.MutationBlockAt:
		g.blockedPaths[path] = true
		return ActionBlockedMutation
	case n >= g.cfg.MutationWarnAt:
		return ActionWarn
	default:
		return ActionExecute
	}
}

// ResetMutationSpiral clears path's mutation counter and unblocks it, called
// when a `git checkout`/`git restore` of that path is observed.
func (g *Guard) ResetMutationSpiral(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.mutationCounts, path)
	delete(g.blockedPaths, path)
}

// IsPathBlocked reports whether path is currently blocked by the per-file
// mutation spiral guard.
func (g *Guard) IsPathBlocked(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedPaths[path]
}

// Check runs within-turn dedupe and across-turn repetition detection for a
// tool call and returns the action the orchestrator should take. canonicalID
// is the tool_call_id to remember as the "replayed from" source for
// subsequent identical calls in the same turn.
func (g *Guard) Check(tool string, args map[string]string, canonicalID string) Action {
	g.mu.Lock()
	defer g.mu.Unlock()

	sig := Signature(tool, args)
	g.tel.CallsRegistered++

	if _, seen := g.turnSignatures[sig]; seen {
		g.tel.DedupedReplays++
		return ActionReplay
	}
	g.turnSignatures[sig] = canonicalID

	g.acrossTurnCounts[sig]++
	count := g.acrossTurnCounts[sig]
	th := g.cfg.thresholdFor(tool)

	if g.pingPong(tool) {
		count = th.Critical // escalate ping-pong straight to critical handling
	}

	switch {
	case count >= th.Critical:
		g.tel.Criticals++
		if g.recoveryTurnUsed {
			g.tel.RecoveryRecommended++
			return ActionLoopBreak
		}
		g.recoveryTurnPending = true
		return ActionForceToolsDisabled
	case count >= th.Warn:
		g.tel.Warnings++
		return ActionWarn
	default:
		return ActionExecute
	}
}

// ReplayedFrom returns the tool_call_id a duplicate signature was first
// registered under this turn, for building the "replayed from <id>" stub.
func (g *Guard) ReplayedFrom(tool string, args map[string]string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.turnSignatures[Signature(tool, args)]
	return id, ok
}

// ConsumeRecoveryTurn marks the one allowed tools-disabled recovery turn as
// having run, so a subsequent critical strike for the same signature aborts
// with AgentLoopBreak instead of granting another recovery turn.
func (g *Guard) ConsumeRecoveryTurn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recoveryTurnPending = false
	g.recoveryTurnUsed = true
}

// RecoveryTurnPending reports whether a forced tools-disabled turn is owed
// before the next normal request.
func (g *Guard) RecoveryTurnPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recoveryTurnPending
}

func (g *Guard) pingPong(tool string) bool {
	g.pingPongHistory = append(g.pingPongHistory, tool)
	if len(g.pingPongHistory) > 8 {
		g.pingPongHistory = g.pingPongHistory[len(g.pingPongHistory)-8:]
	}
	n := len(g.pingPongHistory)
	if n < 4 {
		return false
	}
	a, b := g.pingPongHistory[n-1], g.pingPongHistory[n-2]
	if a == b {
		return false
	}
	return g.pingPongHistory[n-3] == a && g.pingPongHistory[n-4] == b
}

// statPaths returns each path's mtime, or the zero time if it cannot be stat'd.
func statPaths(paths []string) map[string]time.Time {
	out := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			out[p] = info.ModTime()
		} else {
			out[p] = time.Time{}
		}
	}
	return out
}

func mtimesEqual(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || !bv.Equal(v) {
			return false
		}
	}
	return true
}
