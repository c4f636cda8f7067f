package toolspec

import (
	"strings"

	"github.com/haasonsaas/idlehands/internal/tools/security"
)

// SafetyTier classifies a tool call's blast radius for the approval
// workflow (spec.md §4.4): forbidden calls are always rejected, cautious
// calls require approval unless the session is running unattended (yolo
// mode), and ok calls run without interception.
type SafetyTier int

const (
	TierOK SafetyTier = iota
	TierCautious
	TierForbidden
)

// forbiddenCommandPrefixes names exec commands that are never allowed
// regardless of approval mode — spec.md §4.4 "no approval mode may
// authorize these".
var forbiddenCommandPrefixes = []string{
	"rm -rf /",
	"rm -rf /*",
	":(){ :|:& };:", // fork bomb
	"mkfs",
	"dd if=/dev/zero of=/dev/",
	"> /dev/sda",
}

// cautiousRiskTokens are shell metacharacter risk categories from
// internal/tools/security that push an otherwise-ok exec call to cautious.
var cautiousRiskTokens = map[string]bool{
	"redirect":      true,
	"subshell":      true,
	"background":    true,
	"command_chain": true,
}

// ScreenCommand classifies an exec tool call's command string.
func ScreenCommand(command string) (SafetyTier, string) {
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, forbidden := range forbiddenCommandPrefixes {
		if strings.Contains(normalized, strings.ToLower(forbidden)) {
			return TierForbidden, "matches forbidden command pattern: " + forbidden
		}
	}

	analysis := security.AnalyzeCommandQuoteAware(command)
	if analysis.IsSafe {
		return TierOK, ""
	}
	for _, tok := range analysis.DangerousTokens {
		if cautiousRiskTokens[tok.Risk] {
			return TierCautious, analysis.Reason
		}
	}
	return TierCautious, analysis.Reason
}

// pathMutatorForbiddenRoots are filesystem roots a mutating tool may never
// write under, regardless of scope configuration (spec.md §4.4).
var pathMutatorForbiddenRoots = []string{
	"/etc", "/sys", "/proc", "/boot", "/dev",
}

// ScreenPath classifies a filesystem-mutating tool call's target path.
func ScreenPath(path string) (SafetyTier, string) {
	clean := strings.TrimSpace(path)
	for _, root := range pathMutatorForbiddenRoots {
		if clean == root || strings.HasPrefix(clean, root+"/") {
			return TierForbidden, "path falls under a protected system root: " + root
		}
	}
	if strings.Contains(clean, "..") {
		return TierCautious, "path contains a parent-directory traversal segment"
	}
	return TierOK, ""
}
