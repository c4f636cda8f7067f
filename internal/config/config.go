// Package config holds the Turn Orchestrator's session configuration: the
// knobs enumerated in spec.md §6 (approval mode, timeouts, compaction
// thresholds, tool-loop detection, Vault and sub-agent policy). It follows
// the teacher's internal/config package in shape — a yaml-tagged struct
// tree loaded with gopkg.in/yaml.v3 — trimmed to the orchestrator's own
// concerns rather than the teacher's full product config.
package config

import "time"

// ApprovalMode gates mutating tools and confirmation prompts (spec.md §6).
type ApprovalMode string

const (
	ApprovalPlan     ApprovalMode = "plan"
	ApprovalReject   ApprovalMode = "reject"
	ApprovalDefault  ApprovalMode = "default"
	ApprovalAutoEdit ApprovalMode = "auto-edit"
	ApprovalYolo     ApprovalMode = "yolo"
)

// Config is the root session configuration.
type Config struct {
	ApprovalMode ApprovalMode `yaml:"approval_mode"`
	NoConfirm    bool         `yaml:"no_confirm"`
	MaxIter      int          `yaml:"max_iterations"`
	TimeoutSec   int          `yaml:"timeout"`

	ResponseTimeoutSec           int `yaml:"response_timeout"`
	ConnectionTimeoutSec         int `yaml:"connection_timeout"`
	InitialConnectionTimeoutSec int `yaml:"initial_connection_timeout"`

	Model       ModelConfig      `yaml:"model"`
	Compaction  CompactionConfig `yaml:"compaction"`
	ToolLoop    ToolLoopConfig   `yaml:"tool_loop_detection"`
	Trifecta    TrifectaConfig   `yaml:"trifecta"`
	SubAgents   SubAgentsConfig  `yaml:"sub_agents"`
}

// ModelConfig carries sampling parameters (spec.md §6 "context_window,
// max_tokens, temperature, top_p: model params").
type ModelConfig struct {
	ContextWindow int     `yaml:"context_window"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
}

// CompactionConfig mirrors spec.md §4.2's named thresholds.
type CompactionConfig struct {
	CompactAt         float64 `yaml:"compact_at"`
	CompactMinTail    int     `yaml:"compact_min_tail"`
	CompactSummary    bool    `yaml:"compact_summary"`
	SummaryMaxTokens  int     `yaml:"compact_summary_max_tokens"`
}

// ToolLoopConfig mirrors spec.md §4.5's configurable thresholds. Per-tool
// overrides are keyed by tool name; entries absent from ByTool fall back to
// Default.
type ToolLoopConfig struct {
	Default ToolLoopThreshold            `yaml:"default"`
	ByTool  map[string]ToolLoopThreshold `yaml:"by_tool"`
	ReadCacheTTL time.Duration           `yaml:"read_cache_ttl"`
}

// ToolLoopThreshold is a warn/critical signature-count pair.
type ToolLoopThreshold struct {
	Warn     int `yaml:"warn"`
	Critical int `yaml:"critical"`
}

// TrifectaVaultMode is the Vault's operating mode within the trifecta
// (agent loop + loop guard + vault) policy knob.
type TrifectaVaultMode string

const (
	VaultModeActive  TrifectaVaultMode = "active"
	VaultModePassive TrifectaVaultMode = "passive"
	VaultModeOff     TrifectaVaultMode = "off"
)

// TrifectaVaultStalePolicy controls behavior when Vault entries go stale.
type TrifectaVaultStalePolicy string

const (
	VaultStaleWarn  TrifectaVaultStalePolicy = "warn"
	VaultStaleBlock TrifectaVaultStalePolicy = "block"
)

// TrifectaConfig mirrors spec.md §6's trifecta.vault.* knobs.
type TrifectaConfig struct {
	Vault TrifectaVaultConfig `yaml:"vault"`
}

type TrifectaVaultConfig struct {
	Enabled                          bool                     `yaml:"enabled"`
	Mode                             TrifectaVaultMode        `yaml:"mode"`
	StalePolicy                      TrifectaVaultStalePolicy `yaml:"stale_policy"`
	ImmutableReviewArtifactsPerProject int                    `yaml:"immutable_review_artifacts_per_project"`
}

// SubAgentsConfig mirrors spec.md §6's sub_agents.* knobs.
type SubAgentsConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxIterations     int  `yaml:"max_iterations"`
	TimeoutSec        int  `yaml:"timeout_sec"`
	ResultTokenCap    int  `yaml:"result_token_cap"`
	InheritVault      bool `yaml:"inherit_vault"`
	InheritContextFile bool `yaml:"inherit_context_file"`
}

// Defaults returns the configuration with spec.md's documented defaults
// applied, mirroring the teacher's pattern of a standalone Defaults/New
// constructor rather than zero-value structs with scattered "if zero" checks.
func Defaults() *Config {
	return &Config{
		ApprovalMode:                ApprovalDefault,
		MaxIter:                     50,
		TimeoutSec:                  0,
		ResponseTimeoutSec:          30,
		ConnectionTimeoutSec:        10,
		InitialConnectionTimeoutSec: 10,
		Model: ModelConfig{
			ContextWindow: 100000,
			MaxTokens:     4096,
			Temperature:   0.7,
			TopP:          1.0,
		},
		Compaction: CompactionConfig{
			CompactAt:        0.8,
			CompactMinTail:   12,
			CompactSummary:   true,
			SummaryMaxTokens: 300,
		},
		ToolLoop: ToolLoopConfig{
			Default:      ToolLoopThreshold{Warn: 3, Critical: 6},
			ByTool: map[string]ToolLoopThreshold{
				"exec":       {Warn: 3, Critical: 6},
				"write_file": {Warn: 2, Critical: 3},
				"edit_file":  {Warn: 2, Critical: 3},
				"edit_range": {Warn: 2, Critical: 3},
			},
			ReadCacheTTL: 10 * time.Minute,
		},
		Trifecta: TrifectaConfig{
			Vault: TrifectaVaultConfig{
				Enabled:                            true,
				Mode:                               VaultModeActive,
				StalePolicy:                        VaultStaleWarn,
				ImmutableReviewArtifactsPerProject: 20,
			},
		},
		SubAgents: SubAgentsConfig{
			Enabled:            true,
			MaxIterations:      25,
			TimeoutSec:         300,
			ResultTokenCap:     4000,
			InheritVault:       true,
			InheritContextFile: false,
		},
	}
}

// ThresholdFor returns the configured warn/critical thresholds for a tool,
// falling back to the section default when no per-tool override exists.
func (c *ToolLoopConfig) ThresholdFor(tool string) ToolLoopThreshold {
	if t, ok := c.ByTool[tool]; ok {
		return t
	}
	return c.Default
}
