package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/idlehands/internal/chatclient"
	"github.com/haasonsaas/idlehands/internal/config"
	"github.com/haasonsaas/idlehands/internal/hooks"
	"github.com/haasonsaas/idlehands/internal/loopguard"
	"github.com/haasonsaas/idlehands/internal/subagentqueue"
	"github.com/haasonsaas/idlehands/internal/toolspec"
	"github.com/haasonsaas/idlehands/internal/vault"
)

// buildAskCmd creates the "ask" command: the CLI embedder that drives one
// Turn Orchestrator session end to end (spec.md §4.6), wiring the chat
// client, tool registry, loop guard, vault, and sub-agent queue together and
// reporting every lifecycle event through the Hook/Event Bus.
func buildAskCmd() *cobra.Command {
	var (
		configPath string
		model      string
		system     string
		yolo       bool
	)

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run one guarded coding-agent turn orchestrator session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := loadOrDefaultConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if yolo {
				cfg.ApprovalMode = config.ApprovalYolo
			}

			sess, err := newSession(cfg, model)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.run(cmd.Context(), cmd.OutOrStdout(), system, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to config file")
	cmd.Flags().StringVar(&model, "model", "gpt-4o-mini", "Model name sent to the chat endpoint")
	cmd.Flags().StringVar(&system, "system", "You are a careful coding agent.", "System prompt")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "Skip approval gating for mutating tools")

	return cmd
}

// session holds everything one ask needs: the config, the wired components,
// and the bus every component reports through.
type session struct {
	id       string
	cfg      *config.Config
	bus      *hooks.Bus
	client   *chatClient
	guard    *loopguard.Guard
	registry *toolspec.Registry
	vault    *vault.Vault
	queue    *subagentqueue.Queue
}

func newSession(cfg *config.Config, model string) (*session, error) {
	bus := hooks.New(nil)
	bus.On(hooks.EventToolCall, logToolCall)
	bus.On(hooks.EventToolResult, logToolResult)
	bus.On(hooks.EventToolLoop, logToolLoop)
	bus.OnAsync(hooks.EventAskEnd, logAskEnd)

	v, err := openVault("")
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	scope := toolspec.Scope{Mode: toolspec.ModeCode, Cwd: mustGetwd()}
	registry := toolspec.NewRegistry(scope)
	registerDefaultTools(registry)

	guardCfg := loopguard.DefaultConfig()
	if cfg.ToolLoop.Default.Warn > 0 {
		guardCfg.DefaultThreshold = loopguard.Threshold{Warn: cfg.ToolLoop.Default.Warn, Critical: cfg.ToolLoop.Default.Critical}
	}
	for tool, th := range cfg.ToolLoop.ByTool {
		guardCfg.ByTool[tool] = loopguard.Threshold{Warn: th.Warn, Critical: th.Critical}
	}
	if cfg.ToolLoop.ReadCacheTTL > 0 {
		guardCfg.ReadCacheTTL = cfg.ToolLoop.ReadCacheTTL
	}

	return &session{
		id:       fmt.Sprintf("ask-%d", os.Getpid()),
		cfg:      cfg,
		bus:      bus,
		client:   newChatClient(cfg, model),
		guard:    loopguard.New(guardCfg),
		registry: registry,
		vault:    v,
		queue:    subagentqueue.New(),
	}, nil
}

func (s *session) close() {
	if s.vault != nil {
		_ = s.vault.Close()
	}
}

// run drives the turn loop: NormalTurn -> DispatchTools -> NormalTurn until
// the model stops requesting tools, the loop guard forces a break, or
// cfg.MaxIter is exhausted (spec.md §4.6).
func (s *session) run(ctx context.Context, out io.Writer, system, prompt string) error {
	s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventSessionStart, SessionID: s.id})
	s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventAskStart, SessionID: s.id, AskID: s.id, Data: prompt})

	messages := []chatclient.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}

	maxIter := s.cfg.MaxIter
	if maxIter <= 0 {
		maxIter = 50
	}

	tools := chatToolDefs()

	for turn := 1; turn <= maxIter; turn++ {
		s.guard.NewTurn()
		s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventTurnStart, SessionID: s.id, Turn: turn})

		resp, err := s.client.turn(ctx, messages, tools)
		if err != nil {
			s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventAskError, SessionID: s.id, Err: err})
			return fmt.Errorf("chat turn %d: %w", turn, err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("chat turn %d: no choices returned", turn)
		}
		choice := resp.Choices[0]
		messages = append(messages, choice.Message)

		if len(choice.Message.ToolCalls) == 0 {
			fmt.Fprintln(out, choice.Message.Content)
			s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventTurnEnd, SessionID: s.id, Turn: turn})
			s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventAskEnd, SessionID: s.id, AskID: s.id})
			return nil
		}

		forceDisabled := false
		for _, call := range choice.Message.ToolCalls {
			result, action, err := s.dispatchTool(ctx, turn, call)
			if err != nil {
				var lb *loopguard.LoopBreakError
				if errors.As(err, &lb) {
					s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventAskError, SessionID: s.id, Err: err})
					return fmt.Errorf("turn %d: %w", turn, err)
				}
				result = fmt.Sprintf("error: %v", err)
			}
			if action == loopguard.ActionForceToolsDisabled {
				forceDisabled = true
			}
			messages = append(messages, chatclient.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    result,
			})
			s.archiveToolMessage(ctx, call, result)
		}

		s.bus.Emit(ctx, hooks.Payload{Event: hooks.EventTurnEnd, SessionID: s.id, Turn: turn})

		if forceDisabled {
			tools = nil
		} else {
			tools = chatToolDefs()
		}
	}

	return fmt.Errorf("exceeded max iterations (%d) without a final answer", maxIter)
}

// dispatchTool runs the toolspec safety pipeline, consults the loop guard,
// and (if clear) executes the call.
func (s *session) dispatchTool(ctx context.Context, turn int, call chatclient.ToolCall) (string, loopguard.Action, error) {
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", 0, fmt.Errorf("parse args for %s: %w", call.Function.Name, err)
		}
	}

	s.bus.Emit(ctx, hooks.Payload{
		Event: hooks.EventToolCall, SessionID: s.id, Turn: turn,
		ToolName: call.Function.Name, ToolCallID: call.ID, Args: call.Function.Arguments,
	})

	canonArgs := canonicalizeArgs(args)
	action := s.guard.Check(call.Function.Name, canonArgs, call.ID)

	switch action {
	case loopguard.ActionReplay:
		if cached, ok := s.guard.ReplayedFrom(call.Function.Name, canonArgs); ok {
			return cached, action, nil
		}
	case loopguard.ActionLoopBreak:
		return "", action, &loopguard.LoopBreakError{Detector: "generic-repeat", Signature: loopguard.Signature(call.Function.Name, canonArgs)}
	}

	spec, ok := s.registry.Get(call.Function.Name)
	if !ok {
		return "", action, fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	command, _ := args["command"].(string)
	path, _ := args["path"].(string)
	if spec.IsPathMutator && s.guard.IsPathBlocked(path) {
		return fmt.Sprintf("blocked: %s has too many consecutive edits without review", path), action, nil
	}
	check, err := s.registry.CheckCall(call.Function.Name, json.RawMessage(call.Function.Arguments), command, path)
	if err != nil {
		return "", action, err
	}
	if check.Blocked() {
		return fmt.Sprintf("blocked: %s", check.Reason), action, nil
	}
	if check.NeedsApproval() && s.cfg.ApprovalMode != config.ApprovalYolo && s.cfg.ApprovalMode != config.ApprovalAutoEdit {
		return fmt.Sprintf("held for approval: %s", check.Reason), action, nil
	}

	result, err := s.executeTool(ctx, spec, args)
	if err != nil {
		return "", action, err
	}

	if spec.IsPathMutator {
		if mAction := s.guard.RecordMutation(path); mAction == loopguard.ActionBlockedMutation {
			return fmt.Sprintf("blocked: too many consecutive edits to %s without review", path), mAction, nil
		}
	}
	if spec.Class == toolspec.ClassReadOnly {
		s.guard.StoreReadCache(call.Function.Name, canonArgs, []string{path}, result)
	}

	s.bus.Emit(ctx, hooks.Payload{
		Event: hooks.EventToolResult, SessionID: s.id, Turn: turn,
		ToolName: call.Function.Name, ToolCallID: call.ID, Result: result,
	})
	return result, action, nil
}

func (s *session) executeTool(ctx context.Context, spec *toolspec.Spec, args map[string]any) (string, error) {
	switch spec.Name {
	case "read_file":
		return runReadFile(args)
	case "write_file":
		return runWriteFile(args)
	case "exec":
		res, err := runExec(ctx, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rc=%d\n%s", res.rc, res.output), nil
	case "spawn_task":
		prompt, _ := args["prompt"].(string)
		return spawnSubTask(ctx, s.queue, s.client, s.cfg.SubAgents, prompt)
	default:
		return "", fmt.Errorf("no executor registered for tool %q", spec.Name)
	}
}

func (s *session) archiveToolMessage(ctx context.Context, call chatclient.ToolCall, result string) {
	if !s.cfg.Trifecta.Vault.Enabled {
		return
	}
	snippet := result
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	_ = s.vault.ArchiveToolMessage(ctx, call.ID, call.Function.Name, result, snippet, mustGetwd())
}

func canonicalizeArgs(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func envOrEmpty(name string) string {
	return os.Getenv(name)
}

func logToolCall(ctx context.Context, p hooks.Payload) {
	fmt.Fprintf(os.Stderr, "[tool-call] turn=%d tool=%s args=%s\n", p.Turn, p.ToolName, p.Args)
}

func logToolResult(ctx context.Context, p hooks.Payload) {
	fmt.Fprintf(os.Stderr, "[tool-result] turn=%d tool=%s\n", p.Turn, p.ToolName)
}

func logToolLoop(ctx context.Context, p hooks.Payload) {
	fmt.Fprintf(os.Stderr, "[tool-loop] %s critical=%v\n", p.LoopWarning, p.LoopCritical)
}

func logAskEnd(ctx context.Context, p hooks.Payload) {
	fmt.Fprintf(os.Stderr, "[ask-end] session=%s at %s\n", p.SessionID, time.Now().Format(time.RFC3339))
}
