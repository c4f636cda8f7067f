package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/idlehands/internal/config"
	"github.com/haasonsaas/idlehands/internal/subagentqueue"
	"github.com/haasonsaas/idlehands/internal/toolspec"
)

// builtinTools is the session's fixed tool surface. A real deployment would
// let plugins extend this; the orchestrator only ever knows about the tools
// registered here and in the toolspec.Registry built alongside them.
var builtinTools = []chatTool{
	{
		name:        "read_file",
		description: "Read a UTF-8 text file from disk.",
		schema:      `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"],"additionalProperties":false}`,
		class:       toolspec.ClassReadOnly,
	},
	{
		name:        "write_file",
		description: "Overwrite a file on disk with new content.",
		schema:      `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"],"additionalProperties":false}`,
		class:       toolspec.ClassMutating,
		pathMutator: true,
	},
	{
		name:        "exec",
		description: "Run a shell command and return its combined output.",
		schema:      `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"],"additionalProperties":false}`,
		class:       toolspec.ClassMutating,
		isExec:      true,
	},
	{
		name:        "spawn_task",
		description: "Delegate a bounded sub-task to a nested, isolated session.",
		schema:      `{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"],"additionalProperties":false}`,
		class:       toolspec.ClassMutating,
	},
}

type chatTool struct {
	name        string
	description string
	schema      string
	class       toolspec.Class
	isExec      bool
	pathMutator bool
}

// registerDefaultTools wires builtinTools into a toolspec.Registry so every
// call is validated and safety-screened the same way regardless of which
// tool is invoked.
func registerDefaultTools(reg *toolspec.Registry) {
	for _, t := range builtinTools {
		reg.Register(&toolspec.Spec{
			Name:          t.name,
			Class:         t.class,
			Schema:        json.RawMessage(t.schema),
			IsExec:        t.isExec,
			IsPathMutator: t.pathMutator,
		})
	}
}

// chatToolDefs converts builtinTools into the wire Tool shape the chat
// client sends to the endpoint.
func chatToolDefs() []toolWireDef {
	defs := make([]toolWireDef, 0, len(builtinTools))
	for _, t := range builtinTools {
		defs = append(defs, toolWireDef{Name: t.name, Description: t.description, Schema: json.RawMessage(t.schema)})
	}
	return defs
}

type toolWireDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// execResult is what runExec returns before it is formatted for the model.
type execResult struct {
	output string
	rc     int
}

// runReadFile executes the read_file tool.
func runReadFile(args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// runWriteFile executes the write_file tool.
func runWriteFile(args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// runExec executes the exec tool with a bounded wall-clock timeout.
func runExec(ctx context.Context, args map[string]any) (execResult, error) {
	command, _ := args["command"].(string)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	rc := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		rc = exitErr.ExitCode()
	} else if err != nil {
		return execResult{}, fmt.Errorf("exec %q: %w", command, err)
	}
	return execResult{output: strings.TrimRight(string(out), "\n"), rc: rc}, nil
}

// spawnSubTask delegates args["prompt"] to a nested, tool-less chat call via
// the serialized sub-agent queue (spec.md §5), bounded by cfg.SubAgents.
func spawnSubTask(ctx context.Context, q *subagentqueue.Queue, client *chatClient, cfg config.SubAgentsConfig, prompt string) (string, error) {
	if !cfg.Enabled {
		return "", fmt.Errorf("sub-agents are disabled for this session")
	}
	task := subagentqueue.Task{Prompt: prompt, InheritVault: cfg.InheritVault}
	runner := func(ctx context.Context, task subagentqueue.Task) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSec)*time.Second)
		defer cancel()
		return client.completeOnce(ctx, task.Prompt)
	}
	return q.Spawn(ctx, task, runner)
}
