package toolspec

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PlanStep records a mutating tool call intercepted while a session is in
// plan mode, instead of being executed (spec.md §4.4 "plan-mode interception").
type PlanStep struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args"`
	ToolCallID string         `json:"tool_call_id"`
	RecordedAt time.Time      `json:"recorded_at"`
	Executed  bool            `json:"executed"`
	Result    string          `json:"result,omitempty"`
}

// Plan collects the PlanSteps recorded during one plan-mode ask.
type Plan struct {
	mu    sync.Mutex
	steps []*PlanStep
}

// NewPlan returns an empty Plan.
func NewPlan() *Plan {
	return &Plan{}
}

// Record appends a new intercepted step and returns the synthetic blocked
// tool result the orchestrator should return to the model in place of
// actually running the tool.
func (p *Plan) Record(toolCallID, toolName string, args json.RawMessage) (*PlanStep, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := &PlanStep{
		ID:         fmt.Sprintf("plan-step-%d", len(p.steps)+1),
		ToolName:   toolName,
		Args:       args,
		ToolCallID: toolCallID,
		RecordedAt: time.Now(),
	}
	p.steps = append(p.steps, step)

	stub := fmt.Sprintf(
		"[plan mode] recorded %s as %s; it will run when the plan is executed, not now",
		toolName, step.ID,
	)
	return step, stub
}

// Steps returns a snapshot of the recorded plan steps in recording order.
func (p *Plan) Steps() []*PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PlanStep, len(p.steps))
	copy(out, p.steps)
	return out
}

// Step looks up a recorded step by ID, for execute_plan_step.
func (p *Plan) Step(id string) (*PlanStep, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// MarkExecuted records a step's outcome once execute_plan_step has actually
// run it, so a plan can't be replayed twice against the same step.
func (p *Plan) MarkExecuted(id, result string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.steps {
		if s.ID == id {
			if s.Executed {
				return fmt.Errorf("toolspec: plan step %s already executed", id)
			}
			s.Executed = true
			s.Result = result
			return nil
		}
	}
	return fmt.Errorf("toolspec: unknown plan step %s", id)
}

// Pending returns the steps not yet executed, in recording order.
func (p *Plan) Pending() []*PlanStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pending []*PlanStep
	for _, s := range p.steps {
		if !s.Executed {
			pending = append(pending, s)
		}
	}
	return pending
}
