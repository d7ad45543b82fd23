// Package agent plans and executes multi-step goals over a closed tool
// registry.
//
// The model proposes a plan as JSON; the planner treats that output as
// untrusted input. Every step is checked before it runs: the tool must
// exist in the registry, its input must validate against the tool's
// schema, and transform tools must be explicitly allowlisted. A step that
// fails any check halts the plan without executing. Step outputs chain
// forward through the $prev placeholder.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/corvid-labs/grounder/internal/log"
)

// MaxPlanSteps bounds how many steps a single goal may schedule.
const MaxPlanSteps = 5

// maxPlanResponseBytes limits model output size before JSON parsing.
const maxPlanResponseBytes = 32 * 1024

// PrevPlaceholder in a step input is replaced with the previous step's
// output before validation.
const PrevPlaceholder = "$prev"

const planPrompt = `You are a planning system. Break the goal below into an ordered list of tool calls.

Available tools:
%s

Rules:
- Use only the tools listed above.
- At most %d steps.
- Step inputs must match the tool's input schema.
- The string "$prev" anywhere in a step input is replaced with the previous step's full output; "$prev.field" selects one field of it.
- Output a JSON array only, no prose. Example:
  [{"tool": "message_query", "input": {"statement": "count messages"}}]

Goal: %s

Plan as JSON array:`

// PlanStatus is the terminal state of a plan.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// StepStatus tracks one step through execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Plan records a goal's execution, step by step.
type Plan struct {
	ID     uuid.UUID  `json:"id"`
	Goal   string     `json:"goal"`
	Status PlanStatus `json:"status"`
	Steps  []Step     `json:"steps"`

	// Answer is the final output of a completed plan.
	Answer string `json:"answer,omitempty"`

	// Error explains a failed plan.
	Error string `json:"error,omitempty"`
}

// Step is one tool invocation within a plan.
type Step struct {
	ToolName string          `json:"tool"`
	Input    json.RawMessage `json:"input"`
	Status   StepStatus      `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ValidationError reports a plan step rejected before execution.
type ValidationError struct {
	Step   int
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent: step %d (%s): %s", e.Step+1, e.Tool, e.Reason)
}

// Config assembles a Planner.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Registry  *Registry

	// AllowTransform lists transform tools the caller may run. ReadOnly
	// tools need no entry.
	AllowTransform []string

	// StepTimeout bounds each tool invocation. Defaults to 30s.
	StepTimeout time.Duration

	Logger log.Logger
}

// Planner turns goals into validated, audited tool executions.
type Planner struct {
	g           *genkit.Genkit
	modelName   string
	registry    *Registry
	allowed     map[string]bool
	stepTimeout time.Duration
	logger      log.Logger
}

func NewPlanner(cfg Config) (*Planner, error) {
	if cfg.Genkit == nil || cfg.Registry == nil {
		return nil, errors.New("agent: genkit instance and registry are required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("agent: model name is required")
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	allowed := make(map[string]bool, len(cfg.AllowTransform))
	for _, name := range cfg.AllowTransform {
		allowed[name] = true
	}
	return &Planner{
		g:           cfg.Genkit,
		modelName:   cfg.ModelName,
		registry:    cfg.Registry,
		allowed:     allowed,
		stepTimeout: cfg.StepTimeout,
		logger:      cfg.Logger,
	}, nil
}

// ExecuteGoal plans and runs a goal for the given caller. The returned
// plan carries per-step status whether or not it completed; the error is
// non-nil only when planning itself failed.
func (p *Planner) ExecuteGoal(ctx context.Context, ownerID string, sessionID uuid.UUID, goal string) (*Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, errors.New("agent: empty goal")
	}

	plan := &Plan{ID: uuid.New(), Goal: goal}
	steps, err := p.plan(ctx, goal)
	if err != nil {
		return nil, err
	}
	plan.Steps = steps

	p.logger.Info("plan created",
		"plan_id", plan.ID, "owner_id", ownerID, "steps", len(steps))

	inv := Invocation{OwnerID: ownerID, SessionID: sessionID}
	var prev json.RawMessage
	for i := range plan.Steps {
		step := &plan.Steps[i]

		output, err := p.runStep(ctx, inv, plan.ID, i, step, prev)
		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			for j := i + 1; j < len(plan.Steps); j++ {
				plan.Steps[j].Status = StepSkipped
			}
			plan.Status = PlanFailed
			plan.Error = err.Error()
			return plan, nil
		}
		step.Status = StepCompleted
		step.Output = output
		prev = output
	}

	plan.Status = PlanCompleted
	plan.Answer = finalAnswer(prev)
	return plan, nil
}

// runStep validates and executes one step. Nothing runs unless every
// check passes.
func (p *Planner) runStep(ctx context.Context, inv Invocation, planID uuid.UUID, idx int, step *Step, prev json.RawMessage) (json.RawMessage, error) {
	tool, err := p.registry.Get(step.ToolName)
	if err != nil {
		return nil, &ValidationError{Step: idx, Tool: step.ToolName, Reason: err.Error()}
	}
	if tool.Capability == Transform && !p.allowed[tool.Name] {
		p.logger.Warn("transform tool blocked",
			"plan_id", planID, "step", idx+1, "tool", tool.Name, "owner_id", inv.OwnerID)
		return nil, fmt.Errorf("%w: tool %q requires an allowlist entry", ErrSecurityViolation, tool.Name)
	}

	input, err := bindPrev(step.Input, prev)
	if err != nil {
		return nil, &ValidationError{Step: idx, Tool: tool.Name, Reason: err.Error()}
	}
	step.Input = input

	if err := p.registry.ValidateInput(tool.Name, input); err != nil {
		return nil, &ValidationError{Step: idx, Tool: tool.Name, Reason: err.Error()}
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()
	output, err := tool.Run(stepCtx, inv, input)

	// Audit trail: every invocation logged verbatim, success or not.
	if err != nil {
		p.logger.Warn("tool invocation failed",
			"plan_id", planID, "step", idx+1, "tool", tool.Name,
			"owner_id", inv.OwnerID, "input", string(input), "error", err)
		return nil, err
	}
	p.logger.Info("tool invoked",
		"plan_id", planID, "step", idx+1, "tool", tool.Name,
		"owner_id", inv.OwnerID, "input", string(input), "output", string(output))
	return output, nil
}

// plan asks the model for a step list and parses it as untrusted JSON.
func (p *Planner) plan(ctx context.Context, goal string) ([]Step, error) {
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.modelName),
		ai.WithPrompt(planPrompt, p.describeTools(), MaxPlanSteps, goal),
	)
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if len(text) > maxPlanResponseBytes {
		return nil, fmt.Errorf("plan response too large: %d bytes", len(text))
	}
	text = stripCodeFences(text)

	var raw []struct {
		Tool  string          `json:"tool"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("agent: model produced an empty plan")
	}
	if len(raw) > MaxPlanSteps {
		return nil, &ValidationError{Step: MaxPlanSteps, Tool: raw[MaxPlanSteps].Tool,
			Reason: fmt.Sprintf("plan has %d steps, limit is %d", len(raw), MaxPlanSteps)}
	}

	steps := make([]Step, len(raw))
	for i, r := range raw {
		input := r.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		steps[i] = Step{ToolName: r.Tool, Input: input, Status: StepPending}
	}
	return steps, nil
}

// describeTools renders the registry for the planning prompt.
func (p *Planner) describeTools() string {
	var b strings.Builder
	for _, name := range p.registry.Names() {
		tool, _ := p.registry.Get(name)
		schema, _ := json.Marshal(tool.Input)
		fmt.Fprintf(&b, "- %s (%s): %s\n  input schema: %s\n",
			tool.Name, tool.Capability, tool.Description, schema)
	}
	return strings.TrimRight(b.String(), "\n")
}

// bindPrev substitutes the $prev placeholder anywhere in the input with
// the previous step's output.
func bindPrev(input, prev json.RawMessage) (json.RawMessage, error) {
	if !strings.Contains(string(input), PrevPlaceholder) {
		return input, nil
	}
	if prev == nil {
		return nil, errors.New("$prev used in the first step")
	}

	var in, prevVal any
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := json.Unmarshal(prev, &prevVal); err != nil {
		return nil, fmt.Errorf("previous output is not valid JSON: %w", err)
	}

	bound := substitute(in, prevVal)
	out, err := json.Marshal(bound)
	if err != nil {
		return nil, fmt.Errorf("binding previous output: %w", err)
	}
	return out, nil
}

// substitute walks the decoded input and replaces "$prev" string values.
// "$prev.field" selects a single field of an object output.
func substitute(v, prev any) any {
	switch t := v.(type) {
	case string:
		if t == PrevPlaceholder {
			return prev
		}
		if field, ok := strings.CutPrefix(t, PrevPlaceholder+"."); ok {
			if m, isMap := prev.(map[string]any); isMap {
				if val, exists := m[field]; exists {
					return val
				}
			}
			return t
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = substitute(val, prev)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = substitute(val, prev)
		}
		return t
	default:
		return v
	}
}

// finalAnswer turns the last step's output into the plan answer. A JSON
// object with a single dominant text field reads better unwrapped.
func finalAnswer(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(output, &m); err == nil {
		for _, key := range []string{"csv", "answer", "text"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}

// stripCodeFences removes ```json ... ``` wrapping from model output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
