package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

var (
	// ErrSecurityViolation reports an attempt to run a tool or statement
	// outside the caller's grant. The step is never executed.
	ErrSecurityViolation = errors.New("agent: security violation")

	// ErrUnknownTool reports a plan step naming a tool outside the registry.
	ErrUnknownTool = errors.New("agent: unknown tool")
)

// Capability classifies what a tool may do to the world.
type Capability int

const (
	// ReadOnly tools observe state and never change it.
	ReadOnly Capability = iota
	// Transform tools produce derived artifacts and require an explicit
	// allowlist entry to run.
	Transform
)

func (c Capability) String() string {
	switch c {
	case ReadOnly:
		return "read-only"
	case Transform:
		return "transform"
	default:
		return "unknown"
	}
}

// Invocation carries the caller identity into a tool run. Tools scope
// every read to OwnerID; the model never chooses the owner.
type Invocation struct {
	OwnerID   string
	SessionID uuid.UUID
}

// RunFunc executes a tool against already schema-validated input.
type RunFunc func(ctx context.Context, inv Invocation, input json.RawMessage) (json.RawMessage, error)

// Tool is one statically known capability the planner may schedule.
type Tool struct {
	Name        string
	Description string
	Input       *jsonschema.Schema
	Output      *jsonschema.Schema
	Capability  Capability
	Run         RunFunc
}

// Registry is the closed set of tools available to the planner. It is
// sealed at construction; nothing can be added afterwards, so a plan can
// only ever name tools the operator shipped.
type Registry struct {
	tools   map[string]*registeredTool
	ordered []string
}

type registeredTool struct {
	tool  Tool
	input *jsonschema.Resolved
}

// NewRegistry seals a set of tools. Duplicate names and nil run
// functions are construction errors.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*registeredTool, len(tools))}
	for _, t := range tools {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("agent: tool %q needs a name and a run function", t.Name)
		}
		if _, exists := r.tools[t.Name]; exists {
			return nil, fmt.Errorf("agent: duplicate tool %q", t.Name)
		}
		var resolved *jsonschema.Resolved
		if t.Input != nil {
			var err error
			resolved, err = t.Input.Resolve(nil)
			if err != nil {
				return nil, fmt.Errorf("agent: resolving input schema for %q: %w", t.Name, err)
			}
		}
		r.tools[t.Name] = &registeredTool{tool: t, input: resolved}
		r.ordered = append(r.ordered, t.Name)
	}
	return r, nil
}

// Get returns the named tool, or ErrUnknownTool.
func (r *Registry) Get(name string) (Tool, error) {
	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return rt.tool, nil
}

// ValidateInput checks raw input against the tool's input schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	rt, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if rt.input == nil {
		return nil
	}
	var instance any
	if err := json.Unmarshal(input, &instance); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := rt.input.Validate(instance); err != nil {
		return fmt.Errorf("input rejected by schema: %w", err)
	}
	return nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}
