package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
)

// SkillsToolExecutor adapts a skills.Registry to the AgentLoop's
// ToolExecutor interface, so every registered Skill — plugin-tier or
// declarative package — is callable by the Reasoning Loop exactly like
// any other tool. Skill handlers are domain-agnostic about arguments
// (map[string]interface{} in, map[string]interface{} out), so every
// definition advertises a permissive object schema rather than a typed
// one; packages wanting stricter validation still validate inside
// Execute.
type SkillsToolExecutor struct {
	registry *skills.Registry
}

// NewSkillsToolExecutor wraps registry as a ToolExecutor.
func NewSkillsToolExecutor(registry *skills.Registry) *SkillsToolExecutor {
	return &SkillsToolExecutor{registry: registry}
}

// Execute implements ToolExecutor.
func (s *SkillsToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	out, err := s.registry.Execute(ctx, name, args)
	if err != nil {
		return &domaintool.Result{
			Output:  fmt.Sprintf("skill %q failed: %v", name, err),
			Success: false,
			Error:   err.Error(),
		}, nil
	}

	raw, marshalErr := json.Marshal(out)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%v", out))
	}
	return &domaintool.Result{
		Output:   string(raw),
		Success:  true,
		Metadata: out,
	}, nil
}

// GetDefinitions implements ToolExecutor.
func (s *SkillsToolExecutor) GetDefinitions() []domaintool.Definition {
	names := s.registry.List()
	defs := make([]domaintool.Definition, 0, len(names))
	for _, name := range names {
		desc, usage, ok := s.registry.Describe(name)
		if !ok {
			continue
		}
		if usage != "" {
			desc = desc + " Usage: " + usage
		}
		defs = append(defs, domaintool.Definition{
			Name:        name,
			Description: desc,
			Parameters: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		})
	}
	return defs
}

// GetToolKind implements ToolExecutor. Skills are treated as execute-kind
// (confirmation-gated) by default — the registry's allow/deny policy is
// the coarser gate; individual skills do not currently self-describe a
// finer-grained Kind.
func (s *SkillsToolExecutor) GetToolKind(_ string) domaintool.Kind {
	return domaintool.KindExecute
}

var _ ToolExecutor = (*SkillsToolExecutor)(nil)

// CompositeToolExecutor merges several ToolExecutors into one, so the
// Reasoning Loop can call both the domain tool registry and the Skills
// Registry through a single AgentLoop.ToolExecutor without either
// needing awareness of the other. Definitions are concatenated in
// order; Execute/GetToolKind dispatch to whichever executor's
// definitions list first advertises the name.
type CompositeToolExecutor struct {
	executors []ToolExecutor
}

// NewCompositeToolExecutor builds a CompositeToolExecutor over
// executors, tried in the given order.
func NewCompositeToolExecutor(executors ...ToolExecutor) *CompositeToolExecutor {
	return &CompositeToolExecutor{executors: executors}
}

func (c *CompositeToolExecutor) ownerOf(name string) ToolExecutor {
	for _, e := range c.executors {
		for _, d := range e.GetDefinitions() {
			if d.Name == name {
				return e
			}
		}
	}
	return nil
}

// Execute implements ToolExecutor.
func (c *CompositeToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	owner := c.ownerOf(name)
	if owner == nil {
		return &domaintool.Result{Output: fmt.Sprintf("unknown tool %q", name), Success: false, Error: "unknown tool"}, nil
	}
	return owner.Execute(ctx, name, args)
}

// GetDefinitions implements ToolExecutor.
func (c *CompositeToolExecutor) GetDefinitions() []domaintool.Definition {
	var all []domaintool.Definition
	for _, e := range c.executors {
		all = append(all, e.GetDefinitions()...)
	}
	return all
}

// GetToolKind implements ToolExecutor.
func (c *CompositeToolExecutor) GetToolKind(name string) domaintool.Kind {
	if owner := c.ownerOf(name); owner != nil {
		return owner.GetToolKind(name)
	}
	return domaintool.KindExecute
}

var _ ToolExecutor = (*CompositeToolExecutor)(nil)
