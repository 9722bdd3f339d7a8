package service

import (
	"context"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/skills"
)

type fakeSkillHandler struct{}

func (fakeSkillHandler) Name() string        { return "echo" }
func (fakeSkillHandler) Description() string { return "echoes its input" }
func (fakeSkillHandler) Usage() string       { return "echo(text)" }
func (fakeSkillHandler) Execute(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"echoed": args["text"]}, nil
}

func TestSkillsToolExecutor_ExecuteAndDefinitions(t *testing.T) {
	reg := skills.NewRegistry(skills.RegistryConfig{}, nil, testLogger())
	if err := reg.Register(fakeSkillHandler{}, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := NewSkillsToolExecutor(reg)

	defs := exec.GetDefinitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("expected one echo definition, got %+v", defs)
	}

	result, err := exec.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestCompositeToolExecutor_DispatchesToCorrectOwner(t *testing.T) {
	reg := skills.NewRegistry(skills.RegistryConfig{}, nil, testLogger())
	_ = reg.Register(fakeSkillHandler{}, "")
	skillsExec := NewSkillsToolExecutor(reg)

	composite := NewCompositeToolExecutor(noopToolExecutor{}, skillsExec)

	defs := composite.GetDefinitions()
	found := false
	for _, d := range defs {
		if d.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected composite definitions to include skill-backed tool, got %+v", defs)
	}

	result, err := composite.Execute(context.Background(), "echo", map[string]interface{}{"text": "hey"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected echo to succeed via composite dispatch, got %+v", result)
	}

	unknown, err := composite.Execute(context.Background(), "does_not_exist", nil)
	if err != nil {
		t.Fatalf("Execute unknown: %v", err)
	}
	if unknown.Success {
		t.Fatalf("expected unknown tool to fail gracefully, got %+v", unknown)
	}
}
