package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeGoFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRepoMapSkill_MapAndSearch(t *testing.T) {
	dir := t.TempDir()
	writeGoFile(t, dir, "foo.go", `package demo

// Greeter says hello.
type Greeter struct{}

func (g *Greeter) Hello() string { return "hi" }
`)
	writeGoFile(t, dir, "bar.go", `package demo

func UseGreeter(g *Greeter) string { return g.Hello() }
`)

	skill := NewRepoMapSkill(dir, zap.NewNop())

	out, err := skill.Execute(context.Background(), map[string]interface{}{"action": "map"})
	if err != nil {
		t.Fatalf("Execute map: %v", err)
	}
	text, _ := out["map"].(string)
	if text == "" {
		t.Fatalf("expected non-empty repo map, got %+v", out)
	}

	out, err = skill.Execute(context.Background(), map[string]interface{}{"action": "search", "query": "Greeter"})
	if err != nil {
		t.Fatalf("Execute search: %v", err)
	}
	count, _ := out["count"].(int)
	if count == 0 {
		t.Fatalf("expected at least one match for Greeter, got %+v", out)
	}
}

func TestRepoMapSkill_SearchRequiresQuery(t *testing.T) {
	dir := t.TempDir()
	writeGoFile(t, dir, "foo.go", "package demo\n")
	skill := NewRepoMapSkill(dir, zap.NewNop())

	if _, err := skill.Execute(context.Background(), map[string]interface{}{"action": "search"}); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestRepoMapSkill_NameDescriptionUsage(t *testing.T) {
	skill := NewRepoMapSkill(".", zap.NewNop())
	if skill.Name() != "repo_map" {
		t.Fatalf("unexpected name: %s", skill.Name())
	}
	if skill.Description() == "" || skill.Usage() == "" {
		t.Fatalf("expected non-empty description/usage")
	}
}
