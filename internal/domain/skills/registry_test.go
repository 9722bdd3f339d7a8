package skills

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

type echoSkill struct {
	name string
}

func (e *echoSkill) Name() string        { return e.name }
func (e *echoSkill) Description() string { return "echoes its input" }
func (e *echoSkill) Usage() string       { return "echo(text)" }
func (e *echoSkill) Execute(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return args, nil
}

type fakeRepair struct {
	pushed []string
}

func (f *fakeRepair) Push(_ context.Context, description string, _ int, _ map[string]interface{}) (string, error) {
	f.pushed = append(f.pushed, description)
	return "task-id", nil
}

func TestRegistry_RegisterExecuteList(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, zap.NewNop())

	if err := r.Register(&echoSkill{name: "echo"}, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&echoSkill{name: "echo"}, ""); err == nil {
		t.Fatalf("expected error re-registering same skill name")
	}

	out, err := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["text"] != "hi" {
		t.Errorf("unexpected output: %+v", out)
	}

	if _, err := r.Execute(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected ErrSkillNotFound")
	}

	names := r.List()
	if len(names) != 1 || names[0] != "echo" {
		t.Fatalf("unexpected list: %+v", names)
	}
}

func TestRegistry_DenyList(t *testing.T) {
	r := NewRegistry(RegistryConfig{DenyList: []string{"dangerous"}}, nil, zap.NewNop())
	if err := r.Register(&echoSkill{name: "dangerous"}, ""); err == nil {
		t.Fatalf("expected ErrSkillDenied")
	}
}

func TestRegistry_PromptSurface_Modes(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, zap.NewNop())
	_ = r.Register(&echoSkill{name: "echo"}, "")
	_ = r.Register(&echoSkill{name: "weather"}, "")

	full := r.PromptSurface(ModeFull)
	if !containsAll(full, "echo", "usage:", "weather") {
		t.Errorf("full mode missing expected content: %q", full)
	}

	compact := r.PromptSurface(ModeCompact)
	if containsAll(compact, "usage:") {
		t.Errorf("compact mode should not include usage: %q", compact)
	}

	relevant := r.PromptSurface(ModeRelevant, "weather")
	if containsAll(relevant, "echo") || !containsAll(relevant, "weather") {
		t.Errorf("relevant mode filtering failed: %q", relevant)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !jsonContains(haystack, n) {
			return false
		}
	}
	return true
}

func jsonContains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func writePackage(t *testing.T, dir, name string, m PackageManifest, body string) {
	t.Helper()
	pkgDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	m.Name = name
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "manifest.json"), data, 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	bodyFile := m.BodyFile
	if bodyFile == "" {
		bodyFile = "SKILL.md"
	}
	if err := os.WriteFile(filepath.Join(pkgDir, bodyFile), []byte(body), 0644); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func TestRegistry_LoadPackages_ProgressiveDisclosure(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "deploy-helper", PackageManifest{
		Description:     "deploy helper",
		TriggerPatterns: []string{"deploy"},
		AutoActivate:    true,
	}, "full deploy instructions here")

	r := NewRegistry(RegistryConfig{PackagesDir: dir}, nil, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}

	surface := r.PromptSurface(ModeFull)
	if !jsonContains(surface, "deploy-helper") {
		t.Fatalf("expected package metadata in surface: %q", surface)
	}
	if jsonContains(surface, "full deploy instructions here") {
		t.Fatalf("expected body to stay hidden until activation: %q", surface)
	}

	body, err := r.ActivatePackage("deploy-helper")
	if err != nil {
		t.Fatalf("ActivatePackage: %v", err)
	}
	if body != "full deploy instructions here" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestRegistry_AutoActivate_TriggerMatch(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "deploy-helper", PackageManifest{
		Description:     "deploy helper",
		TriggerPatterns: []string{"deploy"},
		AutoActivate:    true,
	}, "deploy body")

	r := NewRegistry(RegistryConfig{PackagesDir: dir}, nil, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}

	matched, err := r.AutoActivate("please deploy the new release to production")
	if err != nil {
		t.Fatalf("AutoActivate: %v", err)
	}
	if len(matched) != 1 || matched[0].Name() != "deploy-helper" {
		t.Fatalf("expected deploy-helper to auto-activate, got %+v", matched)
	}
}

func TestRegistry_AutoActivate_FuzzyOverlap(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "invoice-reminder", PackageManifest{
		Description:  "send overdue invoice payment reminder emails",
		AutoActivate: true,
	}, "invoice body")

	r := NewRegistry(RegistryConfig{PackagesDir: dir}, nil, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}

	matched, err := r.AutoActivate("remind the customer their invoice payment is overdue")
	if err != nil {
		t.Fatalf("AutoActivate: %v", err)
	}
	if len(matched) != 1 {
		t.Fatalf("expected fuzzy overlap to auto-activate invoice-reminder, got %+v", matched)
	}
}

func TestPackage_ReadResource_Sandboxed(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "toolkit", PackageManifest{Description: "toolkit"}, "toolkit body")

	r := NewRegistry(RegistryConfig{PackagesDir: dir}, nil, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}

	if _, err := r.ReadPackageResource("toolkit", "SKILL.md"); err != nil {
		t.Fatalf("expected in-sandbox read to succeed: %v", err)
	}
	if _, err := r.ReadPackageResource("toolkit", "../../etc/passwd"); err == nil {
		t.Fatalf("expected sandbox escape to fail")
	}
}

func TestRegistry_LoadPackages_MalformedEnqueuesRepair(t *testing.T) {
	dir := t.TempDir()
	badDir := filepath.Join(dir, "broken")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "manifest.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	repair := &fakeRepair{}
	r := NewRegistry(RegistryConfig{PackagesDir: dir}, repair, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}
	if len(repair.pushed) != 1 {
		t.Fatalf("expected one self-repair task enqueued, got %d", len(repair.pushed))
	}
}

func TestRegistry_LoadPackages_RemovalUnregisters(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "temp-pkg", PackageManifest{Description: "temp"}, "body")

	r := NewRegistry(RegistryConfig{PackagesDir: dir}, nil, zap.NewNop())
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages: %v", err)
	}
	if _, err := r.ActivatePackage("temp-pkg"); err != nil {
		t.Fatalf("expected temp-pkg to be loaded: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(dir, "temp-pkg")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.LoadPackages(context.Background()); err != nil {
		t.Fatalf("LoadPackages (rescan): %v", err)
	}
	if _, err := r.ActivatePackage("temp-pkg"); err == nil {
		t.Fatalf("expected temp-pkg to be unregistered after removal")
	}
}

func TestRegistry_CheckHealth(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, zap.NewNop())
	_ = r.Register(&echoSkill{name: "echo"}, "")

	report := r.CheckHealth()
	if len(report.Healthy) != 1 || report.Healthy[0] != "echo" {
		t.Fatalf("unexpected health report: %+v", report)
	}
}
