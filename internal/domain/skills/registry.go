package skills

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RepairTaskEnqueuer is the minimal surface the registry needs to enqueue
// a self-repair task for a plugin that failed to load (spec.md §4.2).
// Satisfied by internal/domain/queue.Queue.
type RepairTaskEnqueuer interface {
	Push(ctx context.Context, description string, priority int, payload map[string]interface{}) (string, error)
}

// RegistryConfig configures the Skills Registry.
type RegistryConfig struct {
	PluginDir      string
	PackagesDir    string
	AllowList      []string
	DenyList       []string
	RepairPriority int
}

// Registry implements the Skills Registry contract of spec.md §4.2:
// register/execute/list/promptSurface/loadPlugins/installFromPath/
// installFromUrl/uninstall/checkHealth, plus declarative package
// discovery, activation, and sandboxed resource reads.
type Registry struct {
	mu          sync.RWMutex
	skills      map[string]*entry
	packages    map[string]*Package
	allow       map[string]bool
	deny        map[string]bool
	pluginDir   string
	packagesDir string
	repairPrio  int
	repair      RepairTaskEnqueuer
	logger      *zap.Logger
}

// NewRegistry constructs an empty Skills Registry.
func NewRegistry(cfg RegistryConfig, repair RepairTaskEnqueuer, logger *zap.Logger) *Registry {
	if cfg.RepairPriority == 0 {
		cfg.RepairPriority = 8
	}

	r := &Registry{
		skills:      make(map[string]*entry),
		packages:    make(map[string]*Package),
		pluginDir:   cfg.PluginDir,
		packagesDir: cfg.PackagesDir,
		repairPrio:  cfg.RepairPriority,
		repair:      repair,
		logger:      logger.With(zap.String("component", "skills-registry")),
	}
	if len(cfg.AllowList) > 0 {
		r.allow = toSet(cfg.AllowList)
	}
	if len(cfg.DenyList) > 0 {
		r.deny = toSet(cfg.DenyList)
	}
	return r
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}

func (r *Registry) allowed(name string) bool {
	if r.deny != nil && r.deny[name] {
		return false
	}
	if r.allow != nil && !r.allow[name] {
		return false
	}
	return true
}

// Register adds a skill to the catalog, enforcing allow/deny policy.
func (r *Registry) Register(s Skill, sourceURL string) error {
	if !r.allowed(s.Name()) {
		return fmt.Errorf("%w: %s", ErrSkillDenied, s.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[s.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrSkillExists, s.Name())
	}
	r.skills[s.Name()] = &entry{skill: s, sourceURL: sourceURL, loadedAt: time.Now()}
	r.logger.Info("Skill registered", zap.String("name", s.Name()), zap.String("source", sourceURL))
	return nil
}

// Unregister removes a plugin-tier skill by name (used by hot-reload removal).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.skills, name)
	r.mu.Unlock()
}

// Execute invokes a registered skill by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	e, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return e.skill.Execute(ctx, args)
}

// Describe returns the description and usage signature for a registered
// skill, used by callers building tool definitions for the LLM without
// depending on the skill's concrete type.
func (r *Registry) Describe(name string) (description, usage string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.skills[name]
	if !exists {
		return "", "", false
	}
	return e.skill.Description(), e.skill.Usage(), true
}

// List returns the names of all registered plugin-tier skills.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptSurface renders the catalog of skills and packages for the LLM,
// per mode: full, compact, or relevant-to-keywords. Packages are listed
// whether or not they auto-activate.
func (r *Registry) PromptSurface(mode PromptMode, keywords ...string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := r.skills[name]
		if mode == ModeRelevant && !matchesKeywords(name, e.skill.Description(), keywords) {
			continue
		}
		switch mode {
		case ModeCompact, ModeRelevant:
			fmt.Fprintf(&b, "- %s: %s\n", name, e.skill.Description())
		default:
			fmt.Fprintf(&b, "- %s: %s\n  usage: %s\n", name, e.skill.Description(), e.skill.Usage())
		}
	}

	pkgNames := make([]string, 0, len(r.packages))
	for name := range r.packages {
		pkgNames = append(pkgNames, name)
	}
	sort.Strings(pkgNames)
	for _, name := range pkgNames {
		p := r.packages[name]
		if mode == ModeRelevant && !matchesKeywords(name, p.Manifest.Description, keywords) {
			continue
		}
		fmt.Fprintf(&b, "- %s (package): %s\n", name, p.Manifest.Description)
	}

	return b.String()
}

func matchesKeywords(name, description string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(name + " " + description)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// CheckHealth reports which skills responded healthy vs. which raised issues.
// For plugin-tier skills this is a lightweight presence check; packages are
// healthy if their manifest and body file both resolve.
func (r *Registry) CheckHealth() HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var report HealthReport
	for name := range r.skills {
		report.Healthy = append(report.Healthy, name)
	}
	for name, p := range r.packages {
		if _, err := p.readSandboxed(p.Manifest.BodyFile); err != nil {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		report.Healthy = append(report.Healthy, name)
	}
	sort.Strings(report.Healthy)
	sort.Strings(report.Issues)
	return report
}

// LoadPackages discovers declarative skill packages under packagesDir and
// (re)loads any not already known. Hot-reload rescans call this each tick;
// a package directory removed on disk is dropped from the catalog.
func (r *Registry) LoadPackages(ctx context.Context) error {
	if r.packagesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.packagesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("skills: read packages dir: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		seen[de.Name()] = true

		r.mu.RLock()
		_, loaded := r.packages[de.Name()]
		r.mu.RUnlock()
		if loaded {
			continue
		}

		dir := filepath.Join(r.packagesDir, de.Name())
		pkg, err := loadPackage(dir)
		if err != nil {
			r.logger.Error("Failed to load skill package", zap.String("dir", dir), zap.Error(err))
			r.enqueueRepair(ctx, de.Name(), err)
			continue
		}

		r.mu.Lock()
		r.packages[pkg.Name()] = pkg
		r.mu.Unlock()
		r.logger.Info("Skill package loaded", zap.String("name", pkg.Name()))
	}

	r.mu.Lock()
	for name := range r.packages {
		if !seen[name] {
			delete(r.packages, name)
			r.logger.Info("Skill package removed", zap.String("name", name))
		}
	}
	r.mu.Unlock()

	return nil
}

func (r *Registry) enqueueRepair(ctx context.Context, name string, loadErr error) {
	if r.repair == nil {
		return
	}
	desc := fmt.Sprintf("repair skill %q: failed to load: %v", name, loadErr)
	if _, err := r.repair.Push(ctx, desc, r.repairPrio, map[string]interface{}{
		"skill_name": name,
		"error":      loadErr.Error(),
	}); err != nil {
		r.logger.Error("Failed to enqueue self-repair task", zap.String("skill", name), zap.Error(err))
	}
}

// ActivatePackage resolves the full body of a declarative package, marking
// it active for progressive disclosure (spec.md §4.2).
func (r *Registry) ActivatePackage(name string) (string, error) {
	r.mu.RLock()
	pkg, ok := r.packages[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return pkg.Activate()
}

// ReadPackageResource performs a sandboxed resource read within a package.
func (r *Registry) ReadPackageResource(name, relPath string) ([]byte, error) {
	r.mu.RLock()
	pkg, ok := r.packages[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return pkg.ReadResource(relPath)
}

// AutoActivate returns the packages whose trigger patterns (or fuzzy word
// overlap) match the given task description, activating each one.
func (r *Registry) AutoActivate(description string) ([]*Package, error) {
	r.mu.RLock()
	candidates := make([]*Package, 0, len(r.packages))
	for _, p := range r.packages {
		if !p.Manifest.AutoActivate {
			continue
		}
		candidates = append(candidates, p)
	}
	r.mu.RUnlock()

	var matched []*Package
	for _, p := range candidates {
		if p.matchesTriggers(description) {
			if _, err := p.Activate(); err != nil {
				r.logger.Error("Failed to activate matched skill package",
					zap.String("name", p.Name()), zap.Error(err))
				continue
			}
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// InstallFromPath copies a plugin or package directory tree into the
// registry's managed plugin directory, under its own base name.
func (r *Registry) InstallFromPath(srcPath string) error {
	if r.pluginDir == "" {
		return fmt.Errorf("skills: no plugin directory configured")
	}
	name := filepath.Base(strings.TrimRight(srcPath, string(filepath.Separator)))
	dst := filepath.Join(r.pluginDir, name)
	return copyTree(srcPath, dst)
}

// InstallFromUrl fetches a plugin bundle from a URL and installs it under
// name inside the plugin directory. The URL must point to a plugin.json
// manifest; sibling resources referenced by the manifest are not fetched
// automatically — this mirrors single-file plugin bundles in the pack.
func (r *Registry) InstallFromUrl(ctx context.Context, rawURL string) error {
	if r.pluginDir == "" {
		return fmt.Errorf("skills: no plugin directory configured")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("skills: invalid url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("skills: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("skills: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	name := strings.TrimSuffix(filepath.Base(u.Path), filepath.Ext(u.Path))
	if name == "" || name == "." {
		name = "remote-skill"
	}
	dir := filepath.Join(r.pluginDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "plugin.json"), body, 0644)
}

// Uninstall removes a plugin-tier skill from disk and from the catalog.
func (r *Registry) Uninstall(name string) error {
	r.Unregister(name)
	if r.pluginDir == "" {
		return nil
	}
	dir := filepath.Join(r.pluginDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("skills: uninstall %s: %w", name, err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
