package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PackageManifest describes a declarative skill package discovered beneath
// plugins/skills/<name>/. Unlike plugin.Manifest, the full skill body
// lives in a separate file and is disclosed to the LLM only on activation.
type PackageManifest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	BodyFile        string   `json:"body_file"`
	TriggerPatterns []string `json:"trigger_patterns,omitempty"`
	AutoActivate    bool     `json:"auto_activate"`
	RequiredConfig  []string `json:"required_config,omitempty"`
	Permissions     []string `json:"permissions,omitempty"`
}

func (m *PackageManifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("skills: package manifest missing name")
	}
	if m.BodyFile == "" {
		m.BodyFile = "SKILL.md"
	}
	return nil
}

// Package is a loaded declarative skill package.
type Package struct {
	mu       sync.RWMutex
	Manifest PackageManifest
	Dir      string
	active   bool
}

// Name returns the package's catalog name.
func (p *Package) Name() string { return p.Manifest.Name }

// IsActive reports whether Activate has been called for this package
// in the current reasoning context.
func (p *Package) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Activate loads and returns the package's full body and marks it
// active. PromptSurface does not read the active flag; it lists
// package descriptions only.
func (p *Package) Activate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, err := p.readSandboxed(p.Manifest.BodyFile)
	if err != nil {
		return "", err
	}
	p.active = true
	return body, nil
}

// Deactivate clears the active flag, reverting to metadata-only disclosure.
func (p *Package) Deactivate() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

// ReadResource reads a file within the package directory. The requested
// path must resolve inside Dir; escaping paths (e.g. "../../etc/passwd")
// fail with ErrOutsideSandbox.
func (p *Package) ReadResource(relPath string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readSandboxed(relPath)
}

func (p *Package) readSandboxed(relPath string) ([]byte, error) {
	full := filepath.Join(p.Dir, relPath)
	rel, err := filepath.Rel(p.Dir, full)
	if err != nil || strings.HasPrefix(rel, "..") || rel == ".." {
		return nil, ErrOutsideSandbox
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("skills: read resource: %w", err)
	}
	return data, nil
}

// matchesTriggers reports whether the task description matches this
// package's configured trigger patterns (substring, case-insensitive)
// or the fuzzy word-overlap fallback from spec.md §4.2.
func (p *Package) matchesTriggers(description string) bool {
	lower := strings.ToLower(description)
	for _, pat := range p.Manifest.TriggerPatterns {
		if pat == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return fuzzyOverlap(description, p.Manifest.Description)
}

// fuzzyOverlap implements the non-trivial-word-overlap heuristic: a
// package auto-activates when ≥3 non-trivial words of its description
// appear in the task description (≥2 if the description is ≤8 words).
func fuzzyOverlap(task, description string) bool {
	taskWords := significantWords(task)
	descWords := significantWords(description)
	if len(descWords) == 0 {
		return false
	}

	threshold := 3
	if len(strings.Fields(description)) <= 8 {
		threshold = 2
	}

	overlap := 0
	for w := range descWords {
		if taskWords[w] {
			overlap++
		}
	}
	return overlap >= threshold
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "of": true, "and": true,
	"or": true, "for": true, "in": true, "on": true, "is": true, "are": true,
	"with": true, "this": true, "that": true, "it": true, "be": true, "as": true,
}

// significantWords lowercases and tokenizes s, discarding stop words and
// words shorter than 3 characters, returning a set for overlap counting.
func significantWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// loadPackage reads manifest.json from dir and constructs a Package.
func loadPackage(dir string) (*Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("skills: read package manifest: %w", err)
	}

	var m PackageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("skills: parse package manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	return &Package{Manifest: m, Dir: dir}, nil
}
