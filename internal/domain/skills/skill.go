// Package skills implements the Skills Registry: a two-tier catalog of
// callable capabilities exposed to the Reasoning Loop. The plugin tier
// wraps infrastructure/plugin.Loader's directory-scanned, factory-built
// plugins; the package tier adds declarative, manifest-described skill
// packages with progressive disclosure and sandboxed resource reads.
package skills

import (
	"context"
	"errors"
	"time"
)

// Skill is the callable unit the registry exposes to the Reasoning Loop.
type Skill interface {
	Name() string
	Description() string
	Usage() string
	Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

var (
	ErrSkillNotFound    = errors.New("skills: not found")
	ErrSkillDenied      = errors.New("skills: denied by policy")
	ErrSkillExists      = errors.New("skills: already registered")
	ErrOutsideSandbox   = errors.New("skills: resource path escapes package directory")
	ErrPackageNotFound  = errors.New("skills: package not found")
	ErrPackageNotActive = errors.New("skills: package not activated")
)

// PromptMode selects how promptSurface renders the catalog for the LLM.
type PromptMode string

const (
	// ModeFull lists every registered skill with full description+usage.
	ModeFull PromptMode = "full"
	// ModeCompact lists name + one-line description only.
	ModeCompact PromptMode = "compact"
	// ModeRelevant filters to skills/packages matching supplied keywords.
	ModeRelevant PromptMode = "relevant-to-keywords"
)

// entry wraps a registered plugin-tier skill with registry bookkeeping.
type entry struct {
	skill     Skill
	sourceURL string
	loadedAt  time.Time
}

// HealthReport is the result of checkHealth().
type HealthReport struct {
	Healthy []string `json:"healthy"`
	Issues  []string `json:"issues"`
}
