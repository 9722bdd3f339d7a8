package skills

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/plugin"
	"go.uber.org/zap"
)

// pluginSkill adapts infrastructure/plugin.Plugin (name/version/init/
// execute/shutdown) to the registry's Skill interface.
type pluginSkill struct {
	name   string
	desc   string
	usage  string
	loader *plugin.Loader
}

func (p *pluginSkill) Name() string        { return p.name }
func (p *pluginSkill) Description() string { return p.desc }
func (p *pluginSkill) Usage() string       { return p.usage }
func (p *pluginSkill) Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return p.loader.Execute(ctx, p.name, args)
}

// AttachPluginLoader wires an infrastructure/plugin.Loader as the plugin
// tier of the registry: on load and on reload it registers each plugin as
// a Skill; on unload/removal it unregisters it. Load failures are not
// handled by these callbacks; LoadPlugins enqueues the self-repair task.
func (r *Registry) AttachPluginLoader(loader *plugin.Loader) {
	loader.SetCallbacks(
		func(name string) { r.onPluginLoaded(loader, name) },
		func(name string) { r.Unregister(name) },
		func(name string) { r.onPluginLoaded(loader, name) },
	)
}

func (r *Registry) onPluginLoaded(loader *plugin.Loader, name string) {
	for _, meta := range loader.List() {
		if meta.Name != name {
			continue
		}
		r.Unregister(name)
		skill := &pluginSkill{name: meta.Name, desc: meta.Description, usage: meta.EntryPoint, loader: loader}
		if err := r.Register(skill, sourceURLFromConfig(meta.Config)); err != nil {
			r.logger.Error("Failed to register plugin as skill", zap.String("name", name), zap.Error(err))
		}
		return
	}
}

func sourceURLFromConfig(cfg map[string]interface{}) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg["sourceUrl"].(string); ok {
		return v
	}
	return ""
}

// LoadPlugins scans dir for plugin directories via the attached loader and
// registers each as a skill, enqueueing a self-repair task for any that
// fail to load (spec.md §4.2). The loader itself owns factory resolution;
// callers register factories against it before calling LoadPlugins.
func (r *Registry) LoadPlugins(ctx context.Context, loader *plugin.Loader, dir string) error {
	if dir == "" {
		dir = r.pluginDir
	}
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return fmt.Errorf("skills: scan plugin dir: %w", err)
	}

	for _, pluginPath := range entries {
		if err := loader.Load(ctx, pluginPath); err != nil {
			name := filepath.Base(pluginPath)
			r.logger.Error("Plugin failed to load", zap.String("path", pluginPath), zap.Error(err))
			r.enqueueRepair(ctx, name, err)
			continue
		}
	}
	r.AttachPluginLoader(loader)
	for _, meta := range loader.List() {
		r.onPluginLoaded(loader, meta.Name)
	}
	return nil
}
