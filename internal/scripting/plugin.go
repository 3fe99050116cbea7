// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/dop251/goja"
	"github.com/samber/oops"
)

// PluginMetadata is the information a script declares via registerPlugin.
// Immutable between loads; a reload re-extracts it, so a plugin may change
// its own name or version across reloads.
type PluginMetadata struct {
	Name          string
	Version       string
	Authors       []string
	Type          string
	MinAPIVersion int
}

// Plugin wraps one script file loaded into the shared interpreter heap.
//
// Lifecycle: Constructed -> Loaded -> Started -> Stopped, with
// Stopped -> Loaded permitted for hot reload.
type Plugin struct {
	vm   *goja.Runtime
	path string

	metadata   PluginMetadata
	main       goja.Callable
	unload     goja.Callable
	registered bool
	started    bool
}

// NewPlugin constructs a plugin for the script at path. The script is not
// evaluated until Load.
func NewPlugin(vm *goja.Runtime, path string) *Plugin {
	return &Plugin{vm: vm, path: path}
}

// Path returns the script file path.
func (p *Plugin) Path() string {
	return p.path
}

// Metadata returns the metadata extracted by the most recent Load.
func (p *Plugin) Metadata() PluginMetadata {
	return p.metadata
}

// Name returns the declared plugin name, falling back to the file name
// before metadata has been extracted.
func (p *Plugin) Name() string {
	if p.metadata.Name != "" {
		return p.metadata.Name
	}
	return strings.TrimSuffix(filepath.Base(p.path), filepath.Ext(p.path))
}

// HasStarted reports whether Start has been called more recently than Stop.
func (p *Plugin) HasStarted() bool {
	return p.started
}

// Load evaluates the script body in the shared runtime and captures the
// metadata it registers. Safe to call again for hot reload; each load
// re-extracts metadata. The caller must have entered this plugin's
// execution scope so registerPlugin can attribute the registration.
func (p *Plugin) Load() error {
	src, err := os.ReadFile(p.path)
	if err != nil {
		return oops.In("scripting").With("path", p.path).Hint("failed to read plugin file").Wrap(err)
	}

	p.registered = false
	p.main = nil
	p.unload = nil

	if _, err := p.vm.RunScript(filepath.Base(p.path), string(src)); err != nil {
		return oops.In("scripting").With("path", p.path).Wrap(err)
	}

	if !p.registered {
		return oops.In("scripting").With("path", p.path).New("script did not call registerPlugin")
	}
	return nil
}

// Start invokes the plugin's entry point.
func (p *Plugin) Start() error {
	if p.main == nil {
		return oops.In("scripting").With("plugin", p.Name()).New("plugin has no entry point")
	}
	if _, err := p.main(goja.Undefined()); err != nil {
		return oops.In("scripting").With("plugin", p.Name()).Wrap(err)
	}
	p.started = true
	return nil
}

// Stop invokes the plugin's optional teardown and clears the started state.
// The started state is cleared even when teardown fails.
func (p *Plugin) Stop() error {
	p.started = false
	if p.unload == nil {
		return nil
	}
	if _, err := p.unload(goja.Undefined()); err != nil {
		return oops.In("scripting").With("plugin", p.Name()).Wrap(err)
	}
	return nil
}

// register is called by the engine's registerPlugin binding while this
// plugin's Load is on the execution scope stack.
func (p *Plugin) register(meta PluginMetadata, main, unload goja.Callable) {
	p.metadata = meta
	p.main = main
	p.unload = unload
	p.registered = true
}

// parsePluginMetadata extracts and validates the object passed to
// registerPlugin.
func parsePluginMetadata(v goja.Value) (PluginMetadata, goja.Callable, goja.Callable, error) {
	var meta PluginMetadata

	obj, ok := v.(*goja.Object)
	if !ok || goja.IsNull(v) {
		return meta, nil, nil, oops.In("scripting").New("registerPlugin expects a metadata object")
	}

	name := obj.Get("name")
	if name == nil || goja.IsUndefined(name) || name.String() == "" {
		return meta, nil, nil, oops.In("scripting").New("plugin metadata is missing a name")
	}
	meta.Name = name.String()

	version := obj.Get("version")
	if version == nil || goja.IsUndefined(version) {
		return meta, nil, nil, oops.In("scripting").With("plugin", meta.Name).New("plugin metadata is missing a version")
	}
	meta.Version = version.String()
	if _, err := semver.NewVersion(meta.Version); err != nil {
		return meta, nil, nil, oops.In("scripting").
			With("plugin", meta.Name).
			With("version", meta.Version).
			Hint("version must be semantic, e.g. 1.0.0").
			Wrap(err)
	}

	meta.Type = "local"
	if typ := obj.Get("type"); typ != nil && !goja.IsUndefined(typ) {
		meta.Type = typ.String()
		if meta.Type != "local" && meta.Type != "remote" {
			return meta, nil, nil, oops.In("scripting").
				With("plugin", meta.Name).
				With("type", meta.Type).
				New(`plugin type must be "local" or "remote"`)
		}
	}

	meta.MinAPIVersion = PluginAPIVersion
	if minVer := obj.Get("minApiVersion"); minVer != nil && !goja.IsUndefined(minVer) {
		meta.MinAPIVersion = int(minVer.ToInteger())
	}

	if authors := obj.Get("authors"); authors != nil && !goja.IsUndefined(authors) && !goja.IsNull(authors) {
		switch exported := authors.Export().(type) {
		case string:
			meta.Authors = []string{exported}
		case []any:
			for _, a := range exported {
				if s, ok := a.(string); ok {
					meta.Authors = append(meta.Authors, s)
				}
			}
		}
	}

	mainVal := obj.Get("main")
	main, ok := goja.AssertFunction(mainVal)
	if !ok {
		return meta, nil, nil, oops.In("scripting").With("plugin", meta.Name).New("plugin metadata main must be a function")
	}

	var unload goja.Callable
	if unloadVal := obj.Get("unload"); unloadVal != nil && !goja.IsUndefined(unloadVal) {
		unload, ok = goja.AssertFunction(unloadVal)
		if !ok {
			return meta, nil, nil, oops.In("scripting").With("plugin", meta.Name).New("plugin metadata unload must be a function")
		}
	}

	return meta, main, unload, nil
}
