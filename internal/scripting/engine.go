// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

// Package scripting embeds a JavaScript interpreter and manages the
// lifecycle of user plugins: discovery, loading, starting, stopping, hot
// reload, and an interactive eval queue.
//
// The interpreter heap, the plugin collection, and the hook engine are
// single-threaded: they may only be touched from the simulation tick
// thread. Three boundary channels cross threads: the file watcher appends
// to a locked changed-file set, Eval enqueues requests from any goroutine
// for the tick thread to drain, and the tick thread publishes a status
// Snapshot other goroutines may read.
package scripting

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/tidepark/tidepark/internal/console"
)

// PluginAPIVersion is the engine's fixed API version. Plugins declaring a
// higher minApiVersion are loaded but never retained or started.
const PluginAPIVersion = 1

const (
	scriptFileExt = ".js"

	// dependencyDirName is excluded from plugin discovery; script trees
	// often vendor libraries there and those files are not plugins.
	dependencyDirName = "node_modules"

	// hotReloadInterval is the minimum number of clock milliseconds
	// between changed-file polls.
	hotReloadInterval = 1000
)

// State is the engine lifecycle state.
type State int

// Engine lifecycle states. Transitions are strictly ordered except that
// UnloadPlugins returns a started engine to StateInitialised.
const (
	StateUninitialised State = iota
	StateInitialised
	StatePluginsLoaded
	StatePluginsStarted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateInitialised:
		return "initialised"
	case StatePluginsLoaded:
		return "plugins-loaded"
	case StatePluginsStarted:
		return "plugins-started"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// evalRequest is one queued REPL evaluation. done is closed exactly once:
// after the request has been evaluated and its output routed, or when the
// engine shuts down with the request still pending.
type evalRequest struct {
	id     ulid.ULID
	source string
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorld attaches the host simulation state the script bindings expose.
// Without a world only console, context, and registerPlugin are bound.
func WithWorld(w World) Option {
	return func(e *Engine) { e.world = w }
}

// WithHotReload enables the file watcher during LoadPlugins.
func WithHotReload() Option {
	return func(e *Engine) { e.hotReload = true }
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the hot-reload polling clock. The clock must be
// monotonic milliseconds; the host simulation passes its own tick-derived
// clock so polling pauses while the simulation is paused.
func WithClock(clock func() uint64) Option {
	return func(e *Engine) { e.clock = clock }
}

// Engine owns one interpreter heap and drives the plugin lifecycle across
// simulation ticks. All methods are tick-thread-only except Eval,
// NotifyChangedFile, Snapshot, and Close.
type Engine struct {
	sink      console.Sink
	pluginDir string
	hotReload bool
	ignore    []glob.Glob
	world     World
	metrics   *Metrics
	clock     func() uint64

	vm       *goja.Runtime
	execInfo ExecInfo
	hooks    *HookEngine
	plugins  []*Plugin
	state    State
	closed   bool

	evalMu    sync.Mutex
	evalQueue []*evalRequest

	changedMu    sync.Mutex
	changedFiles map[string]struct{}

	snapMu   sync.Mutex
	snapshot Snapshot

	watcher         *Watcher
	lastReloadCheck uint64

	pluginStopped []func(*Plugin)
}

// NewEngine creates a script engine for plugins under pluginDir, writing
// REPL and plugin output to sink. The interpreter heap is allocated lazily
// by Initialise. ignorePatterns are extra glob patterns (relative to
// pluginDir) excluded from discovery.
func NewEngine(sink console.Sink, pluginDir string, ignorePatterns []string, opts ...Option) (*Engine, error) {
	e := &Engine{
		sink:         sink,
		pluginDir:    pluginDir,
		changedFiles: make(map[string]struct{}),
	}

	start := time.Now()
	e.clock = func() uint64 { return uint64(time.Since(start).Milliseconds()) }

	for _, pattern := range ignorePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, oops.In("scripting").With("pattern", pattern).Hint("invalid ignore pattern").Wrap(err)
		}
		e.ignore = append(e.ignore, g)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the engine lifecycle state. Tick-thread-only; other
// goroutines read state through Snapshot.
func (e *Engine) State() State {
	return e.state
}

// Plugins returns the live plugin collection in load order. Tick-thread-only
// like the collection itself; other goroutines use Snapshot.
func (e *Engine) Plugins() []*Plugin {
	out := make([]*Plugin, len(e.plugins))
	copy(out, e.plugins)
	return out
}

// Snapshot is a point-in-time view of the engine for readers on other
// goroutines (the control socket, startup logging). The tick thread
// publishes a fresh one after every lifecycle transition.
type Snapshot struct {
	State   State
	Plugins []PluginStatus
}

// PluginStatus describes one live plugin within a Snapshot.
type PluginStatus struct {
	Name    string
	Version string
	Authors []string
	Type    string
	Path    string
	Started bool
}

// Snapshot returns the last view published by the tick thread. Safe to call
// from any goroutine; the returned value shares nothing with the live
// plugin collection.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	snap := e.snapshot
	snap.Plugins = append([]PluginStatus(nil), snap.Plugins...)
	return snap
}

// publishSnapshot rebuilds the shared snapshot from the live collection.
// Tick-thread-only; runs after every mutation of engine state, plugin
// metadata, or started flags.
func (e *Engine) publishSnapshot() {
	snap := Snapshot{State: e.state}
	for _, p := range e.plugins {
		meta := p.Metadata()
		snap.Plugins = append(snap.Plugins, PluginStatus{
			Name:    p.Name(),
			Version: meta.Version,
			Authors: append([]string(nil), meta.Authors...),
			Type:    meta.Type,
			Path:    p.Path(),
			Started: p.HasStarted(),
		})
	}
	e.snapMu.Lock()
	e.snapshot = snap
	e.snapMu.Unlock()
}

// OnPluginStopped registers an observer invoked whenever a started plugin
// is stopped, before its teardown runs. Other subsystems use this to
// release per-plugin resources.
func (e *Engine) OnPluginStopped(fn func(*Plugin)) {
	e.pluginStopped = append(e.pluginStopped, fn)
}

// Initialise allocates the interpreter heap and registers the native
// bindings. Idempotent: a second call is a no-op. A binding registration
// failure is fatal and propagates; nothing can run without the heap.
func (e *Engine) Initialise() error {
	if e.closed {
		return oops.In("scripting").New("engine is closed")
	}
	if e.state >= StateInitialised {
		return nil
	}

	e.vm = goja.New()
	e.hooks = NewHookEngine(&e.execInfo, e.sink)
	if err := e.registerBindings(); err != nil {
		e.vm = nil
		e.hooks = nil
		return oops.In("scripting").Hint("unable to initialise interpreter context").Wrap(err)
	}

	e.state = StateInitialised
	e.publishSnapshot()
	slog.Debug("script engine initialised", "plugin_dir", e.pluginDir)
	return nil
}

// LoadPlugins scans the plugin directory once and loads every eligible
// script. Subsequent calls are no-ops until UnloadPlugins forces a rescan.
// Starts the file watcher when hot reload is enabled.
func (e *Engine) LoadPlugins() error {
	if err := e.Initialise(); err != nil {
		return err
	}
	if e.state >= StatePluginsLoaded {
		return nil
	}

	paths, err := e.discoverScripts()
	if err != nil {
		return err
	}
	for _, path := range paths {
		e.LoadPlugin(path)
	}

	if e.hotReload {
		e.setupHotReloading()
	}

	e.state = StatePluginsLoaded
	e.publishSnapshot()
	slog.Info("plugins loaded", "count", len(e.plugins), "dir", e.pluginDir)
	return nil
}

// discoverScripts walks the plugin directory for script files, excluding
// dependency trees and configured ignore patterns. A missing directory
// yields no scripts and no error.
func (e *Engine) discoverScripts() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.pluginDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != scriptFileExt {
			return nil
		}
		if e.shouldLoadScript(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, oops.In("scripting").With("dir", e.pluginDir).Hint("failed to scan plugin directory").Wrap(err)
	}

	// Sort for deterministic load order
	sort.Strings(paths)
	return paths, nil
}

// shouldLoadScript excludes vendored dependency trees and configured
// ignore patterns. The dependency check is case- and separator-insensitive
// because plugin directories get copied around between platforms.
func (e *Engine) shouldLoadScript(path string) bool {
	normalised := "/" + strings.ToLower(strings.ReplaceAll(path, `\`, "/")) + "/"
	if strings.Contains(normalised, "/"+dependencyDirName+"/") {
		return false
	}

	rel, err := filepath.Rel(e.pluginDir, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	for _, g := range e.ignore {
		if g.Match(rel) {
			return false
		}
	}
	return true
}

// LoadPlugin loads a single script. Load errors and version-gated plugins
// are reported through the sink and discarded; a bad plugin never aborts
// the batch load.
func (e *Engine) LoadPlugin(path string) {
	plugin := NewPlugin(e.vm, path)

	exit := e.execInfo.Enter(plugin)
	defer exit()

	if err := plugin.Load(); err != nil {
		e.metrics.incError("load")
		e.writePluginError(plugin, err)
		return
	}

	meta := plugin.Metadata()
	if meta.MinAPIVersion > PluginAPIVersion {
		e.logPluginInfo(plugin, fmt.Sprintf("Requires newer API version: v%d", meta.MinAPIVersion))
		e.metrics.incSkipped()
		return
	}

	e.plugins = append(e.plugins, plugin)
	e.logPluginInfo(plugin, "Loaded")
	e.metrics.incLoaded()
	e.publishSnapshot()
}

// StartPlugins starts every loaded plugin that has not started yet. Start
// errors are reported and do not stop the remaining plugins.
func (e *Engine) StartPlugins() {
	for _, plugin := range e.plugins {
		if !plugin.HasStarted() {
			e.startPlugin(plugin)
		}
	}
	e.state = StatePluginsStarted
	e.publishSnapshot()
}

func (e *Engine) startPlugin(plugin *Plugin) {
	exit := e.execInfo.Enter(plugin)
	defer exit()

	if err := plugin.Start(); err != nil {
		e.metrics.incError("start")
		e.writePluginError(plugin, err)
	}
}

// StopPlugin stops a started plugin. The ordering is load-bearing: hooks
// are unsubscribed first and stop observers notified second, so a stopping
// plugin cannot receive an event mid-teardown.
func (e *Engine) StopPlugin(plugin *Plugin) {
	if !plugin.HasStarted() {
		return
	}

	e.hooks.UnsubscribeAll(plugin)
	for _, fn := range e.pluginStopped {
		fn(plugin)
	}

	exit := e.execInfo.Enter(plugin)
	defer exit()

	if err := plugin.Stop(); err != nil {
		e.metrics.incError("stop")
		e.writePluginError(plugin, err)
	}
	e.publishSnapshot()
}

// StopPlugins stops every started plugin.
func (e *Engine) StopPlugins() {
	for _, plugin := range e.plugins {
		e.StopPlugin(plugin)
	}
	if e.state > StatePluginsLoaded {
		e.state = StatePluginsLoaded
	}
	e.publishSnapshot()
}

// UnloadPlugins stops every plugin and clears the collection. A following
// LoadPlugins call performs a fresh scan.
func (e *Engine) UnloadPlugins() {
	e.StopPlugins()
	for _, plugin := range e.plugins {
		e.logPluginInfo(plugin, "Unloaded")
		e.metrics.incUnloads()
	}
	e.plugins = nil
	if e.state > StateInitialised {
		e.state = StateInitialised
	}
	e.publishSnapshot()
}

// setupHotReloading starts the file watcher. Failure is downgraded to a
// diagnostic: hot reload is unavailable for the session but everything
// else keeps working.
func (e *Engine) setupHotReloading() {
	watcher, err := NewWatcher(e.pluginDir, e.NotifyChangedFile)
	if err != nil {
		slog.Warn("unable to enable hot reloading of plugins", "error", err)
		return
	}
	e.watcher = watcher
	slog.Info("hot reloading of plugins enabled", "dir", e.pluginDir)
}

// NotifyChangedFile records a script file as pending hot reload. Safe to
// call from any goroutine; the file watcher calls it from its own. Repeat
// notifications before the next poll are deduplicated.
func (e *Engine) NotifyChangedFile(path string) {
	e.changedMu.Lock()
	defer e.changedMu.Unlock()
	e.changedFiles[path] = struct{}{}
}

// AutoReloadPlugins drains the changed-file set and reloads every live
// plugin whose file changed. Paths with no matching live plugin are
// ignored: new files require a fresh LoadPlugins cycle.
func (e *Engine) AutoReloadPlugins() {
	e.changedMu.Lock()
	if len(e.changedFiles) == 0 {
		e.changedMu.Unlock()
		return
	}
	changed := make([]string, 0, len(e.changedFiles))
	for path := range e.changedFiles {
		changed = append(changed, path)
	}
	e.changedFiles = make(map[string]struct{})
	e.changedMu.Unlock()

	sort.Strings(changed)
	for _, path := range changed {
		if plugin := e.findPluginByPath(path); plugin != nil {
			e.reloadPlugin(plugin)
		}
	}
}

// reloadPlugin stops, reloads, and restarts one plugin. A load failure
// leaves the plugin stopped but still live; a later successful reload can
// revive it.
func (e *Engine) reloadPlugin(plugin *Plugin) {
	e.StopPlugin(plugin)
	defer e.publishSnapshot()

	exit := e.execInfo.Enter(plugin)
	defer exit()

	if err := plugin.Load(); err != nil {
		e.metrics.incError("reload")
		e.writePluginError(plugin, err)
		return
	}
	e.logPluginInfo(plugin, "Reloaded")
	e.metrics.incReloads()

	if err := plugin.Start(); err != nil {
		e.metrics.incError("start")
		e.writePluginError(plugin, err)
	}
}

func (e *Engine) findPluginByPath(path string) *Plugin {
	path = filepath.Clean(path)
	for _, plugin := range e.plugins {
		if filepath.Clean(plugin.Path()) == path {
			return plugin
		}
	}
	return nil
}

// Update is the per-tick entry point. It ensures initialisation, starts
// freshly-loaded plugins, polls for hot reloads at most once per interval,
// and always drains the eval queue so the REPL works in every state.
func (e *Engine) Update() error {
	if err := e.Initialise(); err != nil {
		return err
	}

	if e.state >= StatePluginsLoaded {
		if e.state < StatePluginsStarted {
			e.StartPlugins()
		} else {
			now := e.clock()
			if now-e.lastReloadCheck > hotReloadInterval {
				e.AutoReloadPlugins()
				e.lastReloadCheck = now
			}
		}
	}

	e.ProcessREPL()
	return nil
}

// Eval enqueues source for evaluation on the tick thread and returns a
// channel closed once the evaluation has run and its output has been
// routed. Safe to call from any goroutine; the only entry point for
// external callers to request execution. If the engine is already closed
// the channel is returned closed.
func (e *Engine) Eval(source string) <-chan struct{} {
	req := &evalRequest{
		id:     ulid.Make(),
		source: source,
		done:   make(chan struct{}),
	}

	e.evalMu.Lock()
	if e.closed {
		e.evalMu.Unlock()
		close(req.done)
		return req.done
	}
	e.evalQueue = append(e.evalQueue, req)
	e.evalMu.Unlock()

	return req.done
}

// ProcessREPL drains pending eval requests in submission order. Evaluation
// errors go to the error sink; defined results are stringified (objects as
// JSON) to the normal sink. Each request's done channel is closed last, so
// the submitter observes output ordering before unblocking.
func (e *Engine) ProcessREPL() {
	for {
		e.evalMu.Lock()
		if len(e.evalQueue) == 0 {
			e.evalMu.Unlock()
			return
		}
		req := e.evalQueue[0]
		e.evalQueue = e.evalQueue[1:]
		e.evalMu.Unlock()

		e.processEval(req)
	}
}

func (e *Engine) processEval(req *evalRequest) {
	defer close(req.done)

	slog.Debug("evaluating console input", "request_id", req.id.String())

	value, err := e.vm.RunString(req.source)
	if err != nil {
		e.metrics.incEval("error")
		e.sink.WriteLineError(errString(err))
		return
	}
	if value == nil || goja.IsUndefined(value) {
		e.metrics.incEval("undefined")
		return
	}

	e.metrics.incEval("ok")
	e.sink.WriteLine(e.stringify(value))
}

// DispatchHook routes a simulation event to subscribed plugin callbacks.
// payload, if non-nil, is passed to callbacks as a single object argument.
// Tick-thread-only; a no-op before initialisation.
func (e *Engine) DispatchHook(kind HookKind, payload map[string]any) {
	if e.state < StateInitialised || !e.hooks.HasSubscriptions(kind) {
		return
	}
	e.metrics.incHook(kind)

	var args []goja.Value
	if payload != nil {
		args = append(args, e.vm.ToValue(payload))
	}
	e.hooks.Call(kind, args...)
}

// Close stops the watcher, unloads all plugins, fails any pending eval
// requests so waiters never hang, and releases the interpreter heap.
// The engine cannot be reused afterwards. Idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}

	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			slog.Warn("failed to close plugin file watcher", "error", err)
		}
		e.watcher = nil
	}

	if e.state >= StatePluginsLoaded {
		e.UnloadPlugins()
	}

	// DispatchHook and friends guard on the state; it must drop below
	// Initialised before the hook engine and heap go away.
	e.state = StateUninitialised

	e.evalMu.Lock()
	e.closed = true
	pending := e.evalQueue
	e.evalQueue = nil
	e.evalMu.Unlock()

	for _, req := range pending {
		e.metrics.incEval("abandoned")
		close(req.done)
	}

	// The heap is released exactly once and never reused.
	e.vm = nil
	e.hooks = nil
	e.publishSnapshot()
	return nil
}

// stringify renders an evaluation result for console output: non-function
// objects as JSON, everything else via the runtime's string conversion.
func (e *Engine) stringify(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if s, ok := e.jsonEncode(obj); ok {
				return s
			}
		}
	}
	return v.String()
}

func (e *Engine) jsonEncode(v goja.Value) (string, bool) {
	jsonObj, ok := e.vm.Get("JSON").(*goja.Object)
	if !ok {
		return "", false
	}
	stringifyFn, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return "", false
	}
	res, err := stringifyFn(jsonObj, v)
	if err != nil || res == nil || goja.IsUndefined(res) {
		return "", false
	}
	return res.String(), true
}

// logPluginInfo writes one lifecycle line per transition, prefixed with
// the plugin's name in brackets.
func (e *Engine) logPluginInfo(plugin *Plugin, message string) {
	e.sink.WriteLine("[" + plugin.Name() + "] " + message)
}

func (e *Engine) writePluginError(plugin *Plugin, err error) {
	e.sink.WriteLineError("[" + plugin.Name() + "] " + errString(err))
}

// errString prefers the script-level representation of a thrown value over
// the wrapped Go error chain.
func errString(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}
