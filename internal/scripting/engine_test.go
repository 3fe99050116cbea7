// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepark/tidepark/internal/console"
	"github.com/tidepark/tidepark/internal/scripting"
)

// Helper functions for creating test fixtures with secure permissions.
func mkdirAll(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o750))
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// pluginSource renders a minimal valid plugin script. Globals are prefixed
// with the plugin name because every plugin shares one heap.
func pluginSource(name string, body string) string {
	return fmt.Sprintf(`
registerPlugin({
	name: %q,
	version: '1.0.0',
	authors: ['tests'],
	type: 'local',
	minApiVersion: 1,
	main: function () { %s }
});
`, name, body)
}

func newEngine(t *testing.T, dir string, opts ...scripting.Option) (*scripting.Engine, *console.Buffer) {
	t.Helper()
	sink := console.NewBuffer()
	engine, err := scripting.NewEngine(sink, dir, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close())
	})
	return engine, sink
}

// evalNow submits source and drains the queue on the calling goroutine,
// which stands in for the tick thread.
func evalNow(t *testing.T, engine *scripting.Engine, source string) {
	t.Helper()
	done := engine.Eval(source)
	engine.ProcessREPL()
	select {
	case <-done:
	default:
		t.Fatal("eval request did not complete after ProcessREPL")
	}
}

func textLines(lines []console.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestEngine_Initialise_Idempotent(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())

	require.NoError(t, engine.Initialise())
	assert.Equal(t, scripting.StateInitialised, engine.State())

	// A value planted in the heap must survive a second Initialise: the
	// heap is created once and bindings are registered once.
	evalNow(t, engine, "globalThis.initMarker = 42")
	require.NoError(t, engine.Initialise())
	evalNow(t, engine, "initMarker")

	assert.Contains(t, textLines(sink.Lines()), "42")
}

func TestEngine_LoadPlugins_ScenarioA_SkipsDependencyTrees(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))
	mkdirAll(t, filepath.Join(dir, "vendor", "node_modules"))
	writeFile(t, filepath.Join(dir, "vendor", "node_modules", "b.js"), pluginSource("beta", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())

	plugins := engine.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "alpha", plugins[0].Name())
	assert.Contains(t, textLines(sink.Lines()), "[alpha] Loaded")
}

func TestEngine_LoadPlugins_IgnorePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))
	mkdirAll(t, filepath.Join(dir, "disabled"))
	writeFile(t, filepath.Join(dir, "disabled", "c.js"), pluginSource("gamma", ""))

	sink := console.NewBuffer()
	engine, err := scripting.NewEngine(sink, dir, []string{"disabled/**"})
	require.NoError(t, err)
	defer engine.Close() //nolint:errcheck

	require.NoError(t, engine.LoadPlugins())
	require.Len(t, engine.Plugins(), 1)
	assert.Equal(t, "alpha", engine.Plugins()[0].Name())
}

func TestEngine_LoadPlugins_MissingDirectory(t *testing.T) {
	engine, _ := newEngine(t, filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, engine.LoadPlugins())
	assert.Empty(t, engine.Plugins())
	assert.Equal(t, scripting.StatePluginsLoaded, engine.State())
}

func TestEngine_LoadPlugins_NeverRescans(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))

	engine, _ := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	require.Len(t, engine.Plugins(), 1)

	// A file added after the initial scan is not picked up without an
	// UnloadPlugins cycle.
	writeFile(t, filepath.Join(dir, "b.js"), pluginSource("beta", ""))
	require.NoError(t, engine.LoadPlugins())
	assert.Len(t, engine.Plugins(), 1)

	engine.UnloadPlugins()
	require.NoError(t, engine.LoadPlugins())
	assert.Len(t, engine.Plugins(), 2)
}

func TestEngine_LoadPlugin_ScenarioB_VersionGate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "c.js"), `
registerPlugin({
	name: 'future',
	version: '1.0.0',
	minApiVersion: 2,
	main: function () {}
});
`)

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())

	assert.Empty(t, engine.Plugins(), "too-new plugin must not be retained")
	assert.Contains(t, textLines(sink.Lines()), "[future] Requires newer API version: v2")

	// A plugin that was never retained can never be started.
	engine.StartPlugins()
	for _, line := range sink.Lines() {
		assert.NotContains(t, line.Text, "started")
	}
}

func TestEngine_LoadPlugin_BadScriptDoesNotAbortBatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.js"), "this is not javascript ~~~")
	writeFile(t, filepath.Join(dir, "good.js"), pluginSource("good", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())

	require.Len(t, engine.Plugins(), 1)
	assert.Equal(t, "good", engine.Plugins()[0].Name())

	var sawError bool
	for _, line := range sink.Lines() {
		if line.IsErr {
			sawError = true
		}
	}
	assert.True(t, sawError, "the bad plugin should produce an error line")
}

func TestEngine_LoadPlugin_MissingRegisterPlugin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "silent.js"), "var x = 1;")

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())

	assert.Empty(t, engine.Plugins())
	var errLine string
	for _, line := range sink.Lines() {
		if line.IsErr {
			errLine = line.Text
		}
	}
	assert.Contains(t, errLine, "registerPlugin")
}

func TestEngine_StartPlugins_RunsEntryPointOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", "console.log('main ran');"))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()
	engine.StartPlugins() // second call must not re-run started plugins

	assert.Equal(t, scripting.StatePluginsStarted, engine.State())
	assert.True(t, engine.Plugins()[0].HasStarted())

	count := 0
	for _, line := range sink.Lines() {
		if line.Text == "[alpha] main ran" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEngine_StartPlugins_ErrorIsCaughtAndLogged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("broken", "throw new Error('boom');"))
	writeFile(t, filepath.Join(dir, "b.js"), pluginSource("fine", "console.log('ok');"))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	var errLine string
	for _, line := range sink.Lines() {
		if line.IsErr {
			errLine = line.Text
		}
	}
	assert.Contains(t, errLine, "[broken]")
	assert.Contains(t, errLine, "boom")
	assert.Contains(t, textLines(sink.Lines()), "[fine] ok", "other plugins still start")
}

func TestEngine_StopPlugin_UnsubscribesHooksBeforeTeardown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("chatty",
		"context.subscribe('network.chat', function () { console.log('GOT CHAT'); });"))

	engine, sink := newEngine(t, dir)

	// The stop observer runs after UnsubscribeAll and before Stop; a hook
	// fired here must not reach the stopping plugin.
	engine.OnPluginStopped(func(*scripting.Plugin) {
		engine.DispatchHook(scripting.HookNetworkChat, map[string]any{"message": "hi"})
	})

	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	// Sanity check the subscription is live before stopping.
	engine.DispatchHook(scripting.HookNetworkChat, map[string]any{"message": "hi"})
	assert.Contains(t, textLines(sink.Lines()), "[chatty] GOT CHAT")

	before := len(sink.Lines())
	engine.StopPlugin(engine.Plugins()[0])
	for _, line := range sink.Lines()[before:] {
		assert.NotEqual(t, "[chatty] GOT CHAT", line.Text,
			"removed subscription must not fire during stop")
	}
	assert.False(t, engine.Plugins()[0].HasStarted())
}

func TestEngine_UnloadPlugins_LogsAndClears(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	engine.UnloadPlugins()

	assert.Empty(t, engine.Plugins())
	assert.Equal(t, scripting.StateInitialised, engine.State())
	assert.Contains(t, textLines(sink.Lines()), "[alpha] Unloaded")
}

func TestEngine_Eval_ScenarioC(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())
	require.NoError(t, engine.Initialise())

	evalNow(t, engine, "1+1")
	evalNow(t, engine, "({a:1})")
	evalNow(t, engine, "undefinedVar")
	evalNow(t, engine, "undefined")

	lines := sink.Lines()
	require.Len(t, lines, 3, "the undefined result must not produce output")
	assert.Equal(t, console.Line{Text: "2"}, lines[0])
	assert.Equal(t, console.Line{Text: `{"a":1}`}, lines[1])
	assert.True(t, lines[2].IsErr)
	assert.Contains(t, lines[2].Text, "undefinedVar")
}

func TestEngine_Eval_FunctionResultUsesStringConversion(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())
	require.NoError(t, engine.Initialise())

	evalNow(t, engine, "(function named() {})")

	lines := sink.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Text, "function")
}

func TestEngine_Eval_FIFOOrder(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())
	require.NoError(t, engine.Initialise())

	first := engine.Eval("'first'")
	second := engine.Eval("'second'")
	third := engine.Eval("'third'")

	engine.ProcessREPL()
	<-first
	<-second
	<-third

	assert.Equal(t, []string{"first", "second", "third"}, textLines(sink.Lines()),
		"requests execute strictly in enqueue order")
}

func TestEngine_Eval_CompletionFiresBeforeUnblocking(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())
	require.NoError(t, engine.Initialise())

	done := engine.Eval("'out'")
	engine.ProcessREPL()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion signal did not fire")
	}
	// Output was routed before the signal fired.
	assert.Equal(t, "out", sink.Lines()[0].Text)
}

func TestEngine_Eval_WorksBeforePluginsLoad(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())

	done := engine.Eval("40+2")
	require.NoError(t, engine.Update())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eval did not complete during Update")
	}
	assert.Equal(t, "42", sink.Lines()[0].Text)
}

func TestEngine_Close_FailsPendingEvals(t *testing.T) {
	sink := console.NewBuffer()
	engine, err := scripting.NewEngine(sink, t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Initialise())

	pending := engine.Eval("1+1")
	require.NoError(t, engine.Close())

	select {
	case <-pending:
	case <-time.After(time.Second):
		t.Fatal("pending eval must complete on shutdown")
	}

	// Eval after close completes immediately and executes nothing.
	late := engine.Eval("1+1")
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("post-close eval must complete immediately")
	}
	assert.Empty(t, sink.Lines())

	require.NoError(t, engine.Close(), "Close is idempotent")
}

func TestEngine_AutoReload_RoundTripKeepsMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	writeFile(t, path, pluginSource("alpha", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	before := engine.Plugins()[0].Metadata()

	engine.NotifyChangedFile(path)
	engine.AutoReloadPlugins()

	plugin := engine.Plugins()[0]
	assert.True(t, plugin.HasStarted(), "reloaded plugin re-enters Started")
	assert.Equal(t, before, plugin.Metadata())

	count := 0
	for _, line := range sink.Lines() {
		if line.Text == "[alpha] Reloaded" {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one Reloaded line")
}

func TestEngine_AutoReload_PicksUpNewMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	writeFile(t, path, pluginSource("alpha", ""))

	engine, _ := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	writeFile(t, path, `
registerPlugin({
	name: 'alpha',
	version: '2.0.0',
	main: function () {}
});
`)
	engine.NotifyChangedFile(path)
	engine.AutoReloadPlugins()

	assert.Equal(t, "2.0.0", engine.Plugins()[0].Metadata().Version)
}

func TestEngine_AutoReload_UnknownPathIgnored(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	before := len(sink.Lines())
	engine.NotifyChangedFile(filepath.Join(dir, "new-arrival.js"))
	engine.AutoReloadPlugins()

	assert.Len(t, sink.Lines(), before, "unmatched paths reload nothing")
}

func TestEngine_AutoReload_LoadFailureLeavesPluginStopped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	writeFile(t, path, pluginSource("alpha", ""))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	writeFile(t, path, "syntax error here ~~~")
	engine.NotifyChangedFile(path)
	engine.AutoReloadPlugins()

	plugin := engine.Plugins()[0]
	assert.False(t, plugin.HasStarted(), "failed reload leaves the plugin stopped")
	require.Len(t, engine.Plugins(), 1, "failed reload must not remove the plugin")

	// A later good reload revives it.
	writeFile(t, path, pluginSource("alpha", ""))
	engine.NotifyChangedFile(path)
	engine.AutoReloadPlugins()
	assert.True(t, engine.Plugins()[0].HasStarted())
	assert.Contains(t, textLines(sink.Lines()), "[alpha] Reloaded")
}

func TestEngine_Update_ScenarioD_HotReloadEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	writeFile(t, path, pluginSource("alpha", ""))

	var clockMS uint64
	sink := console.NewBuffer()
	engine, err := scripting.NewEngine(sink, dir, nil,
		scripting.WithHotReload(),
		scripting.WithClock(func() uint64 { return clockMS }))
	require.NoError(t, err)
	defer engine.Close() //nolint:errcheck

	require.NoError(t, engine.LoadPlugins())
	require.NoError(t, engine.Update()) // starts plugins
	require.True(t, engine.Plugins()[0].HasStarted())

	writeFile(t, path, pluginSource("alpha", "console.log('reborn');"))

	require.Eventually(t, func() bool {
		clockMS += hotReloadStep
		if err := engine.Update(); err != nil {
			return false
		}
		for _, line := range sink.Lines() {
			if line.Text == "[alpha] Reloaded" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "watcher-driven reload within the polling interval")

	reloads := 0
	for _, line := range sink.Lines() {
		if line.Text == "[alpha] Reloaded" {
			reloads++
		}
	}
	assert.Equal(t, 1, reloads)
	assert.Contains(t, textLines(sink.Lines()), "[alpha] reborn")
}

// hotReloadStep advances the fake clock past the 1000 ms polling interval.
const hotReloadStep = 1001

func TestEngine_DispatchHook_PayloadAndErrorIsolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("thrower",
		"context.subscribe('network.chat', function () { throw new Error('hook boom'); });"))
	writeFile(t, filepath.Join(dir, "b.js"), pluginSource("listener",
		"context.subscribe('network.chat', function (e) { console.log('heard ' + e.message); });"))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	engine.DispatchHook(scripting.HookNetworkChat, map[string]any{"message": "hello"})

	lines := sink.Lines()
	var sawError, sawListener bool
	for _, line := range lines {
		if line.IsErr && line.Text != "" {
			assert.Contains(t, line.Text, "[thrower]")
			sawError = true
		}
		if line.Text == "[listener] heard hello" {
			sawListener = true
		}
	}
	assert.True(t, sawError, "hook error is attributed to the throwing plugin")
	assert.True(t, sawListener, "a throwing callback must not stop dispatch")
}

func TestEngine_Subscribe_DisposableRemovesSubscription(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("fickle", `
		var sub = context.subscribe('interval.day', function () { console.log('day'); });
		sub.dispose();
		sub.dispose(); // dispose is idempotent
	`))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()

	engine.DispatchHook(scripting.HookIntervalDay, nil)
	for _, line := range sink.Lines() {
		assert.NotEqual(t, "[fickle] day", line.Text)
	}
}

func TestEngine_Subscribe_FromREPLFails(t *testing.T) {
	engine, sink := newEngine(t, t.TempDir())
	require.NoError(t, engine.Initialise())

	evalNow(t, engine, "context.subscribe('interval.day', function () {})")

	require.NotEmpty(t, sink.Lines())
	last := sink.Lines()[len(sink.Lines())-1]
	assert.True(t, last.IsErr)
	assert.Contains(t, last.Text, "plugin")
}

func TestEngine_DispatchHook_AfterCloseIsNoOp(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha",
		"context.subscribe('interval.tick', function () { console.log('tick'); });"))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())
	engine.StartPlugins()
	require.NoError(t, engine.Close())

	assert.Equal(t, scripting.StateUninitialised, engine.State(),
		"a closed engine drops back below initialised")
	before := len(sink.Lines())
	assert.NotPanics(t, func() {
		engine.DispatchHook(scripting.HookIntervalTick, nil)
		engine.DispatchHook(scripting.HookNetworkChat, map[string]any{"message": "late"})
	})
	assert.Len(t, sink.Lines(), before, "dispatch after close reaches nothing")
}

func TestEngine_Snapshot_TracksLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("alpha", ""))

	engine, _ := newEngine(t, dir)
	assert.Equal(t, scripting.StateUninitialised, engine.Snapshot().State)

	require.NoError(t, engine.LoadPlugins())
	snap := engine.Snapshot()
	assert.Equal(t, scripting.StatePluginsLoaded, snap.State)
	require.Len(t, snap.Plugins, 1)
	assert.Equal(t, "alpha", snap.Plugins[0].Name)
	assert.Equal(t, "1.0.0", snap.Plugins[0].Version)
	assert.False(t, snap.Plugins[0].Started)

	engine.StartPlugins()
	snap = engine.Snapshot()
	assert.Equal(t, scripting.StatePluginsStarted, snap.State)
	require.Len(t, snap.Plugins, 1)
	assert.True(t, snap.Plugins[0].Started)

	engine.UnloadPlugins()
	snap = engine.Snapshot()
	assert.Equal(t, scripting.StateInitialised, snap.State)
	assert.Empty(t, snap.Plugins)
}

func TestEngine_Snapshot_ReadableDuringReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.js")
	writeFile(t, path, pluginSource("alpha", ""))

	var clockMS uint64
	sink := console.NewBuffer()
	engine, err := scripting.NewEngine(sink, dir, nil,
		scripting.WithClock(func() uint64 { return clockMS }))
	require.NoError(t, err)
	defer engine.Close() //nolint:errcheck

	require.NoError(t, engine.LoadPlugins())

	// A status reader on another goroutine while this goroutine plays the
	// tick thread, starting and repeatedly reloading the plugin. The race
	// detector covers the boundary.
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				snap := engine.Snapshot()
				for _, p := range snap.Plugins {
					_ = p.Name
					_ = p.Started
				}
			}
		}
	}()

	for i := 0; i < 50; i++ {
		clockMS += hotReloadStep
		engine.NotifyChangedFile(path)
		require.NoError(t, engine.Update())
	}
	close(stop)
	<-readerDone

	snap := engine.Snapshot()
	assert.Equal(t, scripting.StatePluginsStarted, snap.State)
	require.Len(t, snap.Plugins, 1)
	assert.True(t, snap.Plugins[0].Started)
}

func TestEngine_Subscribe_UnknownHookFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.js"), pluginSource("curious",
		"context.subscribe('no.such.hook', function () {});"))

	engine, sink := newEngine(t, dir)
	require.NoError(t, engine.LoadPlugins())

	// The subscribe throws during main, so start fails but is contained.
	engine.StartPlugins()

	var errLine string
	for _, line := range sink.Lines() {
		if line.IsErr {
			errLine = line.Text
		}
	}
	assert.Contains(t, errLine, "unknown hook kind")
}
