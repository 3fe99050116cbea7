// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

// ExecInfo tracks which plugin's code is currently executing so native
// callbacks (console output, error reporting, registerPlugin) can attribute
// their work to the right plugin.
//
// ExecInfo is tick-thread-only: plugin code never runs concurrently, so the
// stack needs no locking.
type ExecInfo struct {
	stack []*Plugin
}

// Enter pushes p as the currently-executing plugin and returns a restore
// function that pops it again. The restore function must run on every exit
// path of the enclosing operation:
//
//	exit := e.execInfo.Enter(plugin)
//	defer exit()
func (e *ExecInfo) Enter(p *Plugin) (exit func()) {
	e.stack = append(e.stack, p)
	return func() {
		e.stack = e.stack[:len(e.stack)-1]
	}
}

// Current returns the plugin whose code is executing, or nil when the
// engine itself (REPL, initialisation) is running.
func (e *ExecInfo) Current() *Plugin {
	if len(e.stack) == 0 {
		return nil
	}
	return e.stack[len(e.stack)-1]
}
