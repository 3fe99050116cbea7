// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

import (
	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/tidepark/tidepark/internal/console"
)

// HookKind identifies a simulation event plugins can subscribe to.
type HookKind string

// Hook kinds dispatched by the host simulation.
const (
	HookIntervalTick         HookKind = "interval.tick"
	HookIntervalDay          HookKind = "interval.day"
	HookNetworkChat          HookKind = "network.chat"
	HookNetworkJoin          HookKind = "network.join"
	HookNetworkLeave         HookKind = "network.leave"
	HookRideRatingsCalculate HookKind = "ride.ratings.calculate"
)

var knownHooks = map[HookKind]bool{
	HookIntervalTick:         true,
	HookIntervalDay:          true,
	HookNetworkChat:          true,
	HookNetworkJoin:          true,
	HookNetworkLeave:         true,
	HookRideRatingsCalculate: true,
}

// IsValidHook reports whether name is a dispatchable hook kind.
func IsValidHook(name string) bool {
	return knownHooks[HookKind(name)]
}

// Cookie identifies one hook subscription so it can be removed individually.
type Cookie uint32

type hookRegistration struct {
	cookie   Cookie
	plugin   *Plugin
	callback goja.Callable
}

// HookEngine routes simulation events to subscribed plugin callbacks.
// Tick-thread-only, like everything else that touches the interpreter.
type HookEngine struct {
	execInfo   *ExecInfo
	sink       console.Sink
	subs       map[HookKind][]hookRegistration
	nextCookie Cookie
}

// NewHookEngine creates a hook engine. Callback errors are written to sink.
func NewHookEngine(execInfo *ExecInfo, sink console.Sink) *HookEngine {
	return &HookEngine{
		execInfo: execInfo,
		sink:     sink,
		subs:     make(map[HookKind][]hookRegistration),
	}
}

// Subscribe registers callback for kind on behalf of plugin and returns a
// cookie that can later be passed to Unsubscribe.
func (h *HookEngine) Subscribe(kind HookKind, plugin *Plugin, callback goja.Callable) (Cookie, error) {
	if !knownHooks[kind] {
		return 0, oops.In("scripting").With("hook", string(kind)).New("unknown hook kind")
	}
	h.nextCookie++
	h.subs[kind] = append(h.subs[kind], hookRegistration{
		cookie:   h.nextCookie,
		plugin:   plugin,
		callback: callback,
	})
	return h.nextCookie, nil
}

// Unsubscribe removes the subscription identified by cookie. Removing an
// already-removed cookie is a no-op.
func (h *HookEngine) Unsubscribe(kind HookKind, cookie Cookie) {
	regs := h.subs[kind]
	for i, reg := range regs {
		if reg.cookie == cookie {
			h.subs[kind] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription owned by plugin, across all
// hook kinds. After it returns no dispatch will invoke the plugin's
// callbacks, including dispatches already in progress.
func (h *HookEngine) UnsubscribeAll(plugin *Plugin) {
	for kind, regs := range h.subs {
		kept := regs[:0:0]
		for _, reg := range regs {
			if reg.plugin != plugin {
				kept = append(kept, reg)
			}
		}
		h.subs[kind] = kept
	}
}

// HasSubscriptions reports whether any plugin listens for kind. The host
// simulation uses this to skip building hook arguments nobody wants.
func (h *HookEngine) HasSubscriptions(kind HookKind) bool {
	return len(h.subs[kind]) > 0
}

// Call dispatches kind to every subscribed callback in subscription order.
// Iteration works over a snapshot and re-checks membership before each
// invocation, so callbacks may subscribe or unsubscribe (including
// UnsubscribeAll during plugin stop) without corrupting dispatch. Callback
// errors are written to the error sink with plugin attribution and do not
// stop the remaining callbacks.
func (h *HookEngine) Call(kind HookKind, args ...goja.Value) {
	snapshot := make([]hookRegistration, len(h.subs[kind]))
	copy(snapshot, h.subs[kind])

	for _, reg := range snapshot {
		if !h.isSubscribed(kind, reg.cookie) {
			continue
		}
		h.invoke(reg, args)
	}
}

func (h *HookEngine) invoke(reg hookRegistration, args []goja.Value) {
	exit := h.execInfo.Enter(reg.plugin)
	defer exit()

	if _, err := reg.callback(goja.Undefined(), args...); err != nil {
		h.sink.WriteLineError("[" + reg.plugin.Name() + "] " + err.Error())
	}
}

func (h *HookEngine) isSubscribed(kind HookKind, cookie Cookie) bool {
	for _, reg := range h.subs[kind] {
		if reg.cookie == cookie {
			return true
		}
	}
	return false
}
