// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/samber/oops"
)

// registerBindings installs the fixed set of global objects scripts see.
// Called exactly once per interpreter heap, from Initialise.
func (e *Engine) registerBindings() error {
	if err := e.vm.Set("registerPlugin", e.jsRegisterPlugin); err != nil {
		return oops.In("scripting").With("binding", "registerPlugin").Wrap(err)
	}

	for name, build := range map[string]func() (*goja.Object, error){
		"console": e.buildConsoleObject,
		"context": e.buildContextObject,
		"date":    e.buildDateObject,
		"map":     e.buildMapObject,
		"network": e.buildNetworkObject,
		"park":    e.buildParkObject,
	} {
		obj, err := build()
		if err != nil {
			return oops.In("scripting").With("binding", name).Wrap(err)
		}
		if obj == nil {
			continue // binding needs a world and none is attached
		}
		if err := e.vm.Set(name, obj); err != nil {
			return oops.In("scripting").With("binding", name).Wrap(err)
		}
	}
	return nil
}

// jsRegisterPlugin is the registerPlugin global. It attributes the metadata
// to the plugin whose Load is currently on the execution scope stack.
func (e *Engine) jsRegisterPlugin(call goja.FunctionCall) goja.Value {
	current := e.execInfo.Current()
	if current == nil {
		panic(e.vm.NewTypeError("registerPlugin may only be called while a plugin is loading"))
	}

	meta, main, unload, err := parsePluginMetadata(call.Argument(0))
	if err != nil {
		panic(e.vm.NewGoError(err))
	}

	current.register(meta, main, unload)
	return goja.Undefined()
}

// buildConsoleObject exposes console.log / console.error. Output is routed
// through the engine's sink with the speaking plugin's name in brackets.
func (e *Engine) buildConsoleObject() (*goja.Object, error) {
	obj := e.vm.NewObject()

	write := func(errChannel bool) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = e.stringify(arg)
			}
			line := strings.Join(parts, " ")
			if p := e.execInfo.Current(); p != nil {
				line = "[" + p.Name() + "] " + line
			}
			if errChannel {
				e.sink.WriteLineError(line)
			} else {
				e.sink.WriteLine(line)
			}
			return goja.Undefined()
		}
	}

	if err := obj.Set("log", write(false)); err != nil {
		return nil, err
	}
	if err := obj.Set("error", write(true)); err != nil {
		return nil, err
	}
	return obj, nil
}

// buildContextObject exposes the engine itself: the API version constant
// and hook subscription. subscribe returns a disposable whose dispose()
// removes the single subscription; dispose is idempotent.
func (e *Engine) buildContextObject() (*goja.Object, error) {
	obj := e.vm.NewObject()

	if err := obj.Set("apiVersion", PluginAPIVersion); err != nil {
		return nil, err
	}

	subscribe := func(call goja.FunctionCall) goja.Value {
		owner := e.execInfo.Current()
		if owner == nil {
			panic(e.vm.NewTypeError("subscribe may only be called from plugin code"))
		}

		kind := HookKind(call.Argument(0).String())
		callback, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(e.vm.NewTypeError("subscribe expects a callback function"))
		}

		cookie, err := e.hooks.Subscribe(kind, owner, callback)
		if err != nil {
			panic(e.vm.NewGoError(err))
		}

		disposed := false
		disposable := e.vm.NewObject()
		setErr := disposable.Set("dispose", func() {
			if !disposed {
				disposed = true
				e.hooks.Unsubscribe(kind, cookie)
			}
		})
		if setErr != nil {
			panic(e.vm.NewGoError(setErr))
		}
		return disposable
	}

	if err := obj.Set("subscribe", subscribe); err != nil {
		return nil, err
	}
	return obj, nil
}

func (e *Engine) buildDateObject() (*goja.Object, error) {
	if e.world == nil {
		return nil, nil
	}
	obj := e.vm.NewObject()

	for name, get := range map[string]func() int{
		"day":   func() int { return e.world.Date().Day },
		"month": func() int { return e.world.Date().Month },
		"year":  func() int { return e.world.Date().Year },
	} {
		if err := obj.DefineAccessorProperty(name, e.vm.ToValue(get), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (e *Engine) buildMapObject() (*goja.Object, error) {
	if e.world == nil {
		return nil, nil
	}
	obj := e.vm.NewObject()

	size := func() goja.Value {
		width, height := e.world.MapSize()
		sizeObj := e.vm.NewObject()
		_ = sizeObj.Set("width", width)
		_ = sizeObj.Set("height", height)
		return sizeObj
	}
	if err := obj.DefineAccessorProperty("size", e.vm.ToValue(size), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	rides := func() goja.Value {
		all := e.world.Rides()
		out := make([]goja.Value, len(all))
		for i, r := range all {
			out[i] = e.buildRideObject(r)
		}
		return e.vm.ToValue(out)
	}
	if err := obj.DefineAccessorProperty("rides", e.vm.ToValue(rides), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	getRide := func(call goja.FunctionCall) goja.Value {
		id := int(call.Argument(0).ToInteger())
		ride, ok := e.world.Ride(id)
		if !ok {
			return goja.Null()
		}
		return e.buildRideObject(ride)
	}
	if err := obj.Set("getRide", getRide); err != nil {
		return nil, err
	}
	return obj, nil
}

func (e *Engine) buildRideObject(r Ride) *goja.Object {
	obj := e.vm.NewObject()
	_ = obj.Set("id", r.ID)
	_ = obj.Set("name", r.Name)
	_ = obj.Set("excitement", r.Excitement)
	_ = obj.Set("intensity", r.Intensity)
	_ = obj.Set("nausea", r.Nausea)
	return obj
}

func (e *Engine) buildNetworkObject() (*goja.Object, error) {
	if e.world == nil {
		return nil, nil
	}
	obj := e.vm.NewObject()

	players := func() goja.Value {
		all := e.world.Players()
		out := make([]goja.Value, len(all))
		for i, p := range all {
			playerObj := e.vm.NewObject()
			_ = playerObj.Set("id", p.ID)
			_ = playerObj.Set("name", p.Name)
			out[i] = playerObj
		}
		return e.vm.ToValue(out)
	}
	if err := obj.DefineAccessorProperty("players", e.vm.ToValue(players), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}
	return obj, nil
}

func (e *Engine) buildParkObject() (*goja.Object, error) {
	if e.world == nil {
		return nil, nil
	}
	obj := e.vm.NewObject()

	getName := func() string { return e.world.ParkName() }
	setName := func(name string) { e.world.SetParkName(name) }
	if err := obj.DefineAccessorProperty("name", e.vm.ToValue(getName), e.vm.ToValue(setName), goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	getCash := func() int64 { return e.world.Cash() }
	if err := obj.DefineAccessorProperty("cash", e.vm.ToValue(getCash), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	getGuests := func() int { return e.world.Guests() }
	if err := obj.DefineAccessorProperty("guests", e.vm.ToValue(getGuests), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}

	if err := obj.Set("addCash", func(amount int64) { e.world.AddCash(amount) }); err != nil {
		return nil, err
	}
	return obj, nil
}
