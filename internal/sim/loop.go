// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidepark/tidepark/internal/scripting"
	"github.com/tidepark/tidepark/pkg/errutil"
)

// Loop drives the world and the script engine from a single goroutine, the
// tick thread. Everything the engine requires to run on one thread (plugin
// lifecycle, hook dispatch, eval draining) happens inside Run.
type Loop struct {
	world    *World
	interval time.Duration
	engine   *scripting.Engine

	mu      sync.Mutex
	paused  bool
	pending []func()
	clockMS uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewLoop creates a loop over the given world. Attach the engine before
// calling Run; the two-step construction exists because the engine's clock
// option needs the loop first.
func NewLoop(world *World, interval time.Duration) *Loop {
	return &Loop{
		world:    world,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Attach binds the script engine the loop will drive.
func (l *Loop) Attach(engine *scripting.Engine) {
	l.engine = engine
}

// Engine returns the attached script engine.
func (l *Loop) Engine() *scripting.Engine {
	return l.engine
}

// ClockMS is a monotonic millisecond clock that only advances while the
// simulation is running. Suitable for scripting.WithClock: a paused park
// also pauses hot-reload polling.
func (l *Loop) ClockMS() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clockMS
}

// Pause stops world ticks and the engine clock. Eval requests keep being
// served.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume restarts world ticks.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
}

// Paused reports whether the simulation is paused.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Do schedules fn to run on the tick thread before the next step. Safe to
// call from any goroutine.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, fn)
}

// Chat delivers a chat message from the given player to subscribed plugins.
// Safe to call from any goroutine.
func (l *Loop) Chat(playerID int, message string) {
	l.Do(func() {
		l.engine.DispatchHook(scripting.HookNetworkChat, map[string]any{
			"player":  playerID,
			"message": message,
		})
	})
}

// Join connects a named player and announces it to plugins. Safe to call
// from any goroutine.
func (l *Loop) Join(name string) {
	l.Do(func() {
		p := l.world.Join(name)
		l.engine.DispatchHook(scripting.HookNetworkJoin, map[string]any{
			"player": p.ID,
			"name":   p.Name,
		})
	})
}

// Leave disconnects a player and announces it to plugins. Safe to call from
// any goroutine.
func (l *Loop) Leave(playerID int) {
	l.Do(func() {
		if l.world.Leave(playerID) {
			l.engine.DispatchHook(scripting.HookNetworkLeave, map[string]any{
				"player": playerID,
			})
		}
	})
}

// Run executes the tick loop until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.step()
		}
	}
}

// Stop ends Run and waits for the tick thread to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// step is one pass of the tick thread.
func (l *Loop) step() {
	for _, fn := range l.drainPending() {
		fn()
	}

	if !l.advance() {
		// Paused: no world tick, no clock movement, but the REPL stays
		// responsive.
		if err := l.engine.Update(); err != nil {
			errutil.LogError(slog.Default(), "script engine update failed", err)
		}
		return
	}

	dayChanged := l.world.Tick()

	if err := l.engine.Update(); err != nil {
		errutil.LogError(slog.Default(), "script engine update failed", err)
	}

	l.engine.DispatchHook(scripting.HookIntervalTick, nil)
	if dayChanged {
		l.engine.DispatchHook(scripting.HookIntervalDay, nil)
	}
}

func (l *Loop) drainPending() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.pending
	l.pending = nil
	return pending
}

// advance moves the engine clock forward one interval unless paused.
func (l *Loop) advance() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		return false
	}
	l.clockMS += uint64(l.interval / time.Millisecond)
	return true
}
