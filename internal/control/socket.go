// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

// Package control provides the HTTP-over-unix-socket control surface:
// remote evaluation, plugin inspection, simulation pause/resume, and
// process shutdown.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/tidepark/tidepark/internal/console"
	"github.com/tidepark/tidepark/internal/scripting"
	"github.com/tidepark/tidepark/internal/xdg"
)

// Engine is the script-engine surface the control socket drives. Both
// methods are safe from handler goroutines: Eval enqueues for the tick
// thread, and Snapshot reads the view the tick thread publishes. Handlers
// never touch the live plugin collection.
type Engine interface {
	Eval(source string) <-chan struct{}
	Snapshot() scripting.Snapshot
}

// Simulation is the loop surface exposed over the socket.
type Simulation interface {
	Pause()
	Resume()
	Paused() bool
	Chat(playerID int, message string)
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	EngineState   string `json:"engine_state"`
	PluginCount   int    `json:"plugin_count"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// PluginInfo is one entry of GET /plugins.
type PluginInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Authors []string `json:"authors,omitempty"`
	Type    string   `json:"type"`
	Path    string   `json:"path"`
	Started bool     `json:"started"`
}

// EvalRequest is the body of POST /eval.
type EvalRequest struct {
	Source string `json:"source"`
}

// EvalResponse is returned by POST /eval once evaluation has completed.
// Output holds the console lines emitted while the request ran.
type EvalResponse struct {
	Output []string `json:"output"`
	Errors []string `json:"errors"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Player  int    `json:"player"`
	Message string `json:"message"`
}

// ShutdownResponse is returned by POST /shutdown.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// evalTimeout bounds how long POST /eval waits for the tick thread.
const evalTimeout = 30 * time.Second

// Server runs HTTP over a unix socket.
type Server struct {
	socketPath string
	engine     Engine
	sim        Simulation
	capture    *console.Buffer
	shutdown   ShutdownFunc

	startTime  time.Time
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool

	// evalMu serialises remote evaluations so captured output lines can be
	// attributed to a single request.
	evalMu sync.Mutex
}

// NewServer creates a control server. capture must be a sink that the
// engine's console output is teed into; its contents are drained per eval
// request. sim may be nil when no simulation endpoints are wanted.
func NewServer(socketPath string, engine Engine, sim Simulation, capture *console.Buffer, shutdown ShutdownFunc) *Server {
	s := &Server{
		socketPath: socketPath,
		engine:     engine,
		sim:        sim,
		capture:    capture,
		shutdown:   shutdown,
		startTime:  time.Now(),
	}
	s.running.Store(true)
	return s
}

// DefaultSocketPath returns the conventional socket location under the XDG
// runtime directory.
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir(), "tidepark.sock")
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return oops.In("control").With("path", s.socketPath).Wrap(err)
	}

	// A previous unclean shutdown may have left the socket file behind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.In("control").With("path", s.socketPath).Hint("failed to remove stale socket").Wrap(err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return oops.In("control").With("path", s.socketPath).Wrap(err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return oops.In("control").With("path", s.socketPath).Hint("failed to set socket permissions").Wrap(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /plugins", s.handlePlugins)
	mux.HandleFunc("POST /eval", s.handleEval)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control socket server error", "error", err)
		}
	}()

	slog.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop gracefully shuts down the control server and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.In("control").Hint("failed to shut down control server").Wrap(err)
		}
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close control socket listener", "error", err)
		}
	}

	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove control socket file", "path", s.socketPath, "error", err)
		}
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	paused := false
	if s.sim != nil {
		paused = s.sim.Paused()
	}
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:       s.running.Load(),
		Paused:        paused,
		EngineState:   snap.State.String(),
		PluginCount:   len(snap.Plugins),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	out := make([]PluginInfo, 0, len(snap.Plugins))
	for _, p := range snap.Plugins {
		out = append(out, PluginInfo{
			Name:    p.Name,
			Version: p.Version,
			Authors: p.Authors,
			Type:    p.Type,
			Path:    p.Path,
			Started: p.Started,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEval submits the request body to the engine's eval queue, waits for
// the tick thread to run it, and returns the console output captured while
// it was pending.
func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	var req EvalRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source must not be empty", http.StatusBadRequest)
		return
	}

	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.capture.Drain() // discard output that predates this request

	done := s.engine.Eval(req.Source)
	select {
	case <-done:
	case <-time.After(evalTimeout):
		http.Error(w, "evaluation timed out", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		http.Error(w, "client went away", http.StatusRequestTimeout)
		return
	}

	resp := EvalResponse{Output: []string{}, Errors: []string{}}
	for _, line := range s.capture.Drain() {
		if line.IsErr {
			resp.Errors = append(resp.Errors, line.Text)
		} else {
			resp.Output = append(resp.Output, line.Text)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.sim == nil {
		http.Error(w, "no simulation attached", http.StatusNotImplemented)
		return
	}
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message must not be empty", http.StatusBadRequest)
		return
	}
	s.sim.Chat(req.Player, req.Message)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if s.sim == nil {
		http.Error(w, "no simulation attached", http.StatusNotImplemented)
		return
	}
	s.sim.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if s.sim == nil {
		http.Error(w, "no simulation attached", http.StatusNotImplemented)
		return
	}
	s.sim.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})

	if s.shutdown != nil {
		go s.shutdown()
	}
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return oops.In("control").Hint("failed to read request body").Wrap(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return oops.In("control").Hint("invalid JSON body").Wrap(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode control response", "error", err)
	}
}
