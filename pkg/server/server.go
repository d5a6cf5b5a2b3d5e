// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the engine over HTTP. Every response uses the
// uniform envelope {success, data, error, metadata}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/weft/pkg/antipattern"
	"github.com/kadirpekel/weft/pkg/engine"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/snapshot"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *ErrorBody     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorBody carries the structured what/why/how triple over the wire.
type ErrorBody struct {
	Kind string `json:"kind"`
	What string `json:"what"`
	Why  string `json:"why,omitempty"`
	How  string `json:"how,omitempty"`
}

// Server wraps the engine behind chi. The engine can be swapped at runtime
// for policy hot reload; in-flight requests keep the engine they started with.
type Server struct {
	mu     sync.RWMutex
	engine *engine.Engine
	logger *slog.Logger
	http   *http.Server
}

// New creates a server for the engine.
func New(eng *engine.Engine, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Post("/build", s.handleBuild)
	r.Get("/snapshots", s.handleListSnapshots)
	r.Get("/snapshots/{id}", s.handleGetSnapshot)
	r.Post("/diff", s.handleDiff)
	r.Post("/antipatterns", s.handleAntipatterns)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// SwapEngine replaces the engine serving new requests.
func (s *Server) SwapEngine(eng *engine.Engine) {
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	s.logger.Info("engine swapped", "policy_version", eng.Policy().Version)
}

func (s *Server) eng() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errs.New(errs.KindConfig, "invalid request body").
			WithWhy("the request is not valid JSON: %v", err).
			WithHow("send a JSON object with the build fields"))
		return
	}

	pkg, err := s.eng().Build(r.Context(), &req)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, Envelope{
		Success:  true,
		Data:     pkg,
		Metadata: map[string]any{"request_id": pkg.RequestID},
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	store := s.eng().Snapshots()
	if store == nil {
		s.writeError(w, http.StatusNotFound, errs.New(errs.KindConfig, "snapshots disabled").
			WithHow("enable observability.snapshot_enabled in the policy"))
		return
	}
	infos, err := store.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Envelope{Success: true, Data: infos})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	store := s.eng().Snapshots()
	if store == nil {
		s.writeError(w, http.StatusNotFound, errs.New(errs.KindConfig, "snapshots disabled").
			WithHow("enable observability.snapshot_enabled in the policy"))
		return
	}
	pkg, err := store.Load(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Envelope{Success: true, Data: pkg})
}

type diffRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	store := s.eng().Snapshots()
	if store == nil {
		s.writeError(w, http.StatusNotFound, errs.New(errs.KindConfig, "snapshots disabled").
			WithHow("enable observability.snapshot_enabled in the policy"))
		return
	}
	var req diffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		s.writeError(w, http.StatusBadRequest, errs.New(errs.KindConfig, "invalid diff request").
			WithHow(`send {"from": "<snapshot-id>", "to": "<snapshot-id>"}`))
		return
	}
	from, err := store.Load(req.From)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	to, err := store.Load(req.To)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Envelope{Success: true, Data: snapshot.Compare(from, to)})
}

func (s *Server) handleAntipatterns(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errs.New(errs.KindConfig, "invalid request body").
			WithWhy("the request is not valid JSON: %v", err))
		return
	}

	pkg, err := s.eng().Build(r.Context(), &req)
	var findings any
	if err != nil {
		if !errs.IsKind(err, errs.KindAntipatternCritical) {
			s.writeError(w, statusFor(err), err)
			return
		}
		var werr *errs.Error
		if errors.As(err, &werr) {
			findings = werr.Meta["findings"]
		}
	}
	if findings == nil && pkg != nil {
		findings = pkg.Metadata["antipattern_findings"]
	}
	if findings == nil {
		findings = []antipattern.Finding{}
	}
	s.writeJSON(w, http.StatusOK, Envelope{Success: true, Data: findings})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Envelope{
		Success:  true,
		Data:     map[string]string{"status": "ok"},
		Metadata: map[string]any{"policy_version": s.eng().Policy().Version},
	})
}

// statusFor maps error kinds onto HTTP codes: caller mistakes are 400,
// requests the engine refuses are 422, everything else is 500.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfig, errs.KindModelUnknown:
		return http.StatusBadRequest
	case errs.KindBudgetExceeded, errs.KindSanitizeReject, errs.KindCompression, errs.KindAntipatternCritical:
		return http.StatusUnprocessableEntity
	case errs.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body := &ErrorBody{Kind: string(errs.KindOf(err)), What: err.Error()}
	var werr *errs.Error
	if errors.As(err, &werr) {
		body.What = werr.What
		body.Why = werr.Why
		body.How = werr.How
	}
	s.writeJSON(w, status, Envelope{Success: false, Error: body})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("write response", "error", err)
		fmt.Fprint(w, `{"success":false}`)
	}
}
