// Package api exposes the pipeline over HTTP.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/chunks"
	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/pipeline"
	"voice-notes-go/internal/processor"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/types"
)

// Deps are the services the handlers call into.
type Deps struct {
	Store     store.Store
	Authz     *auth.Authorizer
	Verifier  *auth.Verifier
	Chunks    *chunks.Service
	Stepper   *pipeline.Stepper
	Processor *processor.Processor
	Hub       *Hub
	// MaxChunkBytes bounds how much of an upload body is read.
	MaxChunkBytes int
}

type Server struct {
	deps Deps
	log  *logrus.Entry
}

func New(deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{deps: deps, log: logger.New().Component("api")}
}

// Handler returns the routed, authenticated handler tree.
func (s *Server) Handler() http.Handler {
	jobs := http.NewServeMux()
	jobs.HandleFunc("POST /jobs", s.createJob)
	jobs.HandleFunc("GET /jobs/{id}", s.status)
	jobs.HandleFunc("DELETE /jobs/{id}", s.deleteJob)
	jobs.HandleFunc("PUT /jobs/{id}/chunks/{index}", s.putChunk)
	jobs.HandleFunc("GET /jobs/{id}/chunks", s.listChunks)
	jobs.HandleFunc("POST /jobs/{id}/finalize", s.finalize)
	jobs.HandleFunc("POST /jobs/{id}/finalize-all", s.finalizeAll)
	jobs.HandleFunc("POST /jobs/{id}/step", s.step)
	jobs.HandleFunc("GET /jobs/{id}/note", s.note)
	jobs.HandleFunc("GET /jobs/{id}/export.xlsx", s.exportXLSX)
	jobs.HandleFunc("GET /jobs/{id}/ws", s.statusStream)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/jobs", s.authenticate(jobs))
	mux.Handle("/jobs/", s.authenticate(jobs))
	return s.logRequests(mux)
}

// authenticate resolves the caller from a bearer token. Browsers opening a
// websocket cannot set headers, so ?token= is accepted as well.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.deps.Verifier == nil {
			writeError(w, auth.ErrUnauthenticated, nil)
			return
		}
		caller, err := s.deps.Verifier.Verify(token)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		entry := logger.New().WithRequest(r).WithFields(logrus.Fields{
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if rec.status >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type errorBody struct {
	Error    string           `json:"error"`
	Kind     string           `json:"kind"`
	Expected *int             `json:"expected,omitempty"`
	Actual   *int             `json:"actual,omitempty"`
	Status   *types.JobStatus `json:"status,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrJobFailed):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, types.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	switch types.KindOf(err) {
	case types.KindInput:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindPolicy:
		return http.StatusForbidden
	case types.KindStructural:
		return http.StatusUnprocessableEntity
	case types.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, st *types.JobStatus) {
	body := errorBody{Error: err.Error(), Kind: types.KindOf(err).String(), Status: st}
	var gap *types.GapError
	if errors.As(err, &gap) {
		body.Expected = &gap.Expected
		body.Actual = &gap.Actual
	}
	if errors.Is(err, types.ErrJobFailed) {
		body.Kind = "failed"
	}
	writeJSON(w, statusFor(err), body)
}
