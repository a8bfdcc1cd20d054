/*
	Package server exposes block tasks over HTTP so an external scheduler can run blocks on
	a long-lived worker and poll their completion.
*/
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/zenazn/goji/web"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/task"
)

const (
	// DefaultWebAddress is used when no [server] http_address is configured.
	DefaultWebAddress = "localhost:8000"

	// WebAPIPath is the prefix of every endpoint.
	WebAPIPath = "/api/"
)

// Server routes block requests to a task.Runner.
type Server struct {
	runner  *task.Runner
	secret  []byte
	handler http.Handler

	mu      sync.Mutex
	running map[string]bool
}

// New returns a server for runner using the [server] section of its configuration.
func New(runner *task.Runner) *Server {
	cfg := runner.Config().Server
	s := &Server{
		runner:  runner,
		secret:  []byte(cfg.JWTSecret),
		running: make(map[string]bool),
	}
	mux := web.New()
	mux.Use(s.isAuthorized)
	mux.Post(WebAPIPath+"run/:dataset/:index", s.runHandler)
	mux.Get(WebAPIPath+"status/:dataset/:index", s.statusHandler)
	mux.Get(WebAPIPath+"about", s.aboutHandler)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve listens on address until ctx is done.  Long block runs cannot hold a connection for
// more than an hour.
func (s *Server) Serve(ctx context.Context, address string) error {
	if address == "" {
		address = DefaultWebAddress
	}
	src := &http.Server{
		Addr:        address,
		Handler:     s,
		ReadTimeout: 1 * time.Hour,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := src.Shutdown(shutdownCtx); err != nil {
			cebra.Errorf("Error shutting down web server: %v\n", err)
		}
	}()
	cebra.Infof("Web server listening at %s ...\n", address)
	if err := src.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cebra.Errorf("Unable to encode JSON response: %v\n", err)
	}
}

func httpError(w http.ResponseWriter, r *http.Request, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	cebra.Errorf("%s %s: %s\n", r.Method, r.URL.Path, msg)
	sendJSON(w, status, map[string]string{"error": msg})
}

// BadRequest writes a 400 error as JSON.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusBadRequest, format, args...)
}

// Unauthorized writes a 401 error as JSON.
func Unauthorized(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	httpError(w, r, http.StatusUnauthorized, format, args...)
}

func blockParams(c web.C) (string, int, error) {
	dataset := c.URLParams["dataset"]
	index, err := strconv.Atoi(c.URLParams["index"])
	if err != nil {
		return dataset, 0, fmt.Errorf("bad block index %q", c.URLParams["index"])
	}
	return dataset, index, nil
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}

func (s *Server) isRunning(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[key]
}

// runHandler runs the block to completion before responding.
func (s *Server) runHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	dataset, index, err := blockParams(c)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	key := fmt.Sprintf("%s/%d", dataset, index)
	if !s.claim(key) {
		httpError(w, r, http.StatusConflict, "block %s is already running", key)
		return
	}
	defer s.release(key)

	if err := s.runner.RunBlock(r.Context(), dataset, index); err != nil {
		status := http.StatusInternalServerError
		if task.IsUnavailable(err) {
			status = http.StatusNotFound
		}
		sendJSON(w, status, map[string]interface{}{
			"dataset": dataset,
			"index":   index,
			"status":  task.StatusFailed,
			"error":   err.Error(),
		})
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"dataset": dataset,
		"index":   index,
		"status":  task.StatusDone,
	})
}

func (s *Server) statusHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	dataset, index, err := blockParams(c)
	if err != nil {
		BadRequest(w, r, "%v", err)
		return
	}
	pos, err := s.runner.Position(dataset, index)
	if err != nil {
		httpError(w, r, http.StatusNotFound, "%v", err)
		return
	}
	done, err := s.runner.Done(r.Context(), dataset, index)
	if err != nil {
		httpError(w, r, http.StatusInternalServerError, "%v", err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":  dataset,
		"index":    index,
		"position": pos,
		"done":     done,
		"running":  s.isRunning(fmt.Sprintf("%s/%d", dataset, index)),
	})
}

func (s *Server) aboutHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"version":  cebra.Version,
		"git":      cebra.GitVersion(),
		"git_time": cebra.GitCommitTime(),
		"engines":  storage.EnginesAvailable(),
		"datasets": s.runner.Config().DatasetNames(),
	})
}
