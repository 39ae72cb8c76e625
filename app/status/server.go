// Package status implements read-only http server reporting the running pipeline and the run history
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/exorun/app/history"
	"github.com/umputun/exorun/app/launcher/request"
)

// authUser is the basic auth user name
const authUser = "exorun"

// Server reports the current run, implements launcher.RunEventHandler
type Server struct {
	Config

	mu      sync.RWMutex
	current *currentRun
	last    *request.OnRunComplete
}

// Config for the status server
type Config struct {
	Address      string
	PasswordHash string        // bcrypt hash for basic auth, empty disables auth
	Version      string
	RateLimit    float64       // requests per second per client, 0 disables
	History      History       // optional
	Output       func() string // live output of the running pipeline, optional
}

// History provides recorded runs
type History interface {
	List(limit int) ([]history.Run, error)
	Get(id int64) (history.Run, error)
}

type currentRun struct {
	request.OnRunStart
}

// StatusResponse is the JSON response for /api/v1/status
type StatusResponse struct {
	Running   bool        `json:"running"`
	JobStore  string      `json:"job_store,omitempty"`
	Command   string      `json:"command,omitempty"`
	Host      string      `json:"host,omitempty"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	Elapsed   string      `json:"elapsed,omitempty"`
	Restart   bool        `json:"restart,omitempty"`
	Output    string      `json:"output,omitempty"`
	Last      *LastResult `json:"last,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// LastResult is the outcome of the previous run of this launcher
type LastResult struct {
	JobStore   string    `json:"job_store"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
}

// New makes status server
func New(cfg Config) *Server {
	return &Server{Config: cfg}
}

// OnRunStart keeps the started run
func (s *Server) OnRunStart(req request.OnRunStart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &currentRun{OnRunStart: req}
}

// OnRunComplete clears the current run and keeps its result
func (s *Server) OnRunComplete(req request.OnRunComplete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.last = &req
}

// Run starts the server and blocks until ctx canceled
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown status server: %v", err)
		}
	}()

	log.Printf("[INFO] starting status server on %s", s.Address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("exorun", "umputun", s.Version),
		rest.Ping,
		rest.SizeLimit(1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.RateLimit > 0 {
		lmt := tollbooth.NewLimiter(s.RateLimit, nil)
		lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
		router.Use(tollbooth.HTTPMiddleware(lmt))
	}

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for status server")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /runs", s.handleRuns)
		api.HandleFunc("GET /runs/{id}", s.handleRun)
	})

	return router
}

// authMiddleware checks basic auth against bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == authUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="exorun"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Timestamp: time.Now()}

	s.mu.RLock()
	if s.current != nil {
		resp.Running = true
		resp.JobStore = s.current.JobStore
		resp.Command = s.current.CommandLine
		resp.Host = s.current.Host
		resp.StartedAt = s.current.StartTime
		resp.Restart = s.current.Restart
		resp.Elapsed = time.Since(s.current.StartTime).Truncate(time.Second).String()
	}
	if s.last != nil {
		resp.Last = &LastResult{JobStore: s.last.JobStore, FinishedAt: s.last.EndTime, ExitCode: s.last.ExitCode,
			Attempts: s.last.Attempts}
		if s.last.Err != nil {
			resp.Last.Error = s.last.Err.Error()
		}
	}
	s.mu.RUnlock()

	if resp.Running && s.Output != nil {
		resp.Output = s.Output()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/runs?limit=N
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.writeJSONError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = l
	}
	runs, err := s.History.List(limit)
	if err != nil {
		log.Printf("[WARN] failed to list runs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// GET /api/v1/runs/{id}
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.writeJSONError(w, http.StatusNotFound, "history disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.History.Get(id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		log.Printf("[WARN] failed to get run %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
