// Package router is the HTTP surface: image generation, key status,
// administrative reset and the health endpoint.
package router

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/utils"
)

// maxBodyBytes caps the request body; reference images arrive base64-encoded
// inline, so the limit is generous.
const maxBodyBytes = 32 << 20

type Router struct {
	gen        Generator
	pool       StatusPool
	cache      Purger
	masterKey  string
	healthPath string
	metrics    *monitoring.Metrics
	logger     *slog.Logger
	startedAt  time.Time
}

// Purger is the slice of the result cache the reset endpoint needs.
type Purger interface {
	Purge()
}

type Options struct {
	MasterKey  string
	HealthPath string
	Cache      Purger
	Metrics    *monitoring.Metrics
	Logger     *slog.Logger
}

func New(gen Generator, pool StatusPool, opts Options) *Router {
	if gen == nil {
		panic("router.New: generator must not be nil")
	}
	if pool == nil {
		panic("router.New: pool must not be nil")
	}

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.New(false)
	}

	return &Router{
		gen:        gen,
		pool:       pool,
		cache:      opts.Cache,
		masterKey:  opts.MasterKey,
		healthPath: healthPath,
		metrics:    metrics,
		logger:     logger,
		startedAt:  utils.NowUTC(),
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == r.healthPath {
		r.handleHealth(w, req)
		return
	}

	switch req.URL.Path {
	case "/api/generate":
		r.handleGenerate(w, req)
	case "/api/key-status":
		r.handleKeyStatus(w, req)
	case "/api/reset-keys":
		r.handleResetKeys(w, req)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
	})
}

// authorized checks the master key as a bearer token. Comparison is
// constant-time so the admin endpoint does not leak key prefixes.
func (r *Router) authorized(req *http.Request) bool {
	if r.masterKey == "" {
		return false
	}
	header := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.masterKey)) == 1
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
