// Package api serves the small read-only HTTP surface applications poll:
// aggregate health, per-source status, and the merged property view rendered
// as flat Java properties.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"primamateria.systems/propsd/internal/properties"
	"primamateria.systems/propsd/internal/sources"
	"primamateria.systems/propsd/internal/storage"
)

// Properties is the view of the storage layer the handlers read.
type Properties interface {
	Properties() map[string]any
	Built() bool
	Health() storage.Health
	Sources() []sources.Source
}

// Plugins is the view of the plugin manager the handlers read.
type Plugins interface {
	Ok() bool
	Running() bool
	Index() sources.Source
	PluginCounts() map[string]int
}

type Server struct {
	props   Properties
	plugins Plugins
	version string
	started time.Time
}

func New(props Properties, plugins Plugins, version string) *Server {
	return &Server{
		props:   props,
		plugins: plugins,
		version: version,
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.getOnly(s.handleHealth))
	mux.HandleFunc("/v1/status", s.getOnly(s.handleStatus))
	mux.HandleFunc("/v1/conqueso", s.getOnly(s.handleConqueso))
	mux.HandleFunc("/v1/conqueso/", s.getOnly(s.handleConqueso))
	return mux
}

// Serve runs the listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", "address", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving api: %w", err)
	}
	return nil
}

func (s *Server) getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (s *Server) uptime() int64 {
	return time.Since(s.started).Milliseconds()
}

// code is the aggregate health status: every source registered with storage
// ok, and the last reload clean. The index and metadata sources are not
// registered with storage and are not part of this check.
func (s *Server) code() int {
	health := s.props.Health()
	if health.Ok && s.plugins.Ok() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	code := s.code()
	writeJSON(w, code, map[string]any{
		"status":  code,
		"uptime":  s.uptime(),
		"plugins": s.plugins.PluginCounts(),
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	index := s.plugins.Index().Status()
	srcs := s.props.Sources()
	states := make([]map[string]any, 0, len(srcs))
	for _, src := range srcs {
		status := "okay"
		if !src.Status().Ok {
			status = "fail"
		}
		states = append(states, map[string]any{
			"name":   src.Name(),
			"type":   src.Type(),
			"status": status,
		})
	}

	code := s.code()
	writeJSON(w, code, map[string]any{
		"status": code,
		"uptime": s.uptime(),
		"index": map[string]any{
			"running":  index.Running,
			"interval": index.Interval.Milliseconds(),
			"updated":  index.Updated,
			"ok":       index.Ok,
		},
		"sources": states,
	})
}

func (s *Server) handleConqueso(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/conqueso") {
		http.NotFound(w, r)
		return
	}
	if !s.props.Built() {
		http.Error(w, "no properties built yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, properties.Conqueso(s.props.Properties()))
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("error encoding response", "error", err)
	}
}
