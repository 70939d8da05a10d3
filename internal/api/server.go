package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"queuewatch/internal/domain"
	"queuewatch/internal/queue"
	"queuewatch/internal/registry"
	"queuewatch/internal/watch"
)

// maxMessageBytes matches the SQS message size limit.
const maxMessageBytes = 256 << 10

// Watcher is the part of the orchestrator the admin API drives.
type Watcher interface {
	AddWatch(ctx context.Context, queueName string, extra map[string]any, enabled bool) (string, error)
	Reconcile(ctx context.Context) error
	Unwatch(queueName string) bool
	Watched() []string
	Stats() watch.Stats
}

var _ Watcher = (*watch.Orchestrator)(nil)

type Server struct {
	r        *chi.Mux
	watcher  Watcher
	registry registry.Registry
	sender   queue.Sender
}

func NewServer(w Watcher, reg registry.Registry, sender queue.Sender) http.Handler {
	return NewServerWithDebug(w, reg, sender, false)
}

// NewServerWithDebug also mounts pprof when enableDebug is set. sender may be
// nil, which disables the publish endpoint.
func NewServerWithDebug(w Watcher, reg registry.Registry, sender queue.Sender, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, watcher: w, registry: reg, sender: sender}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/watches", s.listWatches)
	r.Post("/api/watches", s.addWatch)
	r.Post("/api/watches/{id}/enable", s.setEnabled(true))
	r.Post("/api/watches/{id}/disable", s.setEnabled(false))
	r.Post("/api/reconcile", s.reconcile)
	r.Delete("/api/watched/{queue}", s.unwatch)
	r.Post("/api/queues/{queue}/messages", s.publish)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.watcher.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "queuewatch_up 1\n")
	fmt.Fprintf(w, "queuewatch_watched_queues %d\n", st.Watched)
	counters := []struct {
		name string
		v    uint64
	}{
		{"queuewatch_messages_received_total", st.Received},
		{"queuewatch_messages_succeeded_total", st.Succeeded},
		{"queuewatch_messages_failed_total", st.Failed},
		{"queuewatch_messages_deleted_total", st.Deleted},
		{"queuewatch_delete_errors_total", st.DeleteErrors},
		{"queuewatch_visibility_errors_total", st.ExtendErrors},
		{"queuewatch_receive_errors_total", st.ReceiveErrors},
		{"queuewatch_handler_panics_total", st.Panics},
		{"queuewatch_confirmations_total", st.Confirmations},
		{"queuewatch_confirmation_errors_total", st.ConfirmErrors},
	}
	for _, c := range counters {
		fmt.Fprintf(w, "%s %d\n", c.name, c.v)
	}
}

type watchResp struct {
	ID          string         `json:"id"`
	QueueName   string         `json:"queue_name"`
	Enabled     bool           `json:"enabled"`
	AutoConfirm bool           `json:"auto_confirm"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	Active      bool           `json:"active"`
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.QueryEnabled(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	active := map[string]bool{}
	for _, name := range s.watcher.Watched() {
		active[name] = true
	}
	out := make([]watchResp, 0, len(recs))
	for _, rec := range recs {
		wr := watchResp{
			ID:          rec.ID,
			QueueName:   rec.QueueName,
			Enabled:     rec.Enabled,
			AutoConfirm: rec.AutoConfirm,
			Extra:       rec.Extra,
			Active:      active[rec.QueueName],
		}
		if !rec.CreatedAt.IsZero() {
			wr.CreatedAt = rec.CreatedAt.Format(time.RFC3339)
		}
		out = append(out, wr)
	}
	writeJSON(w, 200, out)
}

type addWatchReq struct {
	QueueName string         `json:"queue_name"`
	Extra     map[string]any `json:"extra"`
	Enabled   *bool          `json:"enabled"`
}

type addWatchResp struct {
	ID      string   `json:"id"`
	Watched []string `json:"watched"`
}

func (s *Server) addWatch(w http.ResponseWriter, r *http.Request) {
	var req addWatchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := s.watcher.AddWatch(r.Context(), req.QueueName, req.Extra, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	if enabled {
		s.resync(r.Context())
	}
	writeJSON(w, http.StatusCreated, addWatchResp{ID: id, Watched: s.watcher.Watched()})
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.registry.SetEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, err)
			return
		}
		s.resync(r.Context())
		writeJSON(w, 200, map[string]any{"id": id, "enabled": enabled, "watched": s.watcher.Watched()})
	}
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.watcher.Reconcile(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"watched": s.watcher.Watched()})
}

func (s *Server) unwatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !s.watcher.Unwatch(name) {
		http.Error(w, "not watched", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, "publishing is not supported by this transport", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(body) > maxMessageBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	id, err := s.sender.Send(r.Context(), chi.URLParam(r, "queue"), body)
	if err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// resync applies a registry change right away. Failures are logged; the
// periodic resync retries them.
func (s *Server) resync(ctx context.Context) {
	if err := s.watcher.Reconcile(ctx); err != nil && !errors.Is(err, domain.ErrNotStarted) {
		log.Warn().Err(err).Msg("reconcile after registry change failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQueueName):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, domain.ErrNotStarted):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, domain.ErrRegistryUnavailable):
		http.Error(w, err.Error(), 503)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
