package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"microstitch/internal/config"
	"microstitch/internal/fsutil"
	"microstitch/internal/logging"
	"microstitch/internal/pipeline"
	"microstitch/internal/storage"
	"microstitch/internal/tasks"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes the stage pipeline over HTTP.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline *pipeline.Pipeline
	layout   fsutil.Layout
	slots    *fsutil.Slots
	watcher  *tasks.InputWatcher
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates the HTTP server and makes sure every slot directory exists.
func NewServer(
	cfg *config.Config,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	layout fsutil.Layout,
	slots *fsutil.Slots,
	log *slog.Logger,
) (*Server, error) {
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		addr:     cfg.Server.Addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		layout:   layout,
		slots:    slots,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	watcher, err := tasks.NewInputWatcher(layout.InputDir, store, log)
	if err != nil {
		log.Warn("Failed to setup input watcher", "error", err)
	} else {
		s.watcher = watcher
	}

	return s, nil
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupImageRoutes(r)
	return logging.Middleware(s.log)(r)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Warn("Failed to start input watcher", "error", err)
			s.watcher = nil
		}
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		if s.watcher != nil {
			_ = s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// setupRoutes configures the operational routes.
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/events", s.handleImageEvents).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleJobMeta returns the recorded outputs of one finished job.
func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.store.JobMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "meta": meta})
}

func (s *Server) handleImageEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentImageEvents(queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []storage.ImageEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// jobEvent is the wire form of a pipeline result on /stream and /ws.
type jobEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(newJobEvent(res)); err != nil {
				return
			}
		}
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJobError maps a failed job to its HTTP status and message.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	status := http.StatusInternalServerError
	switch tasks.KindOf(err) {
	case tasks.KindValidation:
		status = http.StatusBadRequest
	case tasks.KindMissing:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error("job failed", "error", err)
	}
	writeError(w, status, tasks.Message(err))
}
