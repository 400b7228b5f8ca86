package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"blaauwpipe/internal/fsutil"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/pipeline"
	"blaauwpipe/internal/storage"
)

// JobQueue is the part of the pipeline the server drives.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// LedgerReader reads the pending ledger.
type LedgerReader interface {
	Read() ([]pending.Entry, []error, error)
}

// Server exposes run history, reductions and the pending ledger over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobQueue
	ledger   LedgerReader
	layout   fsutil.Layout
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(addr string, store *storage.Store, pipe JobQueue, ledger LedgerReader, layout fsutil.Layout, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		ledger:   ledger,
		layout:   layout,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
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

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/errors", s.handleRunErrors).Methods("GET")
	r.HandleFunc("/reductions", s.handleReductions).Methods("GET")
	r.HandleFunc("/pending", s.handlePending).Methods("GET")
	r.HandleFunc("/pending/run", s.handlePendingRun).Methods("POST")
	r.HandleFunc("/nights/{night}/run", s.handleNightRun).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve builds a Server and runs it until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe JobQueue, ledger LedgerReader, layout fsutil.Layout, log *slog.Logger) error {
	return NewServer(addr, store, pipe, ledger, layout, log).Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.store.RunErrors(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleReductions(w http.ResponseWriter, r *http.Request) {
	night := r.URL.Query().Get("night")
	if night != "" {
		if _, err := s.layout.ParseNight(night); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	recs, err := s.store.Reductions(night)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type pendingView struct {
	Night   string `json:"night"`
	Kind    string `json:"kind"`
	Frame   string `json:"frame"`
	Raw     string `json:"raw"`
	Binning string `json:"binning"`
	Filter  string `json:"filter,omitempty"`
	BiasAge int    `json:"biasAge"`
	DarkAge int    `json:"darkAge"`
	FlatAge int    `json:"flatAge"`
	Expires string `json:"expires"`
}

type pendingBody struct {
	Entries []pendingView `json:"entries"`
	Corrupt []string      `json:"corrupt,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries, corrupt, err := s.ledger.Read()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := pendingBody{Entries: make([]pendingView, 0, len(entries))}
	for _, e := range entries {
		body.Entries = append(body.Entries, pendingView{
			Night:   s.layout.NightName(e.Night),
			Kind:    string(e.Kind),
			Frame:   e.Frame,
			Raw:     e.Raw,
			Binning: e.Binning,
			Filter:  e.Filter,
			BiasAge: e.Ages.Bias,
			DarkAge: e.Ages.Dark,
			FlatAge: e.Ages.Flat,
			Expires: e.Expires.Format(pending.DateLayout),
		})
	}
	for _, c := range corrupt {
		body.Corrupt = append(body.Corrupt, c.Error())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleNightRun(w http.ResponseWriter, r *http.Request) {
	night, err := s.layout.ParseNight(mux.Vars(r)["night"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobType := pipeline.JobNight
	if r.URL.Query().Get("only") == "masters" {
		jobType = pipeline.JobMasters
	}
	job := pipeline.NewJob(jobType)
	job.Night = night
	s.submit(w, job)
}

func (s *Server) handlePendingRun(w http.ResponseWriter, r *http.Request) {
	job := pipeline.NewJob(pipeline.JobPending)
	if v := r.URL.Query().Get("today"); v != "" {
		today, err := time.Parse(pending.DateLayout, v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job.Today = today
	}
	s.submit(w, job)
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "type": string(job.Type)})
}

// resultView is the JSON form of a job result.
type resultView struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Night string         `json:"night,omitempty"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func (s *Server) view(res pipeline.Result) resultView {
	v := resultView{ID: res.Job.ID, Type: string(res.Job.Type), Meta: res.Meta}
	if !res.Job.Night.IsZero() {
		v.Night = s.layout.NightName(res.Job.Night)
	}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	return v
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
			payload, _ := json.Marshal(s.view(res))
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
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
			if err := conn.WriteJSON(s.view(res)); err != nil {
				return
			}
		}
	}
}
