// Package control serves the local HTTP control surface of the daemon:
// manual "sync now" requests, a status overview, conflict resolution and
// Prometheus metrics.
//
// Routes:
//
//	GET   /healthz
//	GET   /metrics
//	POST  /v1/sync                      {"account","resource","collection","mode","wait"}
//	GET   /v1/status
//	PATCH /v1/collections/{id}          {"sync_enabled","visible"}
//	GET   /v1/conflicts
//	POST  /v1/conflicts/{id}/resolve    {"keep":"local"|"remote"}
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	syncp "github.com/njoerd114/pimsync/internal/sync"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// Syncer runs sync requests. Implemented by [syncp.Scheduler].
type Syncer interface {
	RunSync(ctx context.Context, req syncp.Request) (syncp.Report, error)
	Trigger(ctx context.Context, req syncp.Request)
}

// Runner is the part of [syncp.Orchestrator] the control surface needs.
type Runner interface {
	Validate(ctx context.Context, req syncp.Request) error
	InFlight() []string
	ResolveConflict(ctx context.Context, itemID int64, keepLocal bool) error
}

// Cache reads status from the cache database. Implemented by [state.Store].
type Cache interface {
	ListCollections(ctx context.Context, accountID string, r model.ResourceType) ([]*state.Collection, error)
	GetCollection(ctx context.Context, id int64) (*state.Collection, error)
	SetCollectionFlags(ctx context.Context, id int64, syncEnabled, visible bool) error
	CollectionStats(ctx context.Context, collectionID int64) (state.Stats, error)
	ListConflicts(ctx context.Context, collectionID int64) ([]*state.Conflict, error)
	GetItem(ctx context.Context, id int64) (*state.Item, error)
}

// Server is the control HTTP server.
type Server struct {
	syncer  Syncer
	runner  Runner
	cache   Cache
	metrics *Metrics
	log     *slog.Logger
}

// NewServer creates a Server. metrics may be nil, which disables /metrics.
func NewServer(syncer Syncer, runner Runner, cache Cache, metrics *Metrics, logger *slog.Logger) *Server {
	return &Server{syncer: syncer, runner: runner, cache: cache, metrics: metrics, log: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync", s.handleSync)
		r.Get("/status", s.handleStatus)
		r.Patch("/collections/{id}", s.handleCollectionFlags)
		r.Get("/conflicts", s.handleConflicts)
		r.Post("/conflicts/{id}/resolve", s.handleResolve)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("control server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

// --- /v1/sync ----------------------------------------------------------------

type syncRequest struct {
	Account    string `json:"account"`
	Resource   string `json:"resource"`
	Collection int64  `json:"collection"`
	Mode       string `json:"mode"`
	// Wait blocks until the run finishes and returns its report.
	Wait bool `json:"wait"`
}

type reportRowJSON struct {
	Account     string  `json:"account"`
	Resource    string  `json:"resource"`
	Collection  int64   `json:"collection,omitempty"`
	Mode        string  `json:"mode"`
	Outcome     string  `json:"outcome"`
	Kind        string  `json:"kind,omitempty"`
	Error       string  `json:"error,omitempty"`
	Attempts    int     `json:"attempts"`
	ElapsedSecs float64 `json:"elapsed_seconds"`
	Collections int     `json:"collections"`
	Collected   int     `json:"collected"`
	Downloaded  int     `json:"downloaded"`
	Uploaded    int     `json:"uploaded"`
	Deleted     int     `json:"deleted"`
	Conflicts   int     `json:"conflicts"`
	Failed      int     `json:"failed"`
}

func reportJSON(rep syncp.Report) []reportRowJSON {
	out := make([]reportRowJSON, 0, len(rep.Rows))
	for _, row := range rep.Rows {
		j := reportRowJSON{
			Account:     row.AccountID,
			Resource:    row.Resource.String(),
			Collection:  row.CollectionID,
			Mode:        row.Mode.String(),
			Outcome:     row.Outcome.String(),
			Attempts:    row.Attempts,
			ElapsedSecs: row.Elapsed.Seconds(),
			Collections: row.Collections,
			Collected:   row.Collected,
			Downloaded:  row.Downloaded,
			Uploaded:    row.Uploaded,
			Deleted:     row.Deleted,
			Conflicts:   row.Conflicts,
			Failed:      row.Failed,
		}
		if row.Err != nil {
			j.Kind = row.Kind.String()
			j.Error = row.Err.Error()
		}
		out = append(out, j)
	}
	return out
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	// An empty body syncs everything.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.runner.Validate(r.Context(), req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if !body.Wait {
		s.syncer.Trigger(r.Context(), req)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	rep, err := s.syncer.RunSync(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if rep.Err() != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"runs": reportJSON(rep)})
}

func (b syncRequest) toRequest() (syncp.Request, error) {
	res, err := model.ParseResourceType(b.Resource)
	if err != nil {
		return syncp.Request{}, err
	}
	mode, err := syncp.ParseMode(b.Mode)
	if err != nil {
		return syncp.Request{}, err
	}
	return syncp.Request{AccountID: b.Account, Resource: res, CollectionID: b.Collection, Mode: mode}, nil
}

// --- /v1/status --------------------------------------------------------------

type collectionJSON struct {
	ID          int64      `json:"id"`
	Account     string     `json:"account"`
	Resource    string     `json:"resource"`
	URL         string     `json:"url"`
	Name        string     `json:"name"`
	SyncEnabled bool       `json:"sync_enabled"`
	Visible     bool       `json:"visible"`
	ReadOnly    bool       `json:"read_only"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
	Items       int        `json:"items"`
	Dirty       int        `json:"dirty"`
	Deleted     int        `json:"deleted"`
	Conflicts   int        `json:"conflicts"`
}

type statusJSON struct {
	Collections []collectionJSON `json:"collections"`
	InFlight    []string         `json:"in_flight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	colls, err := s.cache.ListCollections(r.Context(), "", model.ResourceAll)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := statusJSON{Collections: make([]collectionJSON, 0, len(colls)), InFlight: s.runner.InFlight()}
	for _, c := range colls {
		st, err := s.cache.CollectionStats(r.Context(), c.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out.Collections = append(out.Collections, toCollectionJSON(c, st))
	}
	writeJSON(w, http.StatusOK, out)
}

func toCollectionJSON(c *state.Collection, st state.Stats) collectionJSON {
	j := collectionJSON{
		ID:          c.ID,
		Account:     c.AccountID,
		Resource:    c.Resource.String(),
		URL:         c.URL,
		Name:        c.DisplayName,
		SyncEnabled: c.SyncEnabled,
		Visible:     c.Visible,
		ReadOnly:    !c.CanWrite,
		Items:       st.Items,
		Dirty:       st.Dirty,
		Deleted:     st.Deleted,
		Conflicts:   st.Conflicts,
	}
	if !c.LastSynced.IsZero() {
		t := c.LastSynced
		j.LastSynced = &t
	}
	return j
}

// --- /v1/collections/{id} ----------------------------------------------------

type flagsRequest struct {
	SyncEnabled *bool `json:"sync_enabled"`
	Visible     *bool `json:"visible"`
}

func (s *Server) handleCollectionFlags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body flagsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	c, err := s.cache.GetCollection(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	syncEnabled, visible := c.SyncEnabled, c.Visible
	if body.SyncEnabled != nil {
		syncEnabled = *body.SyncEnabled
	}
	if body.Visible != nil {
		visible = *body.Visible
	}
	if err := s.cache.SetCollectionFlags(r.Context(), id, syncEnabled, visible); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("collection flags changed", "collection", id, "sync_enabled", syncEnabled, "visible", visible)

	// Visibility reaches the device store on the next full run.
	if syncEnabled {
		s.syncer.Trigger(r.Context(), syncp.Request{CollectionID: id, Mode: syncp.ModeFull})
	}
	c.SyncEnabled, c.Visible = syncEnabled, visible
	st, err := s.cache.CollectionStats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionJSON(c, st))
}

// --- /v1/conflicts -----------------------------------------------------------

type conflictJSON struct {
	ItemID           int64      `json:"item_id"`
	Collection       int64      `json:"collection"`
	UID              string     `json:"uid"`
	Title            string     `json:"title"`
	LocalModifiedAt  *time.Time `json:"local_modified_at,omitempty"`
	RemoteDeleted    bool       `json:"remote_deleted"`
	RemoteModifiedAt *time.Time `json:"remote_modified_at,omitempty"`
	DetectedAt       time.Time  `json:"detected_at"`
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.cache.ListConflicts(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]conflictJSON, 0, len(conflicts))
	for _, c := range conflicts {
		it, err := s.cache.GetItem(r.Context(), c.ItemID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		j := conflictJSON{
			ItemID:        c.ItemID,
			Collection:    it.CollectionID,
			UID:           it.UID,
			Title:         it.Title,
			RemoteDeleted: c.RemoteDeleted,
			DetectedAt:    c.DetectedAt,
		}
		if !it.ModifiedAt.IsZero() {
			t := it.ModifiedAt
			j.LocalModifiedAt = &t
		}
		if !c.RemoteModifiedAt.IsZero() {
			t := c.RemoteModifiedAt
			j.RemoteModifiedAt = &t
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

type resolveRequest struct {
	Keep string `json:"keep"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	var keepLocal bool
	switch body.Keep {
	case "local":
		keepLocal = true
	case "remote":
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf(`keep must be "local" or "remote", got %q`, body.Keep))
		return
	}

	it, err := s.cache.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.runner.ResolveConflict(r.Context(), id, keepLocal); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("conflict resolved", "item", id, "keep", body.Keep)

	if keepLocal {
		s.syncer.Trigger(r.Context(), syncp.Request{CollectionID: it.CollectionID, Mode: syncp.ModePushOnly})
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "kept": body.Keep})
}

// --- helpers -----------------------------------------------------------------

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case syncerr.KindOf(err) == syncerr.KindConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
