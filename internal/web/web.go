package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"calmerge/internal/config"
	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/merge"
	"calmerge/internal/model"
	"calmerge/internal/normalize"
	"calmerge/internal/pipeline"
)

const maxImportBytes = 16 << 20

// Searcher finds candidate events for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.CandidateEvent, error)
}

// ErrPartialRefresh reports that some feeds failed during a refresh. The
// schedule was still rebuilt; failed feeds kept their last good events.
var ErrPartialRefresh = errors.New("refresh: some feeds failed")

// uploadSource keys the part of the schedule loaded through Import.
const uploadSource = ""

// Server exposes the schedule over HTTP. The schedule is the imported
// events of every source plus the auto-added events from merges. It is
// rebuilt and swapped whole, and a source's part only changes after that
// source imported successfully.
type Server struct {
	cfg      *config.Config
	mux      *http.ServeMux
	fetcher  *ics.Fetcher
	searcher Searcher
	now      func() time.Time

	mu        sync.RWMutex
	imported  map[string][]model.EventInstance
	added     []model.EventInstance
	schedule  []model.EventInstance
	updatedAt time.Time
}

// NewServer constructs a new Server. fetcher and searcher may be nil, in
// which case /api/refresh and query-driven /api/merge report 503.
func NewServer(cfg *config.Config, fetcher *ics.Fetcher, searcher Searcher) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		fetcher:  fetcher,
		searcher: searcher,
		now:      time.Now,
		imported: make(map[string][]model.EventInstance),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/import", s.handleImport)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/merge", s.handleMerge)
}

// Schedule returns a copy of the current schedule.
func (s *Server) Schedule() []model.EventInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EventInstance, len(s.schedule))
	copy(out, s.schedule)
	return out
}

// replaceSources swaps the imported events of the given sources and
// rebuilds the schedule. Auto-added events that now overlap an imported one
// are dropped. Callers hold s.mu.
func (s *Server) replaceSources(parts map[string][]model.EventInstance, keepOnly func(id string) bool) {
	for id := range s.imported {
		if keepOnly != nil && !keepOnly(id) {
			delete(s.imported, id)
		}
	}
	for id, instances := range parts {
		s.imported[id] = instances
	}

	ids := make([]string, 0, len(s.imported))
	for id := range s.imported {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var imported []model.EventInstance
	for _, id := range ids {
		imported = append(imported, s.imported[id]...)
	}

	kept := make([]model.EventInstance, 0, len(s.added))
	for _, a := range s.added {
		if merge.Compatible(a, imported) {
			kept = append(kept, a)
		}
	}
	if dropped := len(s.added) - len(kept); dropped > 0 {
		appLog.Info("auto-added events now overlap imported events", "dropped", dropped)
	}
	s.added = kept

	s.schedule = normalize.Sort(append(imported, kept...))
	s.updatedAt = s.now()
}

func (s *Server) importOptions() (pipeline.ImportOptions, error) {
	w, err := s.cfg.ResolveWindow(s.now())
	if err != nil {
		return pipeline.ImportOptions{}, err
	}
	return pipeline.ImportOptions{
		Window:         w,
		Boundary:       ics.ParseBoundary(s.cfg.Window.Boundary),
		Location:       s.cfg.Location(),
		MaxOccurrences: s.cfg.MaxOccurrences,
	}, nil
}

// Import runs the import pipeline on body and, only if it succeeds,
// replaces the uploaded part of the schedule with the result.
func (s *Server) Import(body []byte) (pipeline.Result, error) {
	opts, err := s.importOptions()
	if err != nil {
		return pipeline.Result{}, err
	}
	res, err := pipeline.Import(body, opts)
	if err != nil {
		return pipeline.Result{}, err
	}
	s.mu.Lock()
	s.replaceSources(map[string][]model.EventInstance{uploadSource: res.Instances}, nil)
	s.mu.Unlock()
	appLog.Info("schedule imported", "instances", len(res.Instances), "diagnostics", len(res.Diagnostics))
	return res, nil
}

// Refresh fetches every configured feed and replaces the part of the
// schedule each feed owns. A feed that fails to fetch or parse keeps the
// events of its last successful import, and the returned error wraps
// ErrPartialRefresh. If no feed yields events the schedule is left as is.
func (s *Server) Refresh(ctx context.Context) error {
	if s.fetcher == nil {
		return errors.New("refresh: no fetcher configured")
	}
	sources := make([]ics.Source, 0, len(s.cfg.ICS))
	for _, c := range s.cfg.ICS {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = c.Name
		}
		if id == "" {
			id = c.URL
		}
		sources = append(sources, ics.Source{ID: id, URL: c.URL})
	}
	if len(sources) == 0 {
		return errors.New("refresh: no ics sources configured")
	}

	opts, err := s.importOptions()
	if err != nil {
		return err
	}

	s.mu.RLock()
	previous := make(map[string][]model.EventInstance, len(s.imported))
	for id, instances := range s.imported {
		previous[id] = instances
	}
	s.mu.RUnlock()

	var (
		parts = make(map[string][]model.EventInstance, len(sources))
		errs  []error
		fresh int
	)
	for _, src := range sources {
		instances, err := s.refreshSource(ctx, src, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
		} else {
			fresh++
		}
		if instances != nil {
			parts[src.ID] = instances
			continue
		}
		if prev, ok := previous[src.ID]; ok {
			appLog.Warn("refresh: keeping last good events", err, "id", src.ID, "instances", len(prev))
			parts[src.ID] = prev
		}
	}
	if len(parts) == 0 {
		return fmt.Errorf("refresh: no source imported: %w", errors.Join(errs...))
	}

	configured := make(map[string]bool, len(sources))
	for _, src := range sources {
		configured[src.ID] = true
	}
	s.mu.Lock()
	s.replaceSources(parts, func(id string) bool { return id == uploadSource || configured[id] })
	total := len(s.schedule)
	s.mu.Unlock()

	appLog.Info("schedule refreshed", "sources", len(sources), "fresh", fresh, "failed", len(errs), "instances", total)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPartialRefresh, errors.Join(errs...))
	}
	return nil
}

// refreshSource fetches and imports one feed. A body served from the cache
// because the fetch failed still yields instances, together with the
// fetch error.
func (s *Server) refreshSource(ctx context.Context, src ics.Source, opts pipeline.ImportOptions) ([]model.EventInstance, error) {
	fr, err := s.fetcher.FetchOne(ctx, src)
	if err != nil {
		return nil, err
	}
	res, err := pipeline.Import(fr.Body, opts)
	if err != nil {
		appLog.Error("refresh: import failed for source", err, "id", src.ID)
		return nil, err
	}
	if res.Instances == nil {
		res.Instances = []model.EventInstance{}
	}
	return res.Instances, fr.Stale
}

// Reconcile merges candidates into the current schedule and stores the
// combined result.
func (s *Server) Reconcile(candidates []model.CandidateEvent) (pipeline.Result, error) {
	dur, err := s.cfg.CandidateDurationValue()
	if err != nil {
		return pipeline.Result{}, err
	}
	strategy := merge.AgainstExisting
	if s.cfg.Merge.Incremental {
		strategy = merge.Incremental
	}

	// Hold the write lock across read-merge-store so concurrent merges do
	// not lose each other's additions.
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := pipeline.Reconcile(s.schedule, candidates, pipeline.ReconcileOptions{
		CandidateDuration: dur,
		Strategy:          strategy,
	})
	if err != nil {
		return pipeline.Result{}, err
	}
	added := make([]model.EventInstance, 0, len(s.added)+res.Merge.Added)
	for _, inst := range res.Instances {
		if inst.Tag == model.TagAutoAdded {
			added = append(added, inst)
		}
	}
	s.added = added
	s.schedule = res.Instances
	s.updatedAt = s.now()
	return res, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// scheduleResponse is the JSON response shape for schedule endpoints.
type scheduleResponse struct {
	Events      []model.Record `json:"events"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
	Truncated   []string       `json:"truncated_uids,omitempty"`
	Added       int            `json:"added,omitempty"`
	Dropped     int            `json:"dropped,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduleResponse())
}

// scheduleResponse snapshots the current schedule.
func (s *Server) scheduleResponse() scheduleResponse {
	s.mu.RLock()
	records := normalize.Records(s.schedule)
	updated := s.updatedAt
	s.mu.RUnlock()

	resp := scheduleResponse{Events: records}
	if !updated.IsZero() {
		resp.UpdatedAt = normalize.FormatInstant(updated)
	}
	return resp
}

// handleImport accepts a raw iCalendar body.
//
// POST /api/import
//   - 200 with the whole new schedule on success
//   - 400 if the body is not a calendar; the previous schedule is kept
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	res, err := s.Import(body)
	if err != nil {
		if errors.Is(err, ics.ErrMalformedInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api import failed", err)
		writeError(w, http.StatusInternalServerError, "failed to import calendar")
		return
	}

	resp := s.scheduleResponse()
	resp.Truncated = res.Truncated
	for _, d := range res.Diagnostics {
		resp.Diagnostics = append(resp.Diagnostics, d.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not configured")
		return
	}
	err := s.Refresh(r.Context())
	if err != nil && !errors.Is(err, ErrPartialRefresh) {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	resp := s.scheduleResponse()
	if err != nil {
		resp.Diagnostics = append(resp.Diagnostics, err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// candidateDTO is the JSON shape accepted by POST /api/merge.
type candidateDTO struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	Theme    string `json:"theme"`
	Location string `json:"location"`
}

// handleMerge reconciles candidates into the schedule.
//
// POST /api/merge?query=<q>  candidates come from the search API
// POST /api/merge            candidates come from a JSON array body
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var candidates []model.CandidateEvent
	if q := r.URL.Query().Get("query"); q != "" {
		if s.searcher == nil {
			writeError(w, http.StatusServiceUnavailable, "search not configured")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SearchTimeout())
		defer cancel()
		found, err := s.searcher.Search(ctx, q)
		if err != nil {
			appLog.Error("api merge: search failed", err, "query", q)
			writeError(w, http.StatusBadGateway, "search failed")
			return
		}
		candidates = found
	} else {
		var dtos []candidateDTO
		if err := json.NewDecoder(io.LimitReader(r.Body, maxImportBytes)).Decode(&dtos); err != nil {
			writeError(w, http.StatusBadRequest, "invalid candidate list")
			return
		}
		for i, d := range dtos {
			start, err := normalize.ParseInstant(d.Start)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("candidate %d: invalid start", i))
				return
			}
			candidates = append(candidates, model.CandidateEvent{
				ID:       d.ID,
				Title:    d.Title,
				Start:    start,
				Theme:    d.Theme,
				Location: d.Location,
			})
		}
	}

	res, err := s.Reconcile(candidates)
	if err != nil {
		appLog.Error("api merge failed", err)
		writeError(w, http.StatusInternalServerError, "merge failed")
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Events:  res.Records,
		Added:   res.Merge.Added,
		Dropped: res.Merge.Dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
