package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"podtable/pkg/cluster"
	"podtable/pkg/dberrors"
	"podtable/pkg/metrics"
	"podtable/pkg/query"
	"podtable/pkg/rpc"
	"podtable/pkg/table"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	httpRequests = "http_requests_total"
)

// iGatherer - распределённый скан по всем нодам пода
type iGatherer interface {
	Gather(ctx context.Context, t *table.Table, self cluster.Identity) ([]table.Row, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Catalog *table.Catalog
	Router  *table.Router
	Pod     *cluster.ShardMap
	Policy  query.NonMemberPolicy

	// Gatherer serves non-local scans; without it a scan returns every row
	// stored on this node.
	Gatherer       iGatherer
	Metrics        metrics.Collector
	MetricsHandler http.Handler
}

// Server represents the HTTP API of one pod node.
type Server struct {
	deps       Deps
	selector   query.Selector
	httpServer *http.Server
	URL        string
	addr       string

	ReadHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(deps Deps, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Server{
		deps:              deps,
		selector:          query.Selector{Metrics: deps.Metrics},
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		ReadHeaderTimeout: time.Second,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/pods/{pod}", s.handlePod)

	r.Route("/api/tables", func(r chi.Router) {
		r.Get("/", s.handleTables)
		r.Get("/{table}/owner", s.handleOwner)
		r.Put("/{table}/rows", s.handlePut)
		r.Get("/{table}/rows", s.handleGet)
		r.Delete("/{table}/rows", s.handleDelete)
		r.Get("/{table}/scan", s.handleScan)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.deps.Metrics.IncCounter(httpRequests, map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(ww.Status()),
		}, 1)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrUnknownTable), errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument),
		errors.Is(err, dberrors.ErrTypeMismatch),
		errors.Is(err, dberrors.ErrUnknownColumn):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNoOwner):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// identity resolves this process in the pod once per query: indices move
// when ZooKeeper membership changes, but a compiled query keeps its identity.
func (s *Server) identity() cluster.Identity {
	if s.deps.Pod == nil {
		return cluster.NoIdentity()
	}
	return cluster.ResolveIdentity(s.deps.Pod)
}

func (s *Server) isShardLocal() *query.IsShardLocal {
	return query.NewIsShardLocal(s.identity(), query.WithNonMemberPolicy(s.deps.Policy))
}

// rows выбирает маршрутизацию: пересланный запрос обслуживается локально
func (s *Server) rows(r *http.Request) table.Remote {
	if r.Header.Get(rpc.ForwardedHeader) != "" {
		return s.deps.Router.Local()
	}
	return s.deps.Router
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*table.Table, bool) {
	t, err := s.deps.Catalog.Lookup(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) parseKey(w http.ResponseWriter, r *http.Request, t *table.Table) (table.Row, bool) {
	q := r.URL.Query()
	key, err := t.Schema().ParseKey(q.Get)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return key, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.MetricsHandler != nil {
		s.deps.MetricsHandler.ServeHTTP(w, r)
		return
	}
	if _, err := w.Write([]byte("# podtable metrics disabled\n")); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePod(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pod")
	if s.deps.Pod == nil || string(s.deps.Pod.Pod()) != name {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(fmt.Sprintf("unknown pod %q", name)))
		return
	}

	snap := s.deps.Pod.Snapshot()
	info := PodInfo{
		Pod:        name,
		Generation: uint64(snap.Generation()),
		Strategy:   s.deps.Pod.Strategy().Name(),
		Self:       s.identity().String(),
		Members:    make([]MemberInfo, 0, snap.Len()),
	}
	for i := 0; i < snap.Len(); i++ {
		node := snap.Node(i)
		m := MemberInfo{
			Index:   i,
			ID:      string(node.ID()),
			Servers: node.Servers(),
			Owner:   node.Owner(),
		}
		for _, srv := range m.Servers {
			if snap.IsDown(srv) {
				m.Down = append(m.Down, srv)
			}
		}
		info.Members = append(info.Members, m)
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(info))
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.deps.Catalog.Names()))
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key, ok := s.parseKey(w, r, t)
	if !ok {
		return
	}

	cursor := table.NewRowCursor(key)
	hash := t.PodHash(cursor)
	node := t.Pod().NodeFor(hash)
	local := query.NewEnv(t).Test(s.isShardLocal(), cursor)

	s.writeJSON(w, http.StatusOK, NewValueResponse(OwnerInfo{
		Table: t.Name(),
		Hash:  hash,
		Node:  node.Index(),
		ID:    string(node.ID()),
		Owner: node.Owner(),
		Local: local,
	}))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	values, err := rpc.DecodeValues(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	row, err := t.Schema().Coerce(values)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.rows(r).Put(r.Context(), t.Name(), row); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key, ok := s.parseKey(w, r, t)
	if !ok {
		return
	}

	row, found, err := s.rows(r).Get(r.Context(), t.Name(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewNotFoundResponse("Row not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(row))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key, ok := s.parseKey(w, r, t)
	if !ok {
		return
	}

	if err := s.rows(r).Delete(r.Context(), t.Name(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleScan отдаёт строки, которыми владеет эта нода (local=true), или
// собирает таблицу целиком со всех нод пода.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}

	local, _ := strconv.ParseBool(r.URL.Query().Get("local"))
	if !local && s.deps.Gatherer != nil {
		rows, err := s.deps.Gatherer.Gather(r.Context(), t, s.identity())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, NewRowsResponse(rows))
		return
	}

	var where query.Expr
	if local {
		where = s.isShardLocal()
	}
	var rows []table.Row
	_, err := s.selector.Select(r.Context(), t, where, func(row table.Row) bool {
		rows = append(rows, row)
		return true
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRowsResponse(rows))
}
