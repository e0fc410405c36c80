// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/ttbt-io/dugout/backend/scoresheet"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string, string) {
	limit := 50
	offset := 0
	sortBy := r.URL.Query().Get("sortBy")
	order := r.URL.Query().Get("order")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, sortBy, order, query
}

// Options represent server options.
type Options struct {
	Addr      string
	Cert      *tls.Certificate
	DataDir   string
	Debug     bool
	Storage   *storage.Storage
	MasterKey crypto.MasterKey
	Listener  net.Listener

	SheetStore *SheetStore
	Registry   *Registry
	Stats      *StatsIndex
	Publisher  *UpdatePublisher

	// Dimensions of sheets created without explicit sizes.
	DefaultInnings int
	DefaultPlayers int

	CORSOrigins []string
	// RateLimit is the number of write requests per second allowed per
	// client address. Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // HTTP address of a cluster member to join
	RaftBootstrap         bool
	HTTPAdvertise         string       // Base URL other nodes use to reach this node's API
	RaftManager           *RaftManager // Allow injecting pre-configured RaftManager
	UseProductionTimeouts bool         // Set to true to use longer timeouts (e.g. for production)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	retryAfterLoad   = "2"
	retryAfterSave   = "10"
	retryAfterAction = "5"

	maxSheetBody = 20 * 1048576
	flushPeriod  = 5 * time.Second

	// limiterIdleTTL is how long a client's limiter is kept after its last
	// write.
	limiterIdleTTL = 10 * time.Minute
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	hm         *HubManager
	st         *Stores
	metrics    *Metrics
	limiter    *clientLimiter
	handler    http.Handler
	now        func() time.Time
	debugf     func(string, ...any)

	defaultInnings int
	defaultPlayers int

	stopFlush chan struct{}
	stopOnce  sync.Once
	flushDone chan struct{}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RaftManager returns the server's Raft node, or nil when Raft is disabled.
func (s *Server) RaftManager() *RaftManager {
	return s.raftMgr
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("http: %v", err))
		}
	}
	s.stopOnce.Do(func() {
		close(s.stopFlush)
	})
	<-s.flushDone
	s.hm.Shutdown()
	s.st.Registry.StopGC()

	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Sprintf("raft: %v", err))
		}
	}
	if err := s.st.Sheets.FlushAll(); err != nil {
		errs = append(errs, fmt.Sprintf("flush: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	s, err := NewServerHandler(opts)
	if err != nil {
		return nil, err
	}

	if s.raftMgr != nil {
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := s.raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if opts.Cert != nil {
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	listener := opts.Listener
	if listener == nil {
		l, err := net.Listen("tcp", opts.Addr)
		if err != nil {
			s.Shutdown(context.Background())
			return nil, err
		}
		listener = l
	}

	go func() {
		var err error
		if s.httpServer.TLSConfig != nil {
			log.Printf("Starting HTTPS server on %s...", listener.Addr())
			err = s.httpServer.ServeTLS(listener, "", "")
		} else {
			log.Printf("Starting HTTP server on %s...", listener.Addr())
			err = s.httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	if s.raftMgr != nil && opts.RaftJoin != "" && !opts.RaftBootstrap {
		go func() {
			for attempt := 1; attempt <= 10; attempt++ {
				err := s.raftMgr.JoinCluster(opts.RaftJoin)
				if err == nil {
					log.Printf("Joined cluster via %s", opts.RaftJoin)
					return
				}
				log.Printf("Warning: Join attempt %d via %s failed: %v", attempt, opts.RaftJoin, err)
				select {
				case <-s.stopFlush:
					return
				case <-time.After(time.Duration(attempt) * time.Second):
				}
			}
			log.Printf("Error: Giving up joining cluster via %s", opts.RaftJoin)
		}()
	}

	return s, nil
}

// NewServerHandler creates the stores, hubs and optional Raft node, and
// configures the HTTP handler. It does not listen.
func NewServerHandler(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultInnings <= 0 {
		opts.DefaultInnings = scoresheet.DefaultMaxInnings
	}
	if opts.DefaultPlayers <= 0 {
		opts.DefaultPlayers = scoresheet.DefaultNumPlayers
	}

	sheets := opts.SheetStore
	if sheets == nil {
		sheets = NewSheetStore(opts.DataDir, opts.Storage)
	}
	sheets.Debug = opts.Debug
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(sheets)
	}
	st := &Stores{
		Sheets:    sheets,
		Registry:  registry,
		Stats:     opts.Stats,
		Publisher: opts.Publisher,
	}

	hm := NewHubManager(st)
	hm.now = opts.Now

	s := &Server{
		hm:      hm,
		st:      st,
		metrics: NewMetrics(),
		now:     opts.Now,
		debugf:  func(string, ...any) {},

		defaultInnings: opts.DefaultInnings,
		defaultPlayers: opts.DefaultPlayers,
		stopFlush:      make(chan struct{}),
		flushDone:      make(chan struct{}),
	}
	if opts.Debug {
		s.debugf = func(f string, a ...any) {
			log.Printf("[DEBUG BACKEND] "+f, a...)
		}
	}

	if opts.RaftEnabled {
		raftMgr := opts.RaftManager
		if raftMgr == nil {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create Raft data directory: %w", err)
			}
			raftStorage := storage.New(raftDataDir, opts.MasterKey)
			fsm := NewFSM(st, hm, raftStorage)
			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.HTTPAdvertise, "", opts.RaftSecret, fsm)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		}
		hm.SetRaftManager(raftMgr)
		s.raftMgr = raftMgr
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	if opts.RateLimit > 0 {
		s.limiter = newClientLimiter(opts.RateLimit, opts.RateBurst)
		handler = rateLimitMiddleware(s.limiter, s.fromClusterPeer, handler)
	}
	handler = metricsMiddleware(s.metrics, handler)
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)
	if len(opts.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
			ExposedHeaders: []string{"ETag", "Retry-After"},
		})
		handler = c.Handler(handler)
	}
	s.handler = handler

	registry.StartGC()
	go s.flushLoop()

	if s.raftMgr != nil && s.raftMgr.Raft == nil {
		if err := s.raftMgr.Start(opts.RaftBootstrap); err != nil {
			s.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to start Raft: %w", err)
		}
	}
	return s, nil
}

// flushLoop writes documents that were committed to memory only.
func (s *Server) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopFlush:
			return
		case <-ticker.C:
			if err := s.st.Sheets.FlushAll(); err != nil {
				log.Printf("Error: Periodic flush failed: %v", err)
			}
			if n := s.limiter.evictIdle(limiterIdleTTL); n > 0 {
				s.debugf("Evicted %d idle rate limiters", n)
			}
		}
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sheets", s.handleCreate)
	mux.HandleFunc("GET /api/sheets", s.handleList)
	mux.HandleFunc("GET /api/sheets/{id}", s.handleLoad)
	mux.HandleFunc("PUT /api/sheets/{id}", s.handleSave)
	mux.HandleFunc("DELETE /api/sheets/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/sheets/{id}/edits", s.handleEdits)
	mux.HandleFunc("GET /api/sheets/{id}/stats", s.handleSheetStats)
	mux.HandleFunc("GET /api/sheets/{id}/export", s.handleExport)
	mux.HandleFunc("POST /api/check-deletions", s.handleCheckDeletions)
	mux.HandleFunc("GET /api/stats/season", s.handleSeason)
	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(s.hm, w, r)
	})

	// Cluster API (secured by the cluster secret)
	mux.HandleFunc("POST /api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if s.raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		s.raftMgr.handleJoin(w, r)
	})
	mux.HandleFunc("POST /api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if s.raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		s.raftMgr.handleRemove(w, r)
	})
	mux.HandleFunc("GET /api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if s.raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		s.raftMgr.handleStatus(w, r)
	})
}

// sheetResponse is the body of sheet reads and writes.
type sheetResponse struct {
	ID         string                 `json:"id"`
	Status     string                 `json:"status"`
	Sheet      *scoresheet.ScoreSheet `json:"sheet,omitempty"`
	LastEditID string                 `json:"lastEditId,omitempty"`
}

type createRequest struct {
	ID         string               `json:"id,omitempty"`
	MaxInnings int                  `json:"maxInnings"`
	NumPlayers int                  `json:"numPlayers"`
	GameInfo   *scoresheet.GameInfo `json:"gameInfo,omitempty"`
	CreatedBy  string               `json:"createdBy,omitempty"`
}

type editsRequest struct {
	Edits []json.RawMessage `json:"edits"`
}

type editsResponse struct {
	ID         string                 `json:"id"`
	Sheet      *scoresheet.ScoreSheet `json:"sheet"`
	LastEditID string                 `json:"lastEditId,omitempty"`
	Changed    bool                   `json:"changed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeCacheableJSON serves v with an ETag, answering 304 when the client
// already has it.
func writeCacheableJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Internal Server Error during JSON Marshal: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) sheetID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" || !isValidUUID(id) {
		http.Error(w, "Bad Request: sheet id is missing or invalid", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// do runs req on the sheet's hub. It writes the error response and returns
// false on failure. body is replayed when the request must be forwarded to
// the Raft leader.
func (s *Server) do(w http.ResponseWriter, r *http.Request, id string, req HubRequest, retryAfter string, body []byte) (HubResponse, bool) {
	resp, err := s.hm.Do(r.Context(), id, req)
	if err == nil {
		err = resp.Error
	}
	if err == nil {
		return resp, true
	}

	var re *requestError
	switch {
	case errors.Is(err, errHubBusy), errors.Is(err, errHubClosed):
		hubBusyResponse(w, retryAfter)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request canceled", http.StatusServiceUnavailable)
	case errors.Is(err, ErrNotLeader) && s.raftMgr != nil:
		if s.raftMgr.forwardLoop(r) {
			http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
			break
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.raftMgr.forwardRequestToLeader(w, r)
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "Not Found: Sheet not found", http.StatusNotFound)
	case errors.Is(err, ErrSheetDeleted):
		http.Error(w, "Gone: Sheet has been deleted", http.StatusGone)
	case errors.Is(err, ErrSheetExists):
		http.Error(w, "Conflict: Sheet already exists", http.StatusConflict)
	case errors.As(err, &re):
		http.Error(w, "Bad Request: "+re.Error(), http.StatusBadRequest)
	default:
		log.Printf("Internal Server Error during Hub %s for sheet %s: %v", req.Type, id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
	return HubResponse{}, false
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if !isValidUUID(req.ID) {
		http.Error(w, "Bad Request: id is invalid", http.StatusBadRequest)
		return
	}
	if req.MaxInnings == 0 {
		req.MaxInnings = s.defaultInnings
	}
	if req.NumPlayers == 0 {
		req.NumPlayers = s.defaultPlayers
	}
	if req.MaxInnings < 1 || req.MaxInnings > MaxSheetInnings || req.NumPlayers < 1 || req.NumPlayers > MaxSheetPlayers {
		http.Error(w, fmt.Sprintf("Bad Request: maxInnings must be 1-%d and numPlayers 1-%d", MaxSheetInnings, MaxSheetPlayers), http.StatusBadRequest)
		return
	}
	if err := validateStringLen(req.CreatedBy, MaxTextLen, "createdBy"); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	sheet := scoresheet.NewEmptyScoreSheet(req.MaxInnings, req.NumPlayers, s.now())
	if req.GameInfo != nil {
		if err := validateGameInfo(*req.GameInfo); err != nil {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
		sheet.GameInfo = *req.GameInfo
	}
	sheet.Metadata.CreatedBy = req.CreatedBy

	body, _ := json.Marshal(req)
	resp, ok := s.do(w, r, req.ID, HubRequest{Type: ReqTypeHTTPCreate, Doc: &Document{Sheet: sheet}}, retryAfterSave, body)
	if !ok {
		return
	}
	s.debugf("Created sheet %s (%dx%d)", req.ID, req.NumPlayers, req.MaxInnings)
	writeJSON(w, http.StatusCreated, sheetResponse{ID: resp.Doc.ID, Status: resp.Doc.Status, Sheet: resp.Doc.Sheet})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, sortBy, order, query := parsePagination(r)
	all := s.st.Registry.ListSheets(sortBy, order, query)
	total := len(all)

	page := make([]SheetMetadata, 0)
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = all[offset:end]
	}

	respData := struct {
		Data []SheetMetadata `json:"data"`
		Meta struct {
			Total  int `json:"total"`
			Offset int `json:"offset"`
			Limit  int `json:"limit"`
		} `json:"meta"`
	}{
		Data: page,
	}
	respData.Meta.Total = total
	respData.Meta.Offset = offset
	respData.Meta.Limit = limit
	writeCacheableJSON(w, r, respData)
}

// handleCheckDeletions reports which of the given sheet ids are tombstoned,
// so offline clients can drop their local copies.
func (s *Server) handleCheckDeletions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	deleted := make([]string, 0)
	for _, id := range body.IDs {
		if s.st.Registry.IsDeleted(id) {
			deleted = append(deleted, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sheetID(w, r)
	if !ok {
		return
	}
	resp, ok := s.do(w, r, id, HubRequest{Type: ReqTypeHTTPLoad}, retryAfterLoad, nil)
	if !ok {
		return
	}
	writeCacheableJSON(w, r, sheetResponse{
		ID:         resp.Doc.ID,
		Status:     resp.Doc.Status,
		Sheet:      resp.Doc.Sheet,
		LastEditID: resp.Doc.LastEditID,
	})
}

// handleSave replaces a sheet wholesale. Legacy or partial documents are
// normalized before they are stored.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sheetID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSheetBody))
	if err != nil {
		http.Error(w, "Bad Request: body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}

	sheet, res := scoresheet.Load(body, s.now())
	if !res.IsValid {
		s.debugf("Sheet %s normalized on save: %s", id, strings.Join(res.Errors, "; "))
	}
	if len(sheet.Players) > MaxSheetPlayers || sheet.MaxInnings() > MaxSheetInnings {
		http.Error(w, "Bad Request: sheet is too large", http.StatusBadRequest)
		return
	}
	if err := validateGameInfo(sheet.GameInfo); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	scoresheet.Recompute(sheet)

	resp, ok := s.do(w, r, id, HubRequest{Type: ReqTypeHTTPSave, Doc: &Document{Sheet: sheet}}, retryAfterSave, body)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		sheetResponse
		Normalized bool     `json:"normalized"`
		Errors     []string `json:"errors,omitempty"`
	}{
		sheetResponse: sheetResponse{ID: resp.Doc.ID, Status: resp.Doc.Status, Sheet: resp.Doc.Sheet, LastEditID: resp.Doc.LastEditID},
		Normalized:    !res.IsValid,
		Errors:        res.Errors,
	})
}

func (s *Server) handleEdits(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sheetID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4*1048576))
	if err != nil {
		http.Error(w, "Bad Request: body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req editsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	if len(req.Edits) == 0 {
		http.Error(w, "Bad Request: no edits", http.StatusBadRequest)
		return
	}

	resp, ok := s.do(w, r, id, HubRequest{Type: ReqTypeHTTPEdits, Edits: req.Edits}, retryAfterAction, body)
	if !ok {
		return
	}
	if resp.Changed {
		s.metrics.AddEdits(len(req.Edits))
	}
	writeJSON(w, http.StatusOK, editsResponse{
		ID:         id,
		Sheet:      resp.Doc.Sheet,
		LastEditID: resp.Doc.LastEditID,
		Changed:    resp.Changed,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sheetID(w, r)
	if !ok {
		return
	}
	resp, ok := s.do(w, r, id, HubRequest{Type: ReqTypeHTTPDelete}, retryAfterAction, nil)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sheetResponse{ID: id, Status: resp.Doc.Status})
}

// loadSheet returns the live sheet through its hub, writing the error
// response on failure.
func (s *Server) loadSheet(w http.ResponseWriter, r *http.Request) (*scoresheet.ScoreSheet, bool) {
	id, ok := s.sheetID(w, r)
	if !ok {
		return nil, false
	}
	resp, ok := s.do(w, r, id, HubRequest{Type: ReqTypeHTTPLoad}, retryAfterLoad, nil)
	if !ok {
		return nil, false
	}
	return resp.Doc.Sheet, true
}

func (s *Server) handleSheetStats(w http.ResponseWriter, r *http.Request) {
	sheet, ok := s.loadSheet(w, r)
	if !ok {
		return
	}
	writeCacheableJSON(w, r, scoresheet.TeamLine(sheet))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sheet, ok := s.loadSheet(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := scoresheet.Render(&buf, sheet); err != nil {
		log.Printf("Error rendering sheet %s: %v", r.PathValue("id"), err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

// handleSeason returns season totals for a team. Without a stats database
// the totals are folded from the team's stored sheets.
func (s *Server) handleSeason(w http.ResponseWriter, r *http.Request) {
	teamID := r.URL.Query().Get("teamId")
	if teamID == "" {
		http.Error(w, "Bad Request: teamId is required", http.StatusBadRequest)
		return
	}
	if s.st.Stats != nil {
		lines, err := s.st.Stats.SeasonTotals(r.Context(), teamID)
		if err != nil {
			log.Printf("Error: Season totals for team %s: %v", teamID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeCacheableJSON(w, r, map[string]any{"teamId": teamID, "players": lines})
		return
	}

	var sheets []*scoresheet.ScoreSheet
	for _, m := range s.st.Registry.ListSheets("date", "asc", "") {
		if m.TeamID != teamID {
			continue
		}
		doc, err := s.st.Sheets.LoadSheet(m.ID)
		if err != nil || doc.Status == StatusDeleted {
			continue
		}
		sheets = append(sheets, doc.Sheet)
	}
	writeCacheableJSON(w, r, map[string]any{"teamId": teamID, "players": scoresheet.SeasonTotals(sheets)})
}

// handleValidate checks an arbitrary document and returns its normalized
// form. Nothing is stored.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSheetBody))
	if err != nil {
		http.Error(w, "Bad Request: body too large", http.StatusRequestEntityTooLarge)
		return
	}
	sheet, res := scoresheet.Load(body, s.now())
	writeJSON(w, http.StatusOK, struct {
		scoresheet.ValidationResult
		Sheet *scoresheet.ScoreSheet `json:"sheet"`
	}{res, sheet})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap.Hubs = s.hm.HubCount()
	snap.Connections = int64(s.hm.ConnectionCount())
	snap.Sheets = s.st.Registry.CountSheets()
	writeJSON(w, http.StatusOK, snap)
}

// clientLimiter throttles write requests per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *clientLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// evictIdle drops the limiters of clients that have not written for maxIdle
// and returns how many were dropped. A nil limiter evicts nothing.
func (l *clientLimiter) evictIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	n := 0
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

// fromClusterPeer reports whether r was forwarded by another node of the
// cluster, i.e. it carries the forwarding header and the cluster secret.
func (s *Server) fromClusterPeer(r *http.Request) bool {
	return s.raftMgr != nil && r.Header.Get("X-Raft-Forwarded") != "" && s.raftMgr.checkSecret(r)
}

// rateLimitMiddleware limits writes. Reads and requests for which exempt
// returns true are not limited.
func rateLimitMiddleware(l *clientLimiter, exempt func(*http.Request) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions || (exempt != nil && exempt(r)) {
			next.ServeHTTP(w, r)
			return
		}
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.get(ip).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
