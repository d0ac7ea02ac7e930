// Package api is the API Dispatcher: it maps an integer api_code to a
// domain service method, building a fresh Services snapshot from the
// current config for every command so a hot-reloaded Config Catalog
// takes effect on the next request, and wraps every result in the
// {success, message, data} envelope. It also serves the Push Channel's
// WebSocket upgrade endpoint and a Prometheus /metrics endpoint.
//
// ServeMux registration, a context-bound http.Server, and graceful
// Shutdown on ctx.Done back a single-endpoint api_code dispatch (POST
// /command plus GET /ws/{user_id}) rather than fixed path-based
// routes per command.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/config"
	"github.com/antigravity-dev/gameserver/internal/gamecache"
	"github.com/antigravity-dev/gameserver/internal/gamequeue"
	"github.com/antigravity-dev/gameserver/internal/lock"
	"github.com/antigravity-dev/gameserver/internal/login"
	"github.com/antigravity-dev/gameserver/internal/metrics"
	"github.com/antigravity-dev/gameserver/internal/push"
	"github.com/antigravity-dev/gameserver/internal/service/alliance"
	"github.com/antigravity-dev/gameserver/internal/service/buff"
	"github.com/antigravity-dev/gameserver/internal/service/building"
	"github.com/antigravity-dev/gameserver/internal/service/item"
	"github.com/antigravity-dev/gameserver/internal/service/mission"
	"github.com/antigravity-dev/gameserver/internal/service/research"
	"github.com/antigravity-dev/gameserver/internal/service/resource"
	"github.com/antigravity-dev/gameserver/internal/service/shop"
	"github.com/antigravity-dev/gameserver/internal/service/unit"
	"github.com/antigravity-dev/gameserver/internal/storage"
	"github.com/antigravity-dev/gameserver/internal/types"
	"github.com/antigravity-dev/gameserver/internal/worker"
)

// Services bundles one request's domain services, built fresh from the
// current config snapshot so a hot-reloaded Config Catalog takes effect
// on the very next command.
type Services struct {
	Login    *login.Orchestrator
	Resource *resource.Service
	Building *building.Service
	Unit     *unit.Service
	Research *research.Service
	Item     *item.Service
	Buff     *buff.Service
	Shop     *shop.Service
	Mission  *mission.Service
	Alliance *alliance.Service
}

// Server is the command-transport HTTP API.
type Server struct {
	cfg            *config.RWMutexManager
	cache          *gamecache.Store
	store          *storage.Store
	queue          *gamequeue.Queue
	locks          *lock.Manager
	push           *push.Channel
	worker         *worker.Worker
	metrics        *metrics.Registry
	logger         *slog.Logger
	startTime      time.Time
	table          map[int]dispatchEntry
	httpServer     *http.Server
	wsServer       *http.Server
}

// dispatchEntry is one api_code's routed handler: decode payload, call the
// service method under the user's own locking, return a JSON-able result.
type dispatchEntry struct {
	name   string
	handle func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error)
}

// NewServer wires the dispatch table against the shared, config-independent
// dependencies; each command builds its own Services snapshot at dispatch
// time (see services()).
func NewServer(cfgMgr *config.RWMutexManager, cache *gamecache.Store, store *storage.Store, queue *gamequeue.Queue, locks *lock.Manager, pushCh *push.Channel, w *worker.Worker, mr *metrics.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfgMgr,
		cache:     cache,
		store:     store,
		queue:     queue,
		locks:     locks,
		push:      pushCh,
		worker:    w,
		metrics:   mr,
		logger:    logger,
		startTime: time.Now(),
	}
	s.table = s.buildTable()
	return s
}

// services constructs one request's domain service set from the current
// config snapshot (building.Service et al. are documented per-request
// types: see internal/service/building/building.go).
func (s *Server) services() Services {
	cfg := s.cfg.Get()
	resSvc := resource.New(s.cache, s.store, s.logger)
	itemSvc := item.New(cfg, s.cache, s.store, s.queue, s.locks, resSvc, s.logger)
	buffSvc := buff.New(cfg, s.cache, s.store, s.logger)
	missionSvc := mission.New(cfg, s.cache, s.store, s.locks, resSvc, itemSvc, s.logger)
	return Services{
		Login:    login.New(s.cache, s.store, s.logger),
		Resource: resSvc,
		Building: building.New(cfg, s.cache, s.store, s.queue, s.locks, resSvc, buffSvc, missionSvc, s.logger),
		Unit:     unit.New(cfg, s.cache, s.store, s.queue, s.locks, resSvc, buffSvc, missionSvc, s.logger),
		Research: research.New(cfg, s.cache, s.store, s.queue, s.locks, resSvc, buffSvc, missionSvc, s.logger),
		Item:     itemSvc,
		Buff:     buffSvc,
		Shop:     shop.New(cfg, s.cache, s.store, s.locks, resSvc, itemSvc, s.logger),
		Mission:  missionSvc,
		Alliance: alliance.New(s.store, s.locks, resSvc, s.logger),
	}
}

// Start runs both the command HTTP server and the WebSocket push server
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Get()

	cmdMux := http.NewServeMux()
	cmdMux.HandleFunc("/command", s.handleCommand)
	cmdMux.HandleFunc("/health", s.handleHealth)
	cmdMux.HandleFunc("/metrics", s.handleMetrics)

	s.httpServer = &http.Server{
		Addr:        cfg.API.Bind,
		Handler:     cmdMux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws/", s.handleWebSocket)

	s.wsServer = &http.Server{
		Addr:        cfg.Push.Bind,
		Handler:     wsMux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 2)
	go func() { errc <- s.httpServer.ListenAndServe() }()
	go func() { errc <- s.wsServer.ListenAndServe() }()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
		s.wsServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "command_bind", cfg.API.Bind, "push_bind", cfg.Push.Bind)

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// CommandRequest is the single command-transport envelope.
type CommandRequest struct {
	UserNo  int64           `json:"user_no"`
	APICode int             `json:"api_code"`
	Data    json.RawMessage `json:"data"`
}

// CommandResponse is the uniform response envelope.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	entry, ok := s.table[req.APICode]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown api_code %d", req.APICode))
		return
	}

	if s.metrics != nil {
		s.metrics.DispatchedTotal.WithLabelValues(strconv.Itoa(req.APICode)).Inc()
	}

	result, err := entry.handle(r.Context(), s.services(), req.UserNo, req.Data)
	if err != nil {
		s.writeAppError(w, req.APICode, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{Success: true, Message: entry.name, Data: result})
}

func (s *Server) writeAppError(w http.ResponseWriter, apiCode int, err error) {
	e, ok := apperr.As(err)
	kind := apperr.Fatal
	if ok {
		kind = e.Kind
	}
	if s.metrics != nil {
		s.metrics.DispatchErrTotal.WithLabelValues(strconv.Itoa(apiCode), string(kind)).Inc()
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Insufficient:
		status = http.StatusConflict
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.LockTimeout:
		status = http.StatusServiceUnavailable
	case apperr.Transient:
		status = http.StatusServiceUnavailable
	case apperr.Fatal:
		status = http.StatusInternalServerError
		s.logger.Error("api dispatch fatal error", "api_code", apiCode, "error", err)
	}

	writeJSON(w, status, CommandResponse{Success: false, Message: err.Error()})
}

// handleWebSocket upgrades /ws/{user_id} to a push-channel session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/ws/")
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.push.Upgrade(w, r, userID); err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dead := s.worker.DeadLetters()
	healthy := len(dead) == 0

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	resp := map[string]any{
		"healthy":           healthy,
		"uptime_s":          time.Since(s.startTime).Seconds(),
		"dead_letter_count": len(dead),
	}
	for _, class := range []types.TaskClass{types.TaskBuilding, types.TaskUnit, types.TaskResearch, types.TaskMission, types.TaskItem} {
		total, due, pending := s.queue.Status(class, time.Now())
		resp["queue_"+string(class)] = map[string]int{"total": total, "due": due, "pending": pending}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(CommandResponse{Success: false, Message: msg})
}
