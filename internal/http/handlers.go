package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/escort-dispatch/internal/auth"
	"github.com/example/escort-dispatch/internal/dispatch"
	"github.com/example/escort-dispatch/internal/models"
	"github.com/example/escort-dispatch/internal/rides"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators a Server is built from. WS and Limiter are optional.
type Deps struct {
	Engine  *rides.Engine
	Auth    auth.Authenticator
	WS      *dispatch.WSRegistry
	Limiter *ActorLimiter
	Logger  *slog.Logger
}

type Server struct {
	engine  *rides.Engine
	auth    auth.Authenticator
	ws      *dispatch.WSRegistry
	limiter *ActorLimiter
	logger  *slog.Logger
	now     func() time.Time
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		engine:  d.Engine,
		auth:    d.Auth,
		ws:      d.WS,
		limiter: d.Limiter,
		logger:  d.Logger,
		now:     time.Now,
		mux:     mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleSubmit).Methods("POST")
	api.HandleFunc("/rides", s.handleList).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/rides/{id}/updateStatus", s.handleUpdateStatus).Methods("PUT")
	if s.ws != nil {
		api.HandleFunc("/ws", s.handleWS).Methods("GET")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store not ready")
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var p models.Payload
	if !decodeBody(w, r, &p) {
		return
	}
	rec, err := s.engine.Submit(r.Context(), id.ActorID, id.Role, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	q := r.URL.Query()
	lt, ok := rides.ParseListType(q.Get("type"))
	if !ok {
		writeFailure(w, http.StatusBadRequest, "INVALID_LIST_TYPE", "type must be active or past")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeFailure(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out, err := s.engine.List(r.Context(), id.ActorID, id.Role, lt, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []models.RideRequest{}
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	rec, err := s.engine.Get(r.Context(), mux.Vars(r)["id"], id.ActorID, id.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

type updateStatusRequest struct {
	Status models.Status `json:"status"`
}

// handleUpdateStatus resubmits once when the conditional write loses a race; the
// engine re-reads the record, so the retry is validated against the new state.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var body updateStatusRequest
	if !decodeBody(w, r, &body) {
		return
	}
	rideID := mux.Vars(r)["id"]
	rec, err := s.engine.Transition(r.Context(), rideID, id.ActorID, id.Role, body.Status)
	if rides.IsKind(err, rides.KindRaceLost) {
		s.logger.Debug("retrying transition after lost race", "ride_id", rideID, "target", body.Status)
		rec, err = s.engine.Transition(r.Context(), rideID, id.ActorID, id.Role, body.Status)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS keeps the session registered until the client goes away. Inbound frames
// are read and discarded so pings, pongs and close frames are processed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "actor_id", id.ActorID)
		return
	}
	// server read/write timeouts carry over to the hijacked connection; writes get a
	// per-event deadline in WSSession.Send
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	session := s.ws.Add(id.ActorID, id.Role, conn)
	defer s.ws.Remove(session)
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func mustIdentity(r *http.Request) auth.Identity {
	id, _ := identityFromContext(r.Context())
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, string(rides.KindInvalidPayload), "Request body is not valid JSON")
		return false
	}
	return true
}

type successBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type failureBody struct {
	Success bool     `json:"success"`
	Code    string   `json:"code"`
	Errors  []string `json:"errors"`
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successBody{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, failureBody{Success: false, Code: code, Errors: []string{msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an engine failure. Causes are logged, never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := rides.AsError(err)
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("request cancelled by client", "request_id", requestIDFromContext(r.Context()))
	} else if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", appErr.Kind, "error", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeFailure(w, appErr.Status, string(appErr.Kind), appErr.Message)
}
