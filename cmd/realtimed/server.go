package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/realtime"
	"github.com/teamtrek/realtime/pkg/transport"
)

// apiServer exposes the manager over HTTP for the app backend. Connection
// registration, channel subscription, and event publishing all go through
// here; sockets themselves live on the transport, not on this server.
type apiServer struct {
	mgr *realtime.Manager
	tc  transport.Client
	log zerolog.Logger
}

func newAPIServer(mgr *realtime.Manager, tc transport.Client, log zerolog.Logger) *apiServer {
	return &apiServer{mgr: mgr, tc: tc, log: log}
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/connections", s.handleRegisterConnection)
	mux.HandleFunc("GET /v1/connections/{id}", s.handleGetConnection)
	mux.HandleFunc("DELETE /v1/connections/{id}", s.handleRemoveConnection)
	mux.HandleFunc("POST /v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /v1/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("POST /v1/events", s.handleSendEvent)
	mux.HandleFunc("POST /v1/events/batch", s.handleSendEventBatch)
	mux.HandleFunc("GET /v1/channels/{channel}/subscribers", s.handleChannelSubscribers)
	mux.HandleFunc("GET /v1/users/{id}/connections", s.handleUserConnections)
	mux.HandleFunc("GET /v1/teams/{id}/connections", s.handleTeamConnections)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/stats", s.handleStats)
	mux.HandleFunc("GET /debug/channel", s.handleChannelInfo)
}

type registerConnectionRequest struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	TeamID   string `json:"teamId"`
}

type subscriptionRequest struct {
	ConnectionID string `json:"connectionId"`
	Channel      string `json:"channel"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *apiServer) handleRegisterConnection(w http.ResponseWriter, r *http.Request) {
	var req registerConnectionRequest
	if !s.decode(w, r, &req) {
		return
	}

	conn, err := s.mgr.RegisterConnection(r.Context(), req.SocketID, req.UserID, req.TeamID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conn.View())
}

func (s *apiServer) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.mgr.GetConnection(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conn.View())
}

func (s *apiServer) handleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	s.mgr.RemoveConnection(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	sub, err := s.mgr.SubscribeToChannel(req.ConnectionID, req.Channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *apiServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mgr.UnsubscribeFromChannel(req.ConnectionID, req.Channel)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var ev realtime.Event
	if !s.decode(w, r, &ev) {
		return
	}

	result, err := s.mgr.SendEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *apiServer) handleSendEventBatch(w http.ResponseWriter, r *http.Request) {
	var events []realtime.Event
	if !s.decode(w, r, &events) {
		return
	}

	results, err := s.mgr.SendEventBatch(r.Context(), events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *apiServer) handleChannelSubscribers(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if err := realtime.ValidateChannelName(channel); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := s.mgr.GetChannelSubscriptions(channel)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"channel":       channel,
		"connectionIds": ids,
		"count":         len(ids),
	})
}

func (s *apiServer) handleUserConnections(w http.ResponseWriter, r *http.Request) {
	s.writeConnectionList(w, s.mgr.GetUserConnections(r.PathValue("id")))
}

func (s *apiServer) handleTeamConnections(w http.ResponseWriter, r *http.Request) {
	s.writeConnectionList(w, s.mgr.GetTeamConnections(r.PathValue("id")))
}

func (s *apiServer) writeConnectionList(w http.ResponseWriter, conns []*realtime.Connection) {
	views := make([]realtime.ConnectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, conn.View())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": views,
		"count":       len(views),
	})
}

// handleHealthz returns 200 for healthy/degraded and 503 for unhealthy, so
// load balancers only pull a node that has actually tipped over.
func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.GetHealthStatus()
	status := http.StatusOK
	if snap.Status == realtime.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, snap)
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.Stats())
}

// handleChannelInfo asks the transport for its view of a channel, which can
// disagree with the local registry (the transport counts sockets, the
// registry counts logical subscriptions).
func (s *apiServer) handleChannelInfo(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := realtime.ValidateChannelName(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	info, err := s.tc.ChannelInfo(r.Context(), name)
	if err != nil {
		status := http.StatusBadGateway
		code := realtime.CodeTransportUnavailable
		if errors.Is(err, transport.ErrRejected) {
			status = http.StatusBadRequest
			code = realtime.CodeInvalidArgument
		}
		s.writeJSON(w, status, errorResponse{Error: errorBody{
			Code:    string(code),
			Message: err.Error(),
		}})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code:    string(realtime.CodeInvalidArgument),
			Message: "invalid request body: " + err.Error(),
		}})
		return false
	}
	return true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rerr *realtime.Error
	if !errors.As(err, &rerr) {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
			Code:    "INTERNAL",
			Message: "internal error",
		}})
		return
	}
	s.writeJSON(w, statusForCode(rerr.Code), errorResponse{Error: errorBody{
		Code:    string(rerr.Code),
		Message: rerr.Message,
	}})
}

func statusForCode(code realtime.Code) int {
	switch code {
	case realtime.CodePoolExhausted:
		return http.StatusServiceUnavailable
	case realtime.CodeAuthRequired:
		return http.StatusForbidden
	case realtime.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case realtime.CodeNotFound:
		return http.StatusNotFound
	case realtime.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case realtime.CodeTransportUnavailable:
		return http.StatusBadGateway
	case realtime.CodeInvalidChannel, realtime.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestID tags each request so log lines from one call can be correlated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one line per request at debug level. /metrics and
// /healthz are scraped constantly and would drown everything else out.
func accessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", w.Header().Get("X-Request-Id")).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying writer so WebSocket upgrades
// still work behind the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
