package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/basketmesh/basketmesh/internal/cache"
	"github.com/basketmesh/basketmesh/internal/logging/audit"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/internal/tracing"
	"github.com/basketmesh/basketmesh/pkg/basket"
	"github.com/basketmesh/basketmesh/pkg/proto"
)

const (
	eventPingInterval = 30 * time.Second
	eventReadTimeout  = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Access is controlled by the bearer token
	},
}

// ErrorResponse is the JSON body of a failed admin request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusView is the body of GET /api/v1/status.
type StatusView struct {
	Gateway  string            `json:"gateway"`
	Instance string            `json:"instance"`
	Entries  int               `json:"entries"`
	Capacity uint64            `json:"capacity"`
	Active   int               `json:"active_peers"`
	Stats    map[string]uint64 `json:"stats"`
}

// PeerView is one element of GET /api/v1/peers.
type PeerView struct {
	cache.PeerState
	State string `json:"state"`
	Fresh bool   `json:"fresh"`
}

// AdminConfig configures an AdminServer.
type AdminConfig struct {
	Listen   string
	Token    string // Bearer token, empty disables auth
	Gateway  string
	Instance string
	// Tracer backs GET /debug/trace. Nil leaves the route unregistered.
	Tracer *tracing.Recorder
}

// AdminServer serves health, metrics and the cache admin API over HTTP.
type AdminServer struct {
	cfg    AdminConfig
	repo   *Repository
	hub    *eventHub
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewAdminServer creates an admin server and subscribes it to cache events.
func NewAdminServer(cfg AdminConfig, repo *Repository, m *metrics.GatewayMetrics) (*AdminServer, error) {
	hub, err := newEventHub(repo.Cache(), m)
	if err != nil {
		return nil, fmt.Errorf("subscribe to cache events: %w", err)
	}

	s := &AdminServer{
		cfg:  cfg,
		repo: repo,
		hub:  hub,
		mux:  http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /api/v1/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /api/v1/peers", s.withAuth(s.handlePeers))
	s.mux.HandleFunc("GET /api/v1/baskets/{key}", s.withAuth(s.handleBasket))
	s.mux.HandleFunc("GET /api/v1/dump", s.withAuth(s.handleDump))
	s.mux.HandleFunc("GET /api/v1/export", s.withAuth(s.handleExport))
	s.mux.HandleFunc("POST /api/v1/purge", s.withAuth(s.handlePurge))
	s.mux.HandleFunc("GET /api/v1/events", s.withAuth(s.handleEvents))
	if cfg.Tracer != nil {
		s.mux.HandleFunc("GET /debug/trace", s.withAuth(s.handleTrace))
	}
	return s, nil
}

func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds the admin socket.
func (s *AdminServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen admin: %w", err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// Addr returns the bound admin address.
func (s *AdminServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *AdminServer) Serve(ctx context.Context) error {
	if s.server == nil {
		return errors.New("admin server is not listening")
	}
	log.Info().Str("addr", s.ln.Addr().String()).Bool("auth", s.cfg.Token != "").Msg("admin server started")

	stop := context.AfterFunc(ctx, func() {
		// Event streams are hijacked connections; close them via the hub.
		s.hub.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Close detaches the server from the cache. Serve does this on shutdown.
func (s *AdminServer) Close() {
	s.hub.close()
}

func (s *AdminServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		deny := func(message string) {
			s.repo.audit.LogAuth(r.URL.Path, audit.Denied, message, hostOf(r.RemoteAddr))
			jsonError(w, message, http.StatusUnauthorized)
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			deny("missing authorization header")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			deny("invalid authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Token)) != 1 {
			deny("invalid token")
			return
		}

		next(w, r)
	}
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	c := s.repo.Cache()
	s.repo.countRequest(TransportAdmin, proto.OpStatus)
	writeJSON(w, StatusView{
		Gateway:  s.cfg.Gateway,
		Instance: s.cfg.Instance,
		Entries:  c.Len(),
		Capacity: c.Capacity(),
		Active:   c.ActivePeerCount(),
		Stats:    c.Status(),
	})
}

func (s *AdminServer) handlePeers(w http.ResponseWriter, _ *http.Request) {
	c := s.repo.Cache()
	states := c.PeerStates()
	out := make([]PeerView, 0, len(states))
	for _, p := range states {
		out = append(out, PeerView{PeerState: p, State: p.Status.String(), Fresh: c.Fresh(p.ID)})
	}
	writeJSON(w, out)
}

func (s *AdminServer) handleBasket(w http.ResponseWriter, r *http.Request) {
	k, err := basket.Parse(r.PathValue("key"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.repo.countRequest(TransportAdmin, proto.OpGet)
	res := s.repo.Locate(k)
	if len(res.Paths) == 0 {
		jsonError(w, fmt.Sprintf("basket %s has no readable replica", k), http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (s *AdminServer) handleDump(w http.ResponseWriter, r *http.Request) {
	s.repo.countRequest(TransportAdmin, proto.OpDump)
	peers := r.URL.Query()["peer"]
	s.repo.audit.LogExport(TransportAdmin, "text", hostOf(r.RemoteAddr), peers)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.repo.Dump(w, peers...); err != nil {
		log.Error().Err(err).Msg("dump failed")
	}
}

func (s *AdminServer) handleExport(w http.ResponseWriter, r *http.Request) {
	peers := r.URL.Query()["peer"]
	s.repo.audit.LogExport(TransportAdmin, "zstd", hostOf(r.RemoteAddr), peers)
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", "attachment; filename=baskets.zst")
	if err := s.repo.Export(w, peers...); err != nil {
		log.Error().Err(err).Msg("export failed")
	}
}

func (s *AdminServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req proto.PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Peers) == 0 {
		jsonError(w, "peers is required", http.StatusBadRequest)
		return
	}
	s.repo.countRequest(TransportAdmin, proto.OpPurge)
	res, err := s.repo.Purge(req.Peers...)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.repo.audit.LogPurge(TransportAdmin, hostOf(r.RemoteAddr), res.Purged)
	writeJSON(w, res)
}

// handleTrace streams a snapshot of the runtime flight recorder.
func (s *AdminServer) handleTrace(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=basketgw.trace")
	if err := s.cfg.Tracer.Snapshot(w); err != nil {
		if errors.Is(err, tracing.ErrNotRunning) {
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.Error().Err(err).Msg("trace snapshot failed")
	}
}

func (s *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("event stream websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	client := &eventClient{events: make(chan []byte, 16)}
	s.hub.register(client)
	defer s.hub.unregister(client)

	hello, _ := json.Marshal(Event{Type: "connected", At: time.Now().UTC()})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	// The stream is one way; reading only services control frames and
	// notices the client going away.
	closed := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
	})
	go func() {
		defer close(closed)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(eventReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case data, ok := <-client.events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				log.Debug().Err(err).Msg("event stream ping failed")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
