package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/call-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/revocation"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/session"
	"github.com/wilsonzlin/aero/proxy/call-signal/internal/turnrest"
)

const (
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultMaxMessageBytes      = int64(64 * 1024)
	defaultMaxMessagesPerSecond = 50
	defaultSendQueue            = 64
	defaultRevocationTimeout    = 2 * time.Second
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry is shared by every connection. If nil, a fresh one is created.
	Registry *session.Registry

	// Issuer mints TURN credentials. A disabled or nil issuer means clients
	// receive STUN entries only.
	Issuer *turnrest.Issuer

	// Revocation receives the credentials of departing occupants. If nil,
	// revocation.Noop is used.
	Revocation        revocation.Store
	RevocationTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Origins origin.Policy

	// ICEServers are the credential-free entries sent to every client.
	ICEServers  []webrtc.ICEServer
	TURNURLs    []string
	RelayPolicy webrtc.ICETransportPolicy

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueue            int
}

// Server implements GET /ws.
type Server struct {
	registry   *session.Registry
	issuer     *turnrest.Issuer
	revocation revocation.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	iceServers  []webrtc.ICEServer
	turnURLs    []string
	relayPolicy webrtc.ICETransportPolicy

	revocationTimeout    time.Duration
	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendQueue            int

	mu       sync.Mutex
	conns    map[*conn]struct{}
	closed   bool
	connWG   sync.WaitGroup
	revokeWG sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry(nil)
	}
	if cfg.Revocation == nil {
		cfg.Revocation = revocation.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RevocationTimeout <= 0 {
		cfg.RevocationTimeout = defaultRevocationTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}

	return &Server{
		registry:   cfg.Registry,
		issuer:     cfg.Issuer,
		revocation: cfg.Revocation,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.Origins.CheckRequest,
		},
		iceServers:           cfg.ICEServers,
		turnURLs:             cfg.TURNURLs,
		relayPolicy:          cfg.RelayPolicy,
		revocationTimeout:    cfg.RevocationTimeout,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendQueue:            cfg.SendQueue,
		conns:                make(map[*conn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Registry returns the session registry shared by all connections.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Close disconnects every live connection with 1001 (going away), waits for
// their teardown, then waits for pending revocations. New upgrades are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	s.connWG.Wait()
	s.revokeWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}

	c := s.newConn(ws)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.Inc(metrics.ConnectionOpened)
	c.logger.Info("signaling connection opened", "remote_addr", r.RemoteAddr)
	c.run()
}

func (s *Server) newConn(ws *websocket.Conn) *conn {
	id := uuid.NewString()
	c := &conn{
		srv:        s,
		ws:         ws,
		id:         id,
		logger:     s.logger.With("conn_id", id),
		limiter:    rate.NewLimiter(rate.Limit(s.maxMessagesPerSecond), s.maxMessagesPerSecond),
		out:        make(chan []byte, s.sendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.occupant = &session.Occupant{ID: id, Channel: c}
	return c
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.connWG.Done()
}

// iceServersFor builds the ICE configuration for one connection, issuing a
// TURN credential when relay URLs and a shared secret are both configured.
func (s *Server) iceServersFor(connID string) ([]webrtc.ICEServer, *turnrest.Credential, error) {
	servers := append([]webrtc.ICEServer(nil), s.iceServers...)
	if len(s.turnURLs) == 0 || !s.issuer.Enabled() {
		return servers, nil, nil
	}
	cred, err := s.issuer.Issue(connID)
	if err != nil {
		return nil, nil, err
	}
	return append(servers, turnServer(s.turnURLs, cred)), &cred, nil
}

// revoke hands the credentials freed by a removal to the revocation store
// without blocking the caller.
func (s *Server) revoke(removal session.Removal, logger *slog.Logger) {
	if removal.Credential == nil && len(removal.Residual) == 0 {
		return
	}
	if len(removal.Residual) > 0 {
		logger.Warn("destroyed session still tracked credentials", "count", len(removal.Residual))
	}

	s.revokeWG.Add(1)
	go func() {
		defer s.revokeWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.revocationTimeout)
		defer cancel()

		if cred := removal.Credential; cred != nil {
			s.revocation.Revoke(ctx, cred.Username, cred.ExpiryUnix)
		}
		if len(removal.Residual) > 0 {
			entries := make([]revocation.Entry, 0, len(removal.Residual))
			for _, cred := range removal.Residual {
				entries = append(entries, revocation.Entry{Username: cred.Username, ExpiryUnix: cred.ExpiryUnix})
			}
			s.revocation.RevokeBatch(ctx, entries)
		}
	}()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
