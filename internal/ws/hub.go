// Package ws is the relay engine. It upgrades HTTP requests to WebSocket
// connections, runs the registration handshake and forwards traffic between
// paired controllers and targets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/HsiangNianian/hidrelay/internal/auth"
	"github.com/HsiangNianian/hidrelay/internal/metrics"
	"github.com/HsiangNianian/hidrelay/internal/protocol"
	"github.com/HsiangNianian/hidrelay/internal/registry"
	"github.com/HsiangNianian/hidrelay/internal/session"
)

const (
	defaultHeartbeat        = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMaxMessageBytes  = 64 * 1024
	defaultQueueSize        = 256
)

type Options struct {
	// Auth enables authentication when non-nil.
	Auth auth.Authenticator

	MaxConnections int
	MaxSessions    int

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	QueueSize         int

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	Logger logrus.FieldLogger
	Now    func() time.Time
}

type Hub struct {
	opts     Options
	auth     auth.Authenticator
	registry *registry.Registry
	sessions *session.Manager
	log      logrus.FieldLogger

	upgrader websocket.Upgrader
	seq      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	active int
	conns  map[*conn]struct{}
	wg     sync.WaitGroup
}

// Stats is a point-in-time view of the relay.
type Stats struct {
	Targets     int `json:"targets"`
	Controllers int `json:"controllers"`
	Sessions    int `json:"sessions"`
}

func NewHub(opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = session.DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = session.DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	reg := registry.New()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:     opts,
		auth:     opts.Auth,
		registry: reg,
		sessions: session.NewManager(reg.ResolveTarget, session.Options{
			MaxSessions: opts.MaxSessions,
			Now:         opts.Now,
		}),
		log: opts.Logger.WithField("component", "relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		h.log.WithField("remote", r.RemoteAddr).Warn("connection refused: relay at capacity")
		metrics.HandshakeFailed("CAPACITY")
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.release()

	var claims *auth.Claims
	token := bearerToken(r)
	if h.auth != nil && token != "" {
		cl, err := h.auth.Validate(r.Context(), token)
		if err != nil {
			h.log.WithFields(logrus.Fields{"remote": r.RemoteAddr, "error": err}).Warn("bearer token rejected")
			metrics.HandshakeFailed(protocol.CodeAuthFailed)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = &cl
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}

	c := h.newConn(wsConn, r.RemoteAddr)
	if claims != nil {
		c.token = token
	}
	h.track(c)
	defer h.untrack(c)

	c.log.Debug("connected")
	c.serve(claims)
}

// Run sweeps idle sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.sessions.Run(ctx, h.opts.SweepInterval, h.opts.IdleTimeout, protocol.ReasonIdleTimeout, h.expired)
}

// Close ends every session, closes every connection and waits for their
// goroutines to exit. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, s := range h.sessions.List() {
		if ended, ok := h.sessions.EndSession(s.ID, protocol.ReasonServerShutdown); ok {
			h.notifyEnded(ended, ended.ControllerID, ended.TargetConnID)
		}
	}
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
	h.cancel()
	h.log.Info("relay closed")
}

func (h *Hub) Stats() Stats {
	return Stats{
		Targets:     h.registry.Count(registry.RoleTarget),
		Controllers: h.registry.Count(registry.RoleController),
		Sessions:    h.sessions.Len(),
	}
}

// Targets lists registered targets and whether each is driven by a controller.
func (h *Hub) Targets() []protocol.ClientInfo {
	recs := h.registry.Targets()
	out := make([]protocol.ClientInfo, 0, len(recs))
	for _, rec := range recs {
		_, paired := h.sessions.FindByTarget(rec.DeclaredID)
		out = append(out, protocol.ClientInfo{
			ClientID:           rec.DeclaredID,
			ClientName:         rec.DisplayName,
			ConnectedAt:        rec.ConnectedAt,
			CommanderConnected: paired,
		})
	}
	return out
}

// HandleTargets serves the target list as JSON. A bearer token is required
// when authentication is enabled.
func (h *Hub) HandleTargets(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if _, err := h.auth.Validate(r.Context(), bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	writeJSON(w, h.Targets())
}

// HandleHealth reports liveness with the current stats.
func (h *Hub) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Status string `json:"status"`
		Stats
	}{Status: "ok", Stats: h.Stats()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Hub) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.opts.MaxConnections > 0 && h.active >= h.opts.MaxConnections {
		return false
	}
	h.active++
	h.wg.Add(1)
	return true
}

func (h *Hub) release() {
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Hub) track(c *conn) {
	h.mu.Lock()
	closed := h.closed
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	if closed {
		c.close()
	}
}

func (h *Hub) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) nextConnID(remote string) string {
	return remote + "#" + strconv.FormatUint(h.seq.Add(1), 10)
}

func (h *Hub) expired(sessions []session.Session) {
	for _, s := range sessions {
		h.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"target_id":  s.TargetID,
			"idle":       s.LastActivity,
		}).Info("session expired")
		h.notifyEnded(s, s.ControllerID, s.TargetConnID)
	}
}

// notifyEnded records the end of s and sends session_ended to each listed
// connection that is still registered.
func (h *Hub) notifyEnded(s session.Session, connIDs ...string) {
	metrics.SessionEnded(s.EndReason)
	frame, err := protocol.Encode(protocol.SessionEnded(s.ID, s.EndReason))
	if err != nil {
		h.log.WithError(err).Error("encode session_ended")
		return
	}
	for _, id := range connIDs {
		h.deliver(id, frame)
	}
}

// deliver hands frame to connID's queue, bounded by the write timeout.
func (h *Hub) deliver(connID string, frame []byte) {
	rec, ok := h.registry.LookupConn(connID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.WriteTimeout)
	defer cancel()
	if err := rec.Peer.Enqueue(ctx, frame); err != nil {
		metrics.Dropped("peer_gone")
		h.log.WithFields(logrus.Fields{"conn_id": connID, "error": err}).Debug("delivery dropped")
	}
}

func (h *Hub) logEvent(log logrus.FieldLogger, prefix string, env protocol.Envelope) {
	log.WithFields(logrus.Fields{
		"kind":       env.Kind,
		"session_id": env.SessionID,
	}).Debug(prefix)
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
}

var errConnClosed = errors.New("ws: connection closed")
