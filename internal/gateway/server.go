// Package gateway is the network front of the engine: the REST mux,
// the per-session chat WebSocket, and the roundtable/swarm WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ariaengine/aria/internal/bus"
	"github.com/ariaengine/aria/internal/coordination"
	"github.com/ariaengine/aria/internal/engine"
	"github.com/ariaengine/aria/internal/httpapi"
	"github.com/ariaengine/aria/internal/store"
)

const (
	// DefaultPingInterval is the keepalive cadence on chat sockets.
	DefaultPingInterval = 30 * time.Second

	writeWait = 10 * time.Second

	// closeAuthFailure is sent when the api_key query parameter is
	// missing or wrong.
	closeAuthFailure = 4401
)

// Options configures the gateway server.
type Options struct {
	Addr         string
	APIKey       string
	PingInterval time.Duration
	// RequestsPerSecond caps REST throughput process-wide. Zero
	// disables the limiter.
	RequestsPerSecond float64
}

// Server owns the HTTP listener and the WebSocket client set.
type Server struct {
	opts     Options
	engine   *engine.Engine
	coord    *coordination.Coordinator
	sessions store.SessionStore
	api      *httpapi.API
	events   bus.EventPublisher
	log      *slog.Logger

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(opts Options, eng *engine.Engine, coord *coordination.Coordinator, sessions store.SessionStore, api *httpapi.API, events bus.EventPublisher, log *slog.Logger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	s := &Server{
		opts:     opts,
		engine:   eng,
		coord:    coord,
		sessions: sessions,
		api:      api,
		events:   events,
		log:      log,
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Keys authenticate, origins do not.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)*2)
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/chat/{session_id}", s.handleChatWS)
	mux.HandleFunc("/ws/roundtable", s.handleRoundtableWS)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.api != nil {
		s.api.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins serving and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.BuildMux()
	if s.limiter != nil {
		handler = s.throttle(handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.opts.Addr,
		Handler: handler,
	}
	s.log.Info("gateway starting", "addr", s.opts.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// throttle applies the process-wide transport rate limit. WebSocket
// upgrades pass through; they carry their own per-session limits.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"detail":"too many requests"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// authorized checks the api_key query parameter. An empty configured
// key fails open.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.APIKey == "" {
		return true
	}
	return r.URL.Query().Get("api_key") == s.opts.APIKey
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.events != nil {
		s.events.Subscribe(c.id, func(ev bus.Event) {
			c.send(map[string]any{"type": "event", "name": ev.Name, "payload": ev.Payload})
		})
	}
	s.log.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	s.log.Info("client disconnected", "id", c.id)
}

func (s *Server) publish(name string, payload any) {
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// client is one WebSocket connection. Writes are serialized through mu;
// gorilla conns do not allow concurrent writers.
type client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	mu sync.Mutex
}

func newClient(conn *websocket.Conn, log *slog.Logger) *client {
	return &client{id: store.NewID().String(), conn: conn, log: log}
}

func (c *client) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("ws write failed", "client", c.id, "error", err)
	}
}

func (c *client) sendError(msg string) {
	c.send(map[string]string{"type": "error", "message": msg})
}

func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}
