// Package dashboard serves the sync engine to the UI layer.
//
// The server broadcasts engine events to connected WebSocket clients and
// exposes the engine's control operations as a small JSON API. When the
// blob backend is the local filesystem it also serves signed attachment
// URLs under /blobs/.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeHello is sent to every client on connect with the status
	// of each known pile.
	MessageTypeHello MessageType = "hello"

	// MessageTypeStatus carries a refreshed pile status.
	MessageTypeStatus MessageType = "status"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Pile      string          `json:"pile,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages WebSocket connections, broadcasts dashboard messages and
// routes control requests to the engine.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	engine Controller
	blobs  BlobSource

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int

	// Host to bind. Empty means localhost.
	Host string

	// Engine serves the /api routes.
	Engine Controller

	// Blobs serves /blobs/ when set.
	Blobs BlobSource

	// Logger for server activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: slog.Default(),
	}
}

// NewServer creates a new dashboard server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	host := config.Host
	if host == "" {
		host = "127.0.0.1"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(host, fmt.Sprint(config.Port)),
		engine:    config.Engine,
		blobs:     config.Blobs,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Routes returns the HTTP handler of the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	if s.engine != nil {
		r.Route("/api", func(r chi.Router) {
			r.Use(requirePile)
			r.Get("/status", s.handleStatus)
			r.Post("/sync", s.handleSync)
			r.Get("/conflicts", s.handleListConflicts)
			r.Get("/conflicts/{postID}", s.handleInspectConflict)
			r.Post("/conflicts/{postID}/resolve", s.handleResolveConflict)
			r.Post("/rescan", s.handleRescan)
			r.Get("/queue", s.handleListQueue)
			r.Delete("/queue", s.handleClearQueue)
		})
	}
	if s.blobs != nil {
		r.Get("/blobs/*", s.handleBlob)
	}
	return r
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
		// Sync requests can take longer than a status read.
		WriteTimeout: 2 * time.Minute,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients. A full broadcast
// buffer drops the message.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// broadcastLoop handles message broadcasting to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the read lock so a slow client does not
			// block registration.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("client connected", "clients", clientCount)

	hello := Message{Type: MessageTypeHello, Timestamp: time.Now().UTC()}
	if s.engine != nil {
		hello.Data = s.snapshot()
	}
	helloData, _ := json.Marshal(hello)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, helloData)
	cancel()

	go s.readLoop(conn)
}

// snapshot encodes the status of every pile the engine has opened.
func (s *Server) snapshot() json.RawMessage {
	statuses := []any{}
	for _, p := range s.engine.Piles() {
		st, err := s.engine.Status(p)
		if err != nil {
			s.logger.Warn("failed to read pile status", "pile", p, "error", err)
			continue
		}
		statuses = append(statuses, st)
	}
	data, _ := json.Marshal(statuses)
	return data
}

// readLoop keeps the WebSocket connection alive and notices disconnects.
// Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info("client disconnected", "clients", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// logRequests logs one debug record per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
