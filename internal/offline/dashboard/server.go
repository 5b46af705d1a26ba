// Package dashboard serves live sync status over WebSocket and a local control
// endpoint the app shell uses to signal trigger events.
//
// Clients connected to /ws receive the current status on connect and every
// change after that. POST /trigger/{event} forwards foreground, background,
// manual refresh and logout events to the trigger runner.
package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/trigger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries a StatusData snapshot.
	MessageTypeStatus MessageType = "status"

	// MessageTypeDecision carries a trigger decision.
	MessageTypeDecision MessageType = "decision"

	// MessageTypeRejection is sent for each mutation the server refused.
	MessageTypeRejection MessageType = "rejection"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType         `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
}

// Signaler receives trigger events posted to the control endpoint.
type Signaler interface {
	Signal(ev trigger.Event) error
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	signalerMu sync.RWMutex
	signaler   Signaler

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// welcome builds the first message a new client receives.
	welcomeMu sync.RWMutex
	welcome   func() (Message, bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logger.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1). The control endpoint is
	// unauthenticated, keep it on loopback.
	Host string

	// Port to listen on; 0 picks a free port.
	Port int

	// Signaler receives POST /trigger/{event}. Nil disables the endpoint.
	Signaler Signaler

	Logger *logger.Logger
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config Config) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		signaler:  config.Signaler,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.OrNop(config.Logger).Named("dashboard"),
	}
}

// Handler returns the server's routes, for mounting or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /trigger/{event}", s.handleTrigger)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return ierr.WithError(err).
			WithHintf("Dashboard could not listen on %s, is another daemon running?", s.addr).
			Mark(ierr.ErrInvalidOperation)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Infow("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("dashboard server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return ierr.WithError(err).WithMessage("dashboard shutdown").Error()
		}
	}
	s.wg.Wait()
	s.log.Infow("dashboard stopped")
	return nil
}

// SetSignaler sets the receiver of POST /trigger/{event}.
func (s *Server) SetSignaler(sig Signaler) {
	s.signalerMu.Lock()
	s.signaler = sig
	s.signalerMu.Unlock()
}

func (s *Server) setWelcome(fn func() (Message, bool)) {
	s.welcomeMu.Lock()
	s.welcome = fn
	s.welcomeMu.Unlock()
}

func (s *Server) welcomeMessage() (Message, bool) {
	s.welcomeMu.RLock()
	fn := s.welcome
	s.welcomeMu.RUnlock()
	if fn == nil {
		return Message{}, false
	}
	return fn()
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warnw("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warnw("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.log.Debugw("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	// The welcome goes out before the client is registered so it is always
	// the first frame.
	if msg, ok := s.welcomeMessage(); ok {
		if data, err := json.Marshal(msg); err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debugw("client connected", "clients", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debugw("client disconnected", "clients", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.welcomeMessage()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status not available yet"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(msg.Data)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.signalerMu.RLock()
	sig := s.signaler
	s.signalerMu.RUnlock()
	if sig == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trigger endpoint disabled"})
		return
	}
	ev := trigger.Event(r.PathValue("event"))
	if err := sig.Signal(ev); err != nil {
		status := http.StatusInternalServerError
		if ierr.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.log.Debugw("trigger event received", "event", ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"event": string(ev)})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tally Sync</title>
</head>
<body>
    <h1>Tally sync daemon</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a>, health: <a href="/health">/health</a></p>
    <p>Signal events with <code>POST /trigger/{foreground|background|manual|logout|login}</code>.</p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
