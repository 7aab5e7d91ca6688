// Package dashboard serves a live view of the store over HTTP.
//
// Store events (persistence outcomes, recovery, imports, backup folder
// changes) are broadcast to WebSocket clients on /ws. /status returns the
// store summary and /health the server's own state.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// MessageType tells clients how to decode Message.Data.
type MessageType string

const (
	// MessageTypeStatus carries the store summary. Sent on connect.
	MessageTypeStatus MessageType = "status"

	// MessageTypeEvent carries one store event.
	MessageTypeEvent MessageType = "event"
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc produces the document served on /status and sent to new
// clients. It must be safe for concurrent use.
type StatusFunc func(ctx context.Context) any

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr   string
	status StatusFunc
	log    logrus.FieldLogger

	ln   net.Listener
	http *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	queue  chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures NewServer.
type Config struct {
	// Host to bind. Empty means 127.0.0.1; the dashboard exposes local data
	// and is not meant to be reachable from other machines.
	Host string

	// Port to listen on. 0 picks a free port.
	Port int

	// Status feeds /status. Nil serves an empty object.
	Status StatusFunc

	Logger logrus.FieldLogger
}

// DefaultConfig binds the loopback interface on port 8765.
func DefaultConfig() *Config {
	return &Config{Host: "127.0.0.1", Port: 8765}
}

// NewServer returns a server for cfg. Nothing listens until Start.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "dashboard")
	}
	status := cfg.Status
	if status == nil {
		status = func(context.Context) any { return struct{}{} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		status:  status,
		log:     logger,
		clients: make(map[*websocket.Conn]struct{}),
		queue:   make(chan Message, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/status", s.serveStatus)
	mux.HandleFunc("/", s.serveIndex)
	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.log.WithField("addr", ln.Addr().String()).Info("dashboard listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("dashboard server failed")
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	conns := s.clients
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", err)
	}
	s.wg.Wait()
	s.log.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every client. It never blocks; when the queue is
// full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn("dashboard queue full, dropping message")
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.queue:
		}

		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		frame, err := json.Marshal(msg)
		if err != nil {
			s.log.WithError(err).Warn("failed to encode dashboard message")
			continue
		}
		// Sent outside the lock so one slow client cannot hold up
		// connects and disconnects.
		for _, conn := range s.snapshotClients() {
			if err := s.send(conn, frame); err != nil {
				s.log.WithError(err).Debug("dropping unresponsive client")
				s.drop(conn)
			}
		}
	}
}

func (s *Server) snapshotClients() []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) send(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.WithField("clients", n).Debug("client connected")

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	frame, err := s.statusFrame(ctx)
	if err == nil {
		err = conn.Write(ctx, websocket.MessageText, frame)
	}
	cancel()
	if err != nil {
		s.log.WithError(err).Debug("failed to send status to new client")
	}

	go s.drain(conn)
}

func (s *Server) statusFrame(ctx context.Context) ([]byte, error) {
	body, err := json.Marshal(s.status(ctx))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now().UTC(), Data: body})
}

// drain reads until the client goes away; clients have nothing to say.
func (s *Server) drain(conn *websocket.Conn) {
	defer s.drop(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.WithField("clients", n).Debug("client disconnected")
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status(r.Context()))
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Pulse</title></head>
<body>
  <h1>Pulse</h1>
  <ul>
    <li>Live events: <code>ws://%[1]s/ws</code></li>
    <li>Store status: <a href="/status">/status</a></li>
    <li>Health: <a href="/health">/health</a></li>
  </ul>
</body>
</html>`

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexPage, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
