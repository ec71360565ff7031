// Package monitor serves the Link Monitor feed: a websocket endpoint
// that pushes a linkstate.MonitorSnapshot to every connected client
// whenever the Link Controller's state changes, so a host-side dashboard
// can watch a node join/send/retry live. Push-only; clients cannot
// mutate link state.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x2e/lora-link/internal/linkstate"
)

// Config tunes the monitor HTTP server.
type Config struct {
	ListenAddr   string
	WriteTimeout time.Duration
	ClientBuffer int // per-client pending-snapshot buffer before oldest-drop
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8088",
		WriteTimeout: 5 * time.Second,
		ClientBuffer: 8,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan linkstate.MonitorSnapshot
}

// Server broadcasts MonitorSnapshot values pushed via Publish to every
// currently connected websocket client.
type Server struct {
	config Config
	srv    *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *linkstate.MonitorSnapshot
}

// New creates a monitor server bound to config. Call Start to begin
// listening.
func New(config Config) *Server {
	s := &Server{
		config:  config,
		clients: make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.srv = &http.Server{Addr: config.ListenAddr, Handler: mux}
	return s
}

// Start begins serving in the background. Errors other than a clean
// Stop-triggered shutdown are logged; a background transport goroutine
// never crashes the process.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor: server exited: %v", err)
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan linkstate.MonitorSnapshot, s.config.ClientBuffer)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	last := s.last
	s.mu.Unlock()

	if last != nil {
		select {
		case c.send <- *last:
		default:
		}
	}

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for snap := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := c.conn.WriteJSON(snap); err != nil {
			s.removeClient(c)
			return
		}
	}
}

// readPump only exists to notice the peer closing the connection;
// the Link Monitor feed is push-only and never interprets inbound frames.
func (s *Server) readPump(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.removeClient(c)
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Publish broadcasts snap to every connected client, dropping the oldest
// pending snapshot for any client whose buffer is full rather than
// blocking the Link Controller goroutine that called Publish.
func (s *Server) Publish(snap linkstate.MonitorSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &snap

	for c := range s.clients {
		select {
		case c.send <- snap:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- snap:
			default:
			}
		}
	}
}

// MarshalSnapshot encodes snap as the same JSON shape the monitor feed
// sends, for a caller that wants to log a snapshot in that form.
func MarshalSnapshot(snap linkstate.MonitorSnapshot) (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("monitor: marshal snapshot: %w", err)
	}
	return string(b), nil
}
