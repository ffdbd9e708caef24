// Package gateway is the WebSocket boundary: authenticated clients send
// user messages in and receive progress events and broadcasts out.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/keeper/internal/bus"
	"github.com/nextlevelbuilder/keeper/internal/config"
)

// MessageHandler processes one inbound user message and returns the
// final response text.
type MessageHandler func(ctx context.Context, msg bus.InboundMessage, onProgress bus.ProgressFunc) (string, error)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type      string          `json:"type"` // message, response, progress, event, error
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Server accepts WebSocket clients and bridges them to the agent.
type Server struct {
	cfg     config.GatewayConfig
	events  bus.EventPublisher
	handler MessageHandler

	upgrader websocket.Upgrader
	http     *http.Server

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id      string
	conn    *websocket.Conn
	out     chan Frame
	limiter *rate.Limiter
	done    chan struct{}
}

func NewServer(cfg config.GatewayConfig, events bus.EventPublisher, handler MessageHandler) *Server {
	return &Server{
		cfg:     cfg,
		events:  events,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-first deployment: the token is the access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start listens and serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.http = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if s.events != nil {
		s.events.Subscribe("gateway", s.broadcast)
	}

	go func() {
		<-ctx.Done()
		if s.events != nil {
			s.events.Unsubscribe("gateway")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// authorized checks the shared token. An empty configured token allows
// all connections (local standalone mode).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "error", err)
		return
	}

	rpm := s.cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 20
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		out:     make(chan Frame, 64),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Debug("gateway: client connected", "client", c.id)

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.done)
	conn.Close()
	slog.Debug("gateway: client disconnected", "client", c.id)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	maxChars := s.cfg.MaxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	c.conn.SetReadLimit(int64(maxChars * 4))

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message" {
			continue
		}
		if frame.UserID == "" || frame.Content == "" {
			c.send(Frame{Type: "error", ID: frame.ID, Error: "user_id and content are required"})
			continue
		}
		if len(frame.Content) > maxChars {
			c.send(Frame{Type: "error", ID: frame.ID, Error: "message too long"})
			continue
		}
		if !c.limiter.Allow() {
			c.send(Frame{Type: "error", ID: frame.ID, Error: "rate limit exceeded, slow down"})
			continue
		}
		go s.process(ctx, c, frame)
	}
}

func (s *Server) process(ctx context.Context, c *client, frame Frame) {
	channel := frame.Channel
	if channel == "" {
		channel = "ws"
	}
	msg := bus.InboundMessage{
		Channel: channel,
		UserID:  frame.UserID,
		ChatID:  frame.UserID,
		Content: frame.Content,
	}
	onProgress := func(u bus.ProgressUpdate) {
		payload, err := json.Marshal(u)
		if err != nil {
			return
		}
		c.send(Frame{Type: "progress", ID: frame.ID, Payload: payload, Timestamp: time.Now().UTC()})
	}

	response, err := s.handler(ctx, msg, onProgress)
	if err != nil {
		c.send(Frame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	c.send(Frame{Type: "response", ID: frame.ID, Content: response, Timestamp: time.Now().UTC()})
}

// send queues a frame, dropping it when the client cannot keep up.
func (c *client) send(f Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
		slog.Warn("gateway: client send buffer full, dropping frame", "client", c.id, "type", f.Type)
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

// broadcast fans a bus event out to every connected client.
func (s *Server) broadcast(event bus.Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return
	}
	frame := Frame{Type: "event", Event: event.Name, Payload: payload, Timestamp: time.Now().UTC()}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(frame)
	}
}
