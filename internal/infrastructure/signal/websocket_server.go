package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"navideo/internal/core/domain"
	"navideo/internal/core/services"
	"navideo/pkg/config"
	"navideo/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error codes sent to the caller in error events.
const (
	CodeAlreadyInRoom    = "already-in-room"
	CodeNotInRoom        = "not-in-room"
	CodeConnectionClosed = "connection-closed"
	CodeInvalidMessage   = "invalid-message"
	CodeUnknownEvent     = "unknown-event"
	CodeRateLimited      = "rate-limited"
	CodeInternal         = "internal"
)

// Options tune one WebSocketServer.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConcurrent     int
	AllowedOrigins    []string
}

// OptionsFromConfig maps the signal and rate limiting sections to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
		opts.MaxConcurrent = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return opts
}

type connection struct {
	id        domain.ConnID
	ws        *websocket.Conn
	send      chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketServer terminates signaling connections. Every connection gets a
// server-assigned id, a buffered send queue drained by one writer goroutine,
// and a session in the RoomService.
type WebSocketServer struct {
	rooms    *services.RoomService
	opts     Options
	upgrader websocket.Upgrader
	slots    chan struct{}

	connections map[domain.ConnID]*connection
	closing     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup

	logger *zap.SugaredLogger
}

func NewWebSocketServer(opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}

	s := &WebSocketServer{
		opts:        opts,
		connections: make(map[domain.ConnID]*connection),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if opts.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

// SetRoomService binds the lifecycle manager. Call before serving traffic.
func (s *WebSocketServer) SetRoomService(rooms *services.RoomService) {
	s.rooms = rooms
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		id:   domain.ConnID(uuid.NewString()),
		ws:   ws,
		send: make(chan domain.Envelope, s.opts.SendQueueSize),
		done: make(chan struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), max(s.opts.Burst, 1))
	}

	// registration and wg.Add happen under the same lock Shutdown takes
	// before it waits
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"),
			time.Now().Add(s.opts.WriteTimeout))
		ws.Close()
		return
	}
	s.connections[conn.id] = conn
	s.wg.Add(1)
	s.mu.Unlock()
	s.rooms.Connect(conn.id)

	s.logger.Infow("connection opened", "conn_id", conn.id, "remote_addr", r.RemoteAddr)

	go func() {
		defer s.wg.Done()
		s.writePump(conn)
	}()

	s.readPump(r.Context(), conn)

	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()
	conn.close()

	s.rooms.Disconnect(context.Background(), conn.id)
	s.logger.Infow("connection closed", "conn_id", conn.id)
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *connection) {
	if s.opts.MaxMessageSize > 0 {
		conn.ws.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("connection read failed", "conn_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if conn.limiter != nil && !conn.limiter.Allow() {
			s.sendError(conn, CodeRateLimited, "too many messages")
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			s.sendError(conn, CodeInvalidMessage, "message must be a {type, payload} object")
			continue
		}
		s.dispatch(ctx, conn, env)
	}
}

func (s *WebSocketServer) writePump(conn *connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case env := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteJSON(env); err != nil {
				s.logger.Debugw("write failed", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}

		case <-conn.done:
			// flush what is already queued, then say goodbye
			for {
				select {
				case env := <-conn.send:
					conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if conn.ws.WriteJSON(env) != nil {
						return
					}
				default:
					conn.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(s.opts.WriteTimeout))
					return
				}
			}
		}
	}
}

func (s *WebSocketServer) dispatch(ctx context.Context, conn *connection, env domain.Envelope) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, string(env.Type), string(conn.id))
	defer span.End()

	var err error
	switch env.Type {
	case domain.EventJoinMeeting:
		var p domain.JoinMeetingPayload
		if err = env.Decode(&p); err == nil {
			span.SetAttributes(tracing.RoomIDKey.String(string(p.Room)))
			err = s.rooms.Join(ctx, conn.id, p)
		}

	case domain.EventLeaveMeeting:
		var p domain.LeaveMeetingPayload
		if err = env.Decode(&p); err == nil {
			err = s.rooms.Leave(ctx, conn.id, p.Room)
		}

	case domain.EventSendMessage:
		var p domain.SendMessagePayload
		if err = env.Decode(&p); err == nil {
			err = s.rooms.SendMessage(ctx, conn.id, p)
		}

	case domain.EventSignal:
		var p domain.SignalPayload
		if err = env.Decode(&p); err == nil {
			span.SetAttributes(tracing.RemoteIDKey.String(string(p.To)))
			s.rooms.Signal(ctx, conn.id, p)
		}

	default:
		s.sendError(conn, CodeUnknownEvent, "unknown event "+string(env.Type))
		return
	}

	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrRoomRequired) || errors.Is(err, domain.ErrEmptyMessage) {
		s.logger.Debugw("request ignored", "conn_id", conn.id, "event", env.Type, "error", err)
		return
	}
	tracing.RecordError(ctx, err)
	s.logger.Infow("request rejected", "conn_id", conn.id, "event", env.Type, "error", err)
	s.sendError(conn, errorCode(err), err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyInRoom):
		return CodeAlreadyInRoom
	case errors.Is(err, domain.ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, domain.ErrConnectionClosed), errors.Is(err, domain.ErrConnectionNotFound):
		return CodeConnectionClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || strings.Contains(err.Error(), "empty payload") {
		return CodeInvalidMessage
	}
	return CodeInternal
}

func (s *WebSocketServer) sendError(conn *connection, code, message string) {
	env, err := domain.NewEnvelope(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.enqueue(conn, env)
}

// Deliver queues env for a connection held by this server. A connection whose
// queue is full is closed; it reports false like an unknown one.
func (s *WebSocketServer) Deliver(id domain.ConnID, env domain.Envelope) bool {
	s.mu.RLock()
	conn, ok := s.connections[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(conn, env)
}

func (s *WebSocketServer) enqueue(conn *connection, env domain.Envelope) bool {
	select {
	case <-conn.done:
		return false
	default:
	}
	select {
	case conn.send <- env:
		return true
	default:
		s.logger.Warnw("send queue full, closing slow connection", "conn_id", conn.id)
		conn.close()
		return false
	}
}

// ConnectionCount returns the number of live connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsConnected(id domain.ConnID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

// Shutdown stops accepting connections, closes every open one and waits for
// the writers to finish or ctx to end. Readers then fail and run the normal
// disconnect path.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, conn := range s.connections {
		conn.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
