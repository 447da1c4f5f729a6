package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"peerstream/internal/broker"
	"peerstream/internal/models"
	"peerstream/internal/observability/logging"
	"peerstream/internal/observability/metrics"
)

// Command types accepted on the push socket.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandStatus      = "status"
	CommandSearch      = "search"
	CommandStop        = "stop"
	CommandPing        = "ping"
)

// Reply types written directly to the requesting socket.
const (
	ReplySubscribed   = "subscribed"
	ReplyUnsubscribed = "unsubscribed"
	ReplyStopped      = "stopped"
	ReplyPong         = "pong"
	ReplyError        = "error"
	ReplyWelcome      = "welcome"
)

// Commands is the command surface a push session drives.
type Commands interface {
	Subscribe(clientID, channel string) error
	Unsubscribe(clientID, channel string)
	Status(ctx context.Context, clientID, requestID, contentID string) error
	Search(ctx context.Context, clientID, requestID, text string) (models.QueryAck, error)
	StopSearch(queryID string) error
	// ReleaseSearch stops a query nobody subscribes to any more.
	ReleaseSearch(queryID string) bool
}

// ClientRegistry attaches push sessions to the broker.
type ClientRegistry interface {
	Attach(clientID string, sink broker.Sink) error
	Detach(clientID string)
}

// Command is the inbound envelope.
type Command struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	ContentID string `json:"contentId,omitempty"`
	QueryID   string `json:"queryId,omitempty"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// channel resolves the channel a subscribe or unsubscribe command targets.
func (c Command) channel() string {
	for _, candidate := range []string{c.Channel, c.ContentID, c.QueryID} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// PushConfig configures a PushHandler.
type PushConfig struct {
	Clients  ClientRegistry
	Commands Commands
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// AllowedOrigins lists origins permitted to open a socket. Empty allows
	// same-host requests only; "*" allows any origin.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	// PingInterval must be shorter than PongTimeout.
	PingInterval time.Duration
	ReadLimit    int64
}

// PushHandler upgrades requests to WebSocket push sessions.
type PushHandler struct {
	clients      ClientRegistry
	commands     Commands
	logger       *slog.Logger
	metrics      *metrics.Recorder
	writeTimeout time.Duration
	pongTimeout  time.Duration
	pingInterval time.Duration
	readLimit    int64
	upgrader     websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// NewPushHandler applies defaults to cfg.
func NewPushHandler(cfg PushConfig) *PushHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &PushHandler{
		clients:      cfg.Clients,
		commands:     cfg.Commands,
		logger:       logging.WithComponent(logger, "api"),
		metrics:      cfg.Metrics,
		writeTimeout: cfg.WriteTimeout,
		pongTimeout:  cfg.PongTimeout,
		pingInterval: cfg.PingInterval,
		readLimit:    cfg.ReadLimit,
		sessions:     make(map[string]*session),
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 10 * time.Second
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = 60 * time.Second
	}
	if h.pingInterval <= 0 || h.pingInterval >= h.pongTimeout {
		h.pingInterval = h.pongTimeout * 9 / 10
	}
	if h.readLimit <= 0 {
		h.readLimit = 4096
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// ServeHTTP upgrades the connection and runs the session until the socket
// closes.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isDraining() {
		WriteError(w, http.StatusServiceUnavailable, errors.New("server shutting down"))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s := &session{
		id:      uuid.NewString(),
		handler: h,
		conn:    conn,
		done:    make(chan struct{}),
		queries: make(map[string]struct{}),
	}
	s.logger = h.logger.With("client_id", s.id)
	if !h.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}
	if err := h.clients.Attach(s.id, s); err != nil {
		h.untrack(s.id)
		s.logger.Warn("attach push client failed", "error", err)
		_ = conn.Close()
		return
	}
	s.logger.Info("push client connected", "remote_addr", r.RemoteAddr)
	ctx := logging.ContextWithClientID(context.Background(), s.id)
	s.reply(broker.Message{Type: ReplyWelcome, Data: map[string]string{"clientId": s.id}})

	go s.heartbeat()
	s.readLoop(ctx)
}

// Drain refuses new sessions and closes open ones with a going-away frame.
// Each closed session detaches from the broker and releases its queries.
func (h *PushHandler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain push sessions: %w", err)
		}
		s.goAway(ctx)
	}
	if len(open) > 0 {
		h.logger.Info("push sessions drained", "sessions", len(open))
	}
	return nil
}

// Sessions reports how many push sessions are open.
func (h *PushHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *PushHandler) isDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

func (h *PushHandler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s.id] = s
	return true
}

func (h *PushHandler) untrack(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

type session struct {
	id      string
	handler *PushHandler
	conn    *websocket.Conn
	logger  *slog.Logger

	writeMu sync.Mutex
	closed  bool
	once    sync.Once
	done    chan struct{}

	// queries created by this session, released on close.
	queriesMu sync.Mutex
	queries   map[string]struct{}
}

// Send implements broker.Sink.
func (s *session) Send(ctx context.Context, msg broker.Message) error {
	return s.write(ctx, msg)
}

func (s *session) write(ctx context.Context, msg broker.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return broker.ErrSinkClosed
	}
	deadline := time.Now().Add(s.handler.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.closed = true
		return errors.Join(broker.ErrSinkClosed, err)
	}
	return nil
}

func (s *session) reply(msg broker.Message) {
	if err := s.write(context.Background(), msg); err != nil {
		s.logger.Debug("push reply failed", "type", msg.Type, "error", err)
	}
}

func (s *session) replyError(requestID, channel string, err error) {
	s.reply(broker.Message{Type: ReplyError, Channel: channel, RequestID: requestID, Error: err.Error()})
}

func (s *session) heartbeat() {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.handler.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("push ping failed", "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.close()
	s.conn.SetReadLimit(s.handler.readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.handler.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.handler.pongTimeout))
	})
	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("push read failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.handler.pongTimeout))
		if messageType != websocket.TextMessage {
			s.replyError("", "", errors.New("text frames only"))
			continue
		}
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.replyError("", "", errors.New("invalid payload"))
			continue
		}
		s.handle(ctx, cmd)
	}
}

func (s *session) handle(ctx context.Context, cmd Command) {
	commands := s.handler.commands
	switch cmd.Type {
	case CommandSubscribe:
		channel := cmd.channel()
		if err := commands.Subscribe(s.id, channel); err != nil {
			s.replyError(cmd.RequestID, channel, err)
			return
		}
		s.reply(broker.Message{Type: ReplySubscribed, Channel: channel, RequestID: cmd.RequestID})
	case CommandUnsubscribe:
		channel := cmd.channel()
		commands.Unsubscribe(s.id, channel)
		s.reply(broker.Message{Type: ReplyUnsubscribed, Channel: channel, RequestID: cmd.RequestID})
	case CommandStatus:
		contentID := strings.TrimSpace(cmd.ContentID)
		if contentID == "" {
			contentID = strings.TrimSpace(cmd.Channel)
		}
		if err := commands.Status(ctx, s.id, cmd.RequestID, contentID); err != nil {
			s.replyError(cmd.RequestID, contentID, err)
		}
	case CommandSearch:
		ack, err := commands.Search(ctx, s.id, cmd.RequestID, cmd.Text)
		if err != nil {
			s.replyError(cmd.RequestID, "", err)
			return
		}
		s.queriesMu.Lock()
		s.queries[ack.QueryID] = struct{}{}
		s.queriesMu.Unlock()
	case CommandStop:
		queryID := strings.TrimSpace(cmd.QueryID)
		if queryID == "" {
			queryID = strings.TrimSpace(cmd.Channel)
		}
		if err := commands.StopSearch(queryID); err != nil {
			s.replyError(cmd.RequestID, queryID, err)
			return
		}
		s.queriesMu.Lock()
		delete(s.queries, queryID)
		s.queriesMu.Unlock()
		s.reply(broker.Message{Type: ReplyStopped, Channel: queryID, RequestID: cmd.RequestID})
	case CommandPing:
		s.reply(broker.Message{Type: ReplyPong, RequestID: cmd.RequestID})
	default:
		s.replyError(cmd.RequestID, "", errors.New("unknown command"))
	}
}

func (s *session) goAway(ctx context.Context) {
	deadline := time.Now().Add(s.handler.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	if !s.closed {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	}
	s.writeMu.Unlock()
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.handler.untrack(s.id)
		s.handler.clients.Detach(s.id)
		s.releaseQueries()
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.logger.Info("push client disconnected")
	})
}

// releaseQueries runs after Detach, so queries still watched by other
// clients keep running.
func (s *session) releaseQueries() {
	s.queriesMu.Lock()
	queries := s.queries
	s.queries = make(map[string]struct{})
	s.queriesMu.Unlock()
	for queryID := range queries {
		if s.handler.commands.ReleaseSearch(queryID) {
			s.logger.Debug("query released", "query_id", queryID)
		}
	}
}
