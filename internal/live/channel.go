package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Events pushed by the upstream server.
const (
	EventConnected           = "connected"
	EventPing                = "ping"
	EventPong                = "pong"
	EventNewAnalyses         = "new_analyses"
	EventNewMobilityAnalysis = "new_mobility_analysis"
	EventNewVerifiedAnalysis = "new_verified_analysis"
	EventVerificationUpdate  = "verification_update"
	EventCheatRateUpdate     = "cheat_rate_update"
)

// Refresher is the part of the cache a live notification drives.
type Refresher interface {
	RefreshWithFilters(ctx context.Context) error
}

type Message struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// TriggersRefresh reports whether an event means upstream incident data
// changed.
func TriggersRefresh(event string) bool {
	switch event {
	case EventNewAnalyses, EventNewMobilityAnalysis, EventNewVerifiedAnalysis,
		EventVerificationUpdate, EventCheatRateUpdate:
		return true
	}
	return false
}

// Handler turns notifications into cache refreshes. It is shared by the
// websocket channel and the kafka notifier.
type Handler struct {
	refresher Refresher
	logger    *slog.Logger
	// OnEvent, when set, sees every decoded message before it is handled.
	OnEvent func(source string, msg Message)

	pending chan request
	running atomic.Bool
}

type request struct {
	source string
	event  string
}

func NewHandler(refresher Refresher, logger *slog.Logger) *Handler {
	return &Handler{refresher: refresher, logger: logger, pending: make(chan request, 1)}
}

// Handle processes one message inline. It returns true when a refresh ran.
func (h *Handler) Handle(ctx context.Context, source string, msg Message) bool {
	if h.OnEvent != nil {
		h.OnEvent(source, msg)
	}
	switch {
	case msg.Event == EventConnected:
		if h.logger != nil {
			h.logger.Info("live channel connected", "source", source, "message", msg.Message)
		}
		return false
	case TriggersRefresh(msg.Event):
		h.refresh(ctx, request{source: source, event: msg.Event})
		return true
	}
	return false
}

// Dispatch is Handle for readers that must not block: while Run is active,
// refreshes are queued for it instead of run inline. A request arriving while
// another is already queued is merged into it. It returns true when a
// refresh ran or was queued.
func (h *Handler) Dispatch(ctx context.Context, source string, msg Message) bool {
	if !h.running.Load() || !TriggersRefresh(msg.Event) {
		return h.Handle(ctx, source, msg)
	}
	if h.OnEvent != nil {
		h.OnEvent(source, msg)
	}
	select {
	case h.pending <- request{source: source, event: msg.Event}:
	default:
		if h.logger != nil {
			h.logger.Debug("live refresh already queued", "source", source, "event", msg.Event)
		}
	}
	return true
}

// Run performs queued refreshes one at a time until ctx is done.
func (h *Handler) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.pending:
			h.refresh(ctx, req)
		}
	}
}

func (h *Handler) refresh(ctx context.Context, req request) {
	if err := h.refresher.RefreshWithFilters(ctx); err != nil {
		if h.logger != nil {
			h.logger.Warn("live refresh failed", "source", req.source, "event", req.event, "err", err)
		}
	} else if h.logger != nil {
		h.logger.Debug("live refresh", "source", req.source, "event", req.event)
	}
}

// Channel keeps a websocket subscription to the upstream server open,
// reconnecting after a fixed delay for as long as ctx lives.
type Channel struct {
	url     string
	delay   time.Duration
	handler *Handler
	logger  *slog.Logger
	dialer  websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	connected atomic.Bool
	attempts  atomic.Int64
}

func NewChannel(url string, reconnectDelay time.Duration, handler *Handler, logger *slog.Logger) *Channel {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Channel{
		url:     url,
		delay:   reconnectDelay,
		handler: handler,
		logger:  logger,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// SessionID identifies the current connection; it changes on reconnect.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Attempts counts dial attempts, successful or not.
func (c *Channel) Attempts() int64 {
	return c.attempts.Load()
}

// Run blocks until ctx is done.
func (c *Channel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.attempts.Add(1)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("live channel dial failed", "url", c.url, "err", err, "retry_in", c.delay)
			}
		} else {
			c.serve(ctx, conn)
		}
		if !BackoffSleep(ctx, c.delay) {
			return
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	session := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.sessionID = session
	c.mu.Unlock()
	c.connected.Store(true)
	if c.logger != nil {
		c.logger.Info("live channel open", "url", c.url, "session_id", session)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && c.logger != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("live channel read error", "err", err, "session_id", session)
				} else {
					c.logger.Info("live channel closed", "session_id", session)
				}
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.logger != nil {
				c.logger.Debug("live message dropped", "err", err)
			}
			continue
		}
		if msg.Event == EventPing {
			if err := c.send(Message{Event: EventPong}); err != nil && c.logger != nil {
				c.logger.Warn("live pong failed", "err", err)
			}
			continue
		}
		c.handler.Dispatch(ctx, "websocket", msg)
	}
}

func (c *Channel) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
