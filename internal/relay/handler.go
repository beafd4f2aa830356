// Package relay implements the websocket transport of the voice relay:
// it decodes inbound caller events, routes them to the call's session,
// and writes outbound text and end frames.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/vanguard/internal/conversation"
	"github.com/nugget/vanguard/internal/events"
	"github.com/nugget/vanguard/internal/session"
)

const (
	defaultReadLimit = 64 * 1024
	writeWait        = 10 * time.Second
)

// TurnRunner runs a caller turn started with Session.Begin.
type TurnRunner interface {
	RunTurn(sess *session.Session, h *session.Handle, sink conversation.Sink) conversation.Outcome
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithEventBus publishes call events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(h *Handler) { h.bus = bus }
}

// WithReadLimit bounds the size of a single inbound message.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// Handler upgrades relay connections and serves them until the peer
// disconnects.
type Handler struct {
	sessions  *session.Manager
	turns     TurnRunner
	logger    *slog.Logger
	bus       *events.Bus
	readLimit int64
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewHandler creates a relay handler.
func NewHandler(sessions *session.Manager, turns TurnRunner, opts ...Option) *Handler {
	h := &Handler{
		sessions:  sessions,
		turns:     turns,
		logger:    slog.Default(),
		readLimit: defaultReadLimit,
		conns:     make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			// The relay platform connects from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "relay")
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &conn{
		ws:      ws,
		handler: h,
		logger:  h.logger.With("remote", r.RemoteAddr),
	}
	h.track(c, true)
	defer h.track(c, false)

	c.logger.Debug("relay connected")
	c.serve(ctx)
}

func (h *Handler) track(c *conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[c] = struct{}{}
		h.wg.Add(1)
		return
	}
	delete(h.conns, c)
	h.wg.Done()
}

// Shutdown sends a going-away close frame to every open relay socket
// and waits for their calls to be torn down or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	open := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range open {
		c.writeMu.Lock()
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			c.logger.Debug("close frame failed", "error", err)
		}
		c.writeMu.Unlock()
		// Unblock the read loop even if the peer never answers.
		c.ws.NetConn().Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn is one relay connection. It carries at most one call.
type conn struct {
	ws      *websocket.Conn
	handler *Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	callID  string
	turns   sync.WaitGroup
}

func (c *conn) serve(ctx context.Context) {
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("relay read failed", "error", err, "call_id", c.callID)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "call_id", c.callID)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch handles one inbound frame. Frames are handled in arrival
// order; only the turn itself runs in its own goroutine.
func (c *conn) dispatch(ctx context.Context, f InboundFrame) {
	h := c.handler
	switch f.Type {
	case TypeSetup:
		if c.callID != "" {
			c.logger.Warn("ignoring repeated setup", "call_id", c.callID, "new_call_id", f.CallSid)
			return
		}
		if _, err := h.sessions.Open(f.CallSid, f.From, f.To); err != nil {
			c.logger.Error("setup failed", "call_id", f.CallSid, "error", err)
			return
		}
		c.callID = f.CallSid
		c.logger = c.logger.With("call_id", f.CallSid)
		h.publish(events.KindCallStarted, map[string]any{
			"call_id": f.CallSid,
			"from":    f.From,
			"to":      f.To,
		})

	case TypePrompt:
		if f.Partial() {
			c.logger.Debug("skipping partial prompt", "text", f.VoicePrompt)
			return
		}
		sess, err := h.sessions.Get(c.callID)
		if err != nil {
			c.logger.Error("prompt for unknown session", "error", err)
			return
		}
		if f.VoicePrompt == "" {
			c.logger.Debug("ignoring empty prompt")
			return
		}
		c.logger.Info("caller said", "text", f.VoicePrompt, "lang", f.Lang)

		turn := sess.Begin(ctx, f.VoicePrompt)
		c.turns.Add(1)
		go func() {
			defer c.turns.Done()
			h.turns.RunTurn(sess, turn, c)
		}()

	case TypeInterrupt:
		sess, err := h.sessions.Get(c.callID)
		if err != nil {
			c.logger.Error("interrupt for unknown session", "error", err)
			return
		}
		cancelled := sess.Interrupt()
		c.logger.Info("caller interrupted",
			"heard", f.UtteranceUntilInterrupt,
			"elapsed_ms", f.DurationUntilInterruptMs,
			"cancelled", cancelled,
		)
		h.publish(events.KindInterrupt, map[string]any{
			"call_id":    c.callID,
			"cancelled":  cancelled,
			"elapsed_ms": f.DurationUntilInterruptMs,
		})

	case TypeDTMF:
		c.logger.Info("dtmf received", "digit", f.Digit)

	case TypeError:
		c.logger.Warn("relay reported error", "description", f.Description)

	default:
		c.logger.Warn("unknown frame type", "type", f.Type)
	}
}

func (c *conn) close() {
	if c.callID == "" {
		return
	}
	c.handler.sessions.Close(c.callID)
	c.turns.Wait()
	c.handler.publish(events.KindCallEnded, map[string]any{"call_id": c.callID})
	c.logger.Debug("relay disconnected")
}

// SendText implements conversation.Sink.
func (c *conn) SendText(token string, last bool) error {
	return c.write(NewTextFrame(token, last))
}

// SendEnd implements conversation.Sink.
func (c *conn) SendEnd(handoffData string) error {
	return c.write(NewEndFrame(handoffData))
}

// write serializes writes; gorilla connections allow one concurrent
// writer.
func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) publish(kind string, data map[string]any) {
	h.bus.Emit(events.SourceRelay, kind, data)
}
