// Package client implements the client side of the game channel: one
// logical connection per (game, participant) pair with a typed
// subscription registry, linear-backoff reconnection, and an outbound
// queue that survives disconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/events"
)

// ErrConnectionFailed is returned when the transport cannot be
// established within the dial timeout. Retryable by the caller.
var ErrConnectionFailed = errors.New("connection failed")

// EventDisconnected is the synthetic event dispatched to subscribers
// after the reconnect budget is exhausted. The terminal disconnected
// state is surfaced, never silent.
const EventDisconnected events.EventType = "Disconnected"

const (
	defaultDialTimeout       = 10 * time.Second
	defaultBaseReconnectWait = 2 * time.Second
	defaultMaxReconnects     = 5
)

// Config holds client connection tunables.
type Config struct {
	DialTimeout       time.Duration
	BaseReconnectWait time.Duration
	MaxReconnects     int
}

// DefaultConfig returns the production client configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:       defaultDialTimeout,
		BaseReconnectWait: defaultBaseReconnectWait,
		MaxReconnects:     defaultMaxReconnects,
	}
}

// Handler consumes one inbound event.
type Handler func(event *events.GameEvent)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	eventType events.EventType
	id        uint64
}

// Client is one logical connection for a (game, participant) pair.
type Client struct {
	serverURL string
	gameID    uuid.UUID
	address   string
	config    Config
	clock     clockwork.Clock

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	// Outbound messages held while disconnected, flushed on reconnect.
	pending [][]byte

	handlersMu sync.RWMutex
	handlers   map[events.EventType]map[uint64]Handler
	nextSubID  uint64

	done chan struct{}
}

// New creates a client for one game room. serverURL is the gateway
// base, e.g. "ws://host:8080".
func New(serverURL string, gameID uuid.UUID, address string, clock clockwork.Clock, cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BaseReconnectWait <= 0 {
		cfg.BaseReconnectWait = defaultBaseReconnectWait
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &Client{
		serverURL: serverURL,
		gameID:    gameID,
		address:   address,
		config:    cfg,
		clock:     clock,
		handlers:  make(map[events.EventType]map[uint64]Handler),
		done:      make(chan struct{}),
	}
}

// Connect establishes the channel and starts the read loop. On success
// the room-join and participant-registration directives have already
// been sent.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.announce(); err != nil {
		c.teardown()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	c.flushPending()

	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	u.Path = "/ws/game"
	q := u.Query()
	q.Set("room_id", c.gameID.String())
	q.Set("address", c.address)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}

// announce re-sends room-join and participant-registration so the
// server can re-associate the session; history reconciliation arrives
// as a single SessionState message, not a client-side replay.
func (c *Client) announce() error {
	join, err := events.NewClientEnvelope(events.MsgJoinRoom, events.JoinRoomMsg{RoomID: c.gameID.String()})
	if err != nil {
		return err
	}
	register, err := events.NewClientEnvelope(events.MsgRegisterUser, events.RegisterUserMsg{Address: c.address})
	if err != nil {
		return err
	}
	if !c.writeEnvelope(join) || !c.writeEnvelope(register) {
		return errors.New("failed to send join/register")
	}
	return nil
}

// Send queues or transmits one message. Returns false without blocking
// when the channel is not open; the message is still queued for the
// next reconnect so user actions (e.g. chat) are not dropped.
func (c *Client) Send(msgType events.ClientMessageType, payload interface{}) bool {
	env, err := events.NewClientEnvelope(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(msgType)).Msg("failed to encode outbound message")
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if !c.connected || c.conn == nil {
		c.pending = append(c.pending, data)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.pending = append(c.pending, data)
		return false
	}
	return true
}

func (c *Client) writeEnvelope(env *events.ClientEnvelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (c *Client) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()

	for _, data := range queued {
		if conn == nil || conn.WriteMessage(websocket.TextMessage, data) != nil {
			c.mu.Lock()
			c.pending = append(c.pending, data)
			c.mu.Unlock()
			return
		}
	}
	if len(queued) > 0 {
		log.Debug().Int("count", len(queued)).Msg("flushed queued outbound messages")
	}
}

// On registers a handler for an event type. Multiple handlers per type
// are all invoked, in registration order.
func (c *Client) On(eventType events.EventType, handler Handler) Subscription {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextSubID++
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[uint64]Handler)
	}
	c.handlers[eventType][c.nextSubID] = handler
	return Subscription{eventType: eventType, id: c.nextSubID}
}

// Off removes a previously registered handler.
func (c *Client) Off(sub Subscription) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if handlers, ok := c.handlers[sub.eventType]; ok {
		delete(handlers, sub.id)
	}
}

// Close shuts the connection down for good; no reconnect follows.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()
			if closed {
				return
			}
			log.Warn().Err(err).Str("game_id", c.gameID.String()).Msg("connection lost, reconnecting")
			c.reconnect(ctx)
			return
		}
		c.dispatch(message)
	}
}

// reconnect retries with linearly increasing backoff (base wait times
// the attempt number) up to the attempt cap, then surfaces the
// terminal disconnected state to subscribers.
func (c *Client) reconnect(ctx context.Context) {
	for attempt := 1; attempt <= c.config.MaxReconnects; attempt++ {
		wait := time.Duration(attempt) * c.config.BaseReconnectWait
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}

		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.config.MaxReconnects).
			Str("game_id", c.gameID.String()).
			Msg("reconnect attempt")

		conn, err := c.dial(ctx)
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		if err := c.announce(); err != nil {
			c.teardown()
			continue
		}
		c.flushPending()
		go c.readLoop(ctx)
		return
	}

	log.Error().
		Str("game_id", c.gameID.String()).
		Int("attempts", c.config.MaxReconnects).
		Msg("reconnect budget exhausted")
	c.dispatch(c.disconnectedEvent())
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) disconnectedEvent() []byte {
	ev := events.GameEvent{
		ID:        uuid.New().String(),
		GameID:    c.gameID.String(),
		Type:      EventDisconnected,
		Timestamp: time.Now().UTC(),
	}
	data, _ := json.Marshal(&ev)
	return data
}

// dispatch delivers one inbound frame to all handlers registered for
// its type. A parse failure is logged and dropped so one malformed
// message never blocks the handler chain.
func (c *Client) dispatch(message []byte) {
	var ev events.GameEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		log.Warn().Err(err).Msg("dropping unparseable event")
		return
	}

	c.handlersMu.RLock()
	registered := c.handlers[ev.Type]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(&ev)
	}
}
