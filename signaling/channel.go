/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling provides the persistent relay connection used to exchange
// call signaling messages. The channel reconnects automatically with
// exponential backoff, re-joins the last active conversation room after every
// reconnect, and treats every send as fire-and-forget: delivery is never
// guaranteed and never acknowledged.
package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatline/chatline-go/chatlinesdk"
)

// Config holds configuration for the signaling channel.
type Config struct {
	// PingInterval is how often to send websocket pings.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before the connection is
	// considered dead.
	PongTimeout time.Duration

	// BackoffTimeMax is the maximum delay between reconnect attempts.
	BackoffTimeMax time.Duration

	// BackoffTimeReset is the initial delay between reconnect attempts.
	BackoffTimeReset time.Duration

	// MaxRetries is the number of reconnect attempts after a dropped
	// connection before the channel gives up.
	MaxRetries int

	// InitialConnectionMaxRetries is the number of attempts for the very
	// first connection.
	InitialConnectionMaxRetries int

	// Dialer is the websocket dialer. If nil, websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// Status describes the connection status of the channel.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// handlerEntry pairs a subscriber with the ID its disposer removes.
type handlerEntry struct {
	id int
	fn Handler
}

// Channel is a persistent, reconnecting relay connection.
type Channel struct {
	core   *chatlinesdk.Client
	config *Config
	wsURL  string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	room      string
	handlers  map[MessageType][]handlerEntry
	nextID    int

	// retainedOffer holds an offer that arrived before any offer subscriber
	// existed. It is replayed exactly once to the first subscriber.
	retainedOffer *Message

	onStatus func(Status)

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a new signaling Channel. Connect must be called before the
// channel can send or receive.
func New(core *chatlinesdk.Client, wsURL string, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	return &Channel{
		core:     core,
		config:   config,
		wsURL:    wsURL,
		handlers: make(map[MessageType][]handlerEntry),
		done:     make(chan struct{}),
	}
}

// OnStatus registers a callback invoked on connection status changes.
// Must be called before Connect.
func (ch *Channel) OnStatus(fn func(Status)) {
	ch.mu.Lock()
	ch.onStatus = fn
	ch.mu.Unlock()
}

// IsConnected reports whether the channel currently has a live connection.
func (ch *Channel) IsConnected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

// Connect establishes the relay connection and starts the read and ping
// loops. It retries up to InitialConnectionMaxRetries times with exponential
// backoff before giving up.
func (ch *Channel) Connect() error {
	ch.mu.Lock()
	if ch.connected {
		ch.mu.Unlock()
		return nil
	}
	if ch.closed {
		ch.mu.Unlock()
		return fmt.Errorf("signaling channel is closed")
	}
	ch.mu.Unlock()

	if err := ch.dial(ch.config.InitialConnectionMaxRetries); err != nil {
		return err
	}

	go ch.readLoop()
	go ch.pingLoop()
	return nil
}

// dial attempts to establish the websocket connection with backoff.
func (ch *Channel) dial(maxRetries int) error {
	dialer := ch.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	backoff := ch.config.BackoffTimeReset
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ch.done:
			return fmt.Errorf("signaling channel is closed")
		default:
		}

		conn, _, err := dialer.Dial(ch.wsURL, nil)
		if err == nil {
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(ch.config.PingInterval + ch.config.PongTimeout))
			})
			_ = conn.SetReadDeadline(time.Now().Add(ch.config.PingInterval + ch.config.PongTimeout))

			ch.mu.Lock()
			ch.conn = conn
			ch.connected = true
			room := ch.room
			ch.mu.Unlock()

			// Re-join the last active room so the relay resumes routing to
			// us. Transparent to callers.
			if room != "" {
				ch.sendRaw(&Message{Type: messageJoin, ConversationID: room, TrackingID: trackingID()})
			}
			ch.emitStatus(StatusConnected)
			return nil
		}
		lastErr = err
		ch.core.GetLogger().Printf("signaling: connect attempt %d failed: %v", attempt+1, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ch.done:
			timer.Stop()
			return fmt.Errorf("signaling channel is closed")
		case <-timer.C:
		}
		backoff *= 2
		if backoff > ch.config.BackoffTimeMax {
			backoff = ch.config.BackoffTimeMax
		}
	}
	return fmt.Errorf("signaling: connection failed after %d attempts: %w", maxRetries+1, lastErr)
}

// JoinRoom joins the conversation room so the relay routes that
// conversation's messages to this client. The room is remembered and
// re-joined automatically after a reconnect.
func (ch *Channel) JoinRoom(conversationID string) error {
	ch.mu.Lock()
	ch.room = conversationID
	ch.mu.Unlock()
	return ch.sendRaw(&Message{Type: messageJoin, ConversationID: conversationID, TrackingID: trackingID()})
}

// Send fires a best-effort message to the counterpart via the relay.
// Delivery is not guaranteed; the returned error only reports a local write
// failure and callers are expected to ignore it.
func (ch *Channel) Send(msg *Message) error {
	if msg.TrackingID == "" {
		msg.TrackingID = trackingID()
	}
	return ch.sendRaw(msg)
}

func (ch *Channel) sendRaw(msg *Message) error {
	ch.mu.Lock()
	conn := ch.conn
	connected := ch.connected
	ch.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: error marshaling message: %w", err)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ch.core.GetLogger().Printf("signaling: send %s failed: %v", msg.Type, err)
		return err
	}
	return nil
}

// Subscribe registers a handler for every inbound message of the given type
// and returns a disposer that removes it. If an offer arrived before any
// offer subscriber existed, it is replayed to the first subscriber exactly
// once.
func (ch *Channel) Subscribe(t MessageType, fn Handler) (unsubscribe func()) {
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	ch.handlers[t] = append(ch.handlers[t], handlerEntry{id: id, fn: fn})

	var replay *Message
	if t == MessageOffer && ch.retainedOffer != nil {
		replay = ch.retainedOffer
		ch.retainedOffer = nil
	}
	ch.mu.Unlock()

	if replay != nil {
		fn(replay)
	}

	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		entries := ch.handlers[t]
		for i, e := range entries {
			if e.id == id {
				ch.handlers[t] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// dispatch routes one inbound message to its subscribers. An offer with no
// subscriber is retained for the first future subscriber (e.g. the app just
// regained foreground and the call UI has not mounted yet); everything else
// without a subscriber is dropped.
func (ch *Channel) dispatch(msg *Message) {
	ch.mu.Lock()
	entries := make([]handlerEntry, len(ch.handlers[msg.Type]))
	copy(entries, ch.handlers[msg.Type])
	if len(entries) == 0 && msg.Type == MessageOffer {
		ch.retainedOffer = msg
	}
	ch.mu.Unlock()

	for _, e := range entries {
		e.fn(msg)
	}
}

// readLoop reads messages until the connection drops, then reconnects.
func (ch *Channel) readLoop() {
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
				return
			default:
			}

			ch.mu.Lock()
			ch.connected = false
			ch.mu.Unlock()
			ch.emitStatus(StatusReconnecting)
			ch.core.GetLogger().Printf("signaling: connection lost: %v", err)

			if derr := ch.dial(ch.config.MaxRetries); derr != nil {
				ch.core.GetLogger().Printf("signaling: reconnect failed: %v", derr)
				ch.emitStatus(StatusDisconnected)
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.core.GetLogger().Printf("signaling: discarding malformed message: %v", err)
			continue
		}
		ch.dispatch(&msg)
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (ch *Channel) pingLoop() {
	ticker := time.NewTicker(ch.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.mu.Lock()
			conn := ch.conn
			connected := ch.connected
			ch.mu.Unlock()
			if !connected || conn == nil {
				continue
			}
			ch.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.config.PongTimeout))
			ch.writeMu.Unlock()
			if err != nil {
				ch.core.GetLogger().Printf("signaling: ping failed: %v", err)
			}
		}
	}
}

// Close shuts the channel down. It is safe to call more than once.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.connected = false
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	close(ch.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	ch.emitStatus(StatusDisconnected)
}

func (ch *Channel) emitStatus(s Status) {
	ch.mu.Lock()
	fn := ch.onStatus
	ch.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func trackingID() string {
	return "chatline-go_" + uuid.New().String()
}
