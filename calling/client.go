/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"

	"github.com/chatline/chatline-go/chatlinesdk"
	"github.com/chatline/chatline-go/signaling"
)

// PeerDirectory resolves user IDs to display names for UI snapshots.
// The people plugin satisfies it.
type PeerDirectory interface {
	DisplayName(userID string) string
}

// Relay is the slice of the signaling channel the calling plugin uses.
// *signaling.Channel satisfies it.
type Relay interface {
	Signaler
	Subscribe(t signaling.MessageType, fn signaling.Handler) func()
	JoinRoom(conversationID string) error
}

// IncomingCall notifies the UI of a ringing inbound call. Accept, Reject
// and Hangup live on the Session.
type IncomingCall struct {
	ConversationID string
	PeerID         string
	PeerName       string
	Session        *Session
}

// Client is the calling plugin: it owns at most one session per
// conversation and routes relay traffic to the session it belongs to.
type Client struct {
	core      *chatlinesdk.Client
	config    *Config
	channel   Relay
	selfID    string
	directory PeerDirectory

	mu        sync.Mutex
	sessions  map[string]*Session
	pending   map[string][]*signaling.Message
	listening bool
	unsubs    []func()

	incomingMu sync.RWMutex
	onIncoming []func(*IncomingCall)
}

// New creates a Calling client on top of an authenticated core client and a
// connected (or connecting) signaling channel. selfID is the local user's
// ID, typically decoded from the access token.
func New(core *chatlinesdk.Client, channel Relay, selfID string, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:     core,
		config:   config,
		channel:  channel,
		selfID:   selfID,
		sessions: make(map[string]*Session),
		pending:  make(map[string][]*signaling.Message),
	}
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return "calling"
}

// SetDirectory installs a display-name resolver for call peers.
func (c *Client) SetDirectory(d PeerDirectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directory = d
}

// Supported reports whether calling can work on this platform.
func (c *Client) Supported() bool {
	media := c.config.Media
	if media == nil {
		media = DefaultMediaSource()
	}
	return media.Supported()
}

// OnIncoming registers a handler for inbound ringing calls.
func (c *Client) OnIncoming(fn func(*IncomingCall)) {
	if fn == nil {
		return
	}
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	c.onIncoming = append(c.onIncoming, fn)
}

// Listen subscribes to the relay and starts routing call traffic. It is
// idempotent.
func (c *Client) Listen() {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.mu.Unlock()

	type route struct {
		t  signaling.MessageType
		fn func(*Session, *signaling.Message)
	}
	routes := []route{
		{signaling.MessageRing, (*Session).HandleRing},
		{signaling.MessageOffer, (*Session).HandleOffer},
		{signaling.MessageAnswer, (*Session).HandleAnswer},
		{signaling.MessageICECandidate, (*Session).HandleCandidate},
		{signaling.MessageReject, (*Session).HandleReject},
		{signaling.MessageCallStart, (*Session).HandleCallStart},
		{signaling.MessageCallEnd, (*Session).HandleCallEnd},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range routes {
		r := r
		c.unsubs = append(c.unsubs, c.channel.Subscribe(r.t, func(msg *signaling.Message) {
			c.route(msg, r.fn)
		}))
	}
}

// route delivers msg to the session owning its conversation. Ring and offer
// may create the session; candidates with no session yet are stashed so
// none is ever dropped, and everything else without a session is ignored.
func (c *Client) route(msg *signaling.Message, deliver func(*Session, *signaling.Message)) {
	if msg.ConversationID == "" {
		return
	}
	if msg.FromUserID == c.selfID {
		// The relay may echo our own sends back into the room.
		return
	}

	c.mu.Lock()
	sess, ok := c.sessions[msg.ConversationID]
	if ok && sess.State().terminal() {
		delete(c.sessions, msg.ConversationID)
		sess, ok = nil, false
	}

	var announce *IncomingCall
	var replay []*signaling.Message
	switch {
	case ok:
		// Existing session owns the conversation.
	case msg.Type == signaling.MessageRing || msg.Type == signaling.MessageOffer:
		peerName := msg.FromUserID
		if c.directory != nil {
			if name := c.directory.DisplayName(msg.FromUserID); name != "" {
				peerName = name
			}
		}
		sess = newSession(RoleCallee, c.selfID, msg.FromUserID, msg.ConversationID,
			peerName, c.config, c.core.GetLogger(), c.channel, c.endedFunc(msg.ConversationID))
		c.sessions[msg.ConversationID] = sess
		replay = c.pending[msg.ConversationID]
		delete(c.pending, msg.ConversationID)
		announce = &IncomingCall{
			ConversationID: msg.ConversationID,
			PeerID:         msg.FromUserID,
			PeerName:       peerName,
			Session:        sess,
		}
	case msg.Type == signaling.MessageICECandidate:
		// Candidates can outrun the ring/offer that creates the session.
		c.pending[msg.ConversationID] = append(c.pending[msg.ConversationID], msg)
		c.mu.Unlock()
		return
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	deliver(sess, msg)
	for _, p := range replay {
		sess.HandleCandidate(p)
	}
	if announce != nil {
		c.incomingMu.RLock()
		handlers := make([]func(*IncomingCall), len(c.onIncoming))
		copy(handlers, c.onIncoming)
		c.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(announce)
		}
	}
}

// endedFunc returns the session's end hook: it drops the session from the
// registry so the conversation can host a fresh call.
func (c *Client) endedFunc(conversationID string) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sess, ok := c.sessions[conversationID]; ok && sess.State().terminal() {
			delete(c.sessions, conversationID)
		}
		delete(c.pending, conversationID)
	}
}

// StartCall initiates an outbound call to peerID in the given conversation.
// A conversation hosts at most one active call.
func (c *Client) StartCall(conversationID, peerID string) (*Session, error) {
	if !c.Supported() {
		return nil, ErrCallingUnsupported
	}

	c.mu.Lock()
	if existing, ok := c.sessions[conversationID]; ok {
		if !existing.State().terminal() {
			c.mu.Unlock()
			return nil, ErrCallActive
		}
		delete(c.sessions, conversationID)
	}
	peerName := peerID
	if c.directory != nil {
		if name := c.directory.DisplayName(peerID); name != "" {
			peerName = name
		}
	}
	sess := newSession(RoleCaller, c.selfID, peerID, conversationID, peerName,
		c.config, c.core.GetLogger(), c.channel, c.endedFunc(conversationID))
	c.sessions[conversationID] = sess
	c.mu.Unlock()

	if err := c.channel.JoinRoom(conversationID); err != nil {
		c.core.GetLogger().Printf("calling: error joining room %s: %v", conversationID, err)
	}
	if err := sess.Start(); err != nil {
		c.mu.Lock()
		delete(c.sessions, conversationID)
		c.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// ActiveSession returns the session for a conversation, if any.
func (c *Client) ActiveSession(conversationID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[conversationID]
	if !ok || sess.State().terminal() {
		return nil, false
	}
	return sess, true
}

// Close tears down every session and stops routing relay traffic.
func (c *Client) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.listening = false
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = make(map[string]*Session)
	c.pending = make(map[string][]*signaling.Message)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, sess := range sessions {
		sess.Teardown("client_closed")
	}
}
