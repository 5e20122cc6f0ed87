/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package chatline is the top-level entry point for the Chatline Go SDK.
// It aggregates the plugins (people, messages, calling) on top of the core
// HTTP client and the signaling relay channel.
package chatline

import (
	"sync"

	"github.com/chatline/chatline-go/calling"
	"github.com/chatline/chatline-go/chatlinesdk"
	"github.com/chatline/chatline-go/messages"
	"github.com/chatline/chatline-go/people"
	"github.com/chatline/chatline-go/signaling"
)

// DefaultSignalingURL is the production signaling relay endpoint.
const DefaultSignalingURL = "wss://relay.chatline.io/v1/ws"

// ChatlineClient is the top-level client for the Chatline API.
type ChatlineClient struct {
	core *chatlinesdk.Client

	mu           sync.Mutex
	signalingURL string

	peopleClient   *people.Client
	messagesClient *messages.Client
	callingClient  *calling.Client
	channel        *signaling.Channel
}

// NewClient creates a new Chatline client with the given access token and
// optional configuration.
func NewClient(accessToken string, config *chatlinesdk.Config) (*ChatlineClient, error) {
	core, err := chatlinesdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	return &ChatlineClient{
		core:         core,
		signalingURL: DefaultSignalingURL,
	}, nil
}

// SetSignalingURL overrides the signaling relay endpoint. It must be called
// before the first use of Signaling or Calling.
func (c *ChatlineClient) SetSignalingURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalingURL = u
}

// People returns the People plugin.
func (c *ChatlineClient) People() *people.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peopleClient == nil {
		c.peopleClient = people.New(c.core, nil)
		c.core.RegisterPlugin(c.peopleClient)
	}
	return c.peopleClient
}

// Messages returns the Messages plugin.
func (c *ChatlineClient) Messages() *messages.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messagesClient == nil {
		c.messagesClient = messages.New(c.core, nil)
		c.core.RegisterPlugin(c.messagesClient)
	}
	return c.messagesClient
}

// Signaling returns the relay channel, creating it on first use. The
// channel connects lazily: call Connect on it (or use Calling, which does)
// before expecting traffic.
func (c *ChatlineClient) Signaling() *signaling.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingLocked()
}

func (c *ChatlineClient) signalingLocked() *signaling.Channel {
	if c.channel == nil {
		c.channel = signaling.New(c.core, c.signalingURL, nil)
	}
	return c.channel
}

// Calling returns the Calling plugin, wiring it to the signaling channel
// and the people directory on first use. The local user ID is decoded from
// the access token's claims.
func (c *ChatlineClient) Calling() *calling.Client {
	c.mu.Lock()
	if c.callingClient != nil {
		c.mu.Unlock()
		return c.callingClient
	}

	selfID := ""
	if claims, err := chatlinesdk.DecodeAccessToken(c.core.GetAccessToken()); err == nil {
		selfID = claims.UserID
	} else {
		c.core.GetLogger().Printf("chatline: could not decode access token claims: %v", err)
	}

	channel := c.signalingLocked()
	client := calling.New(c.core, channel, selfID, nil)
	c.callingClient = client
	c.core.RegisterPlugin(client)
	c.mu.Unlock()

	client.SetDirectory(c.People())
	client.Listen()
	return client
}

// Core returns the core Chatline client.
func (c *ChatlineClient) Core() *chatlinesdk.Client {
	return c.core
}
