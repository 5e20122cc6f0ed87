/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package messages provides the Messages plugin: CRUD operations on chat
// messages within a conversation.
package messages

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chatline/chatline-go/chatlinesdk"
)

// Message represents a chat message.
type Message struct {
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	ParentID       string     `json:"parentId,omitempty"`
	ToUserID       string     `json:"toUserId,omitempty"`
	Text           string     `json:"text,omitempty"`
	Markdown       string     `json:"markdown,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	Created        *time.Time `json:"created,omitempty"`
	Updated        *time.Time `json:"updated,omitempty"`
}

// ListOptions contains the options for listing messages.
type ListOptions struct {
	ConversationID string
	Before         string
	Max            int
}

// MessagesPage is one page of message results.
type MessagesPage struct {
	Items []Message `json:"items"`
}

// Config holds the configuration for the Messages plugin.
type Config struct{}

// DefaultConfig returns the default configuration for the Messages plugin.
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the messages API client.
type Client struct {
	core   *chatlinesdk.Client
	config *Config
}

// New creates a new Messages plugin.
func New(core *chatlinesdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
	}
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return "messages"
}

// Create posts a new message into a conversation or directly to a user.
func (c *Client) Create(message *Message) (*Message, error) {
	if message.ConversationID == "" && message.ToUserID == "" {
		return nil, fmt.Errorf("message must contain either conversationId or toUserId")
	}

	resp, err := c.core.Request(http.MethodPost, "messages", nil, message)
	if err != nil {
		return nil, err
	}

	var result Message
	if err := chatlinesdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Get returns a single message by ID.
func (c *Client) Get(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("messageID is required")
	}

	path := fmt.Sprintf("messages/%s", messageID)
	resp, err := c.core.Request(http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var message Message
	if err := chatlinesdk.ParseResponse(resp, &message); err != nil {
		return nil, err
	}

	return &message, nil
}

// List returns the messages in a conversation, newest first.
func (c *Client) List(options *ListOptions) (*MessagesPage, error) {
	if options == nil || options.ConversationID == "" {
		return nil, fmt.Errorf("conversationId is required")
	}

	params := url.Values{}
	params.Set("conversationId", options.ConversationID)
	if options.Before != "" {
		params.Set("before", options.Before)
	}
	if options.Max > 0 {
		params.Set("max", fmt.Sprintf("%d", options.Max))
	}

	resp, err := c.core.Request(http.MethodGet, "messages", params, nil)
	if err != nil {
		return nil, err
	}

	var page MessagesPage
	if err := chatlinesdk.ParseResponse(resp, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// Update updates an existing message's text.
func (c *Client) Update(messageID string, message *Message) (*Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("messageID is required")
	}

	path := fmt.Sprintf("messages/%s", messageID)
	resp, err := c.core.Request(http.MethodPut, path, nil, message)
	if err != nil {
		return nil, err
	}

	var result Message
	if err := chatlinesdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// Delete deletes a message.
func (c *Client) Delete(messageID string) error {
	if messageID == "" {
		return fmt.Errorf("messageID is required")
	}

	path := fmt.Sprintf("messages/%s", messageID)
	resp, err := c.core.Request(http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}
