/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package people provides the People plugin: directory lookups for user
// profiles. It also satisfies calling.PeerDirectory so call surfaces can
// show a display name instead of a raw user ID.
package people

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chatline/chatline-go/chatlinesdk"
)

// Person represents a user profile.
type Person struct {
	ID          string     `json:"id,omitempty"`
	Emails      []string   `json:"emails,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Nickname    string     `json:"nickname,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Status      string     `json:"status,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
}

// ListOptions contains the options for listing people.
type ListOptions struct {
	Email       string
	DisplayName string
	IDs         []string
	Max         int
}

// PeoplePage is one page of people results.
type PeoplePage struct {
	Items []Person `json:"items"`
}

// Config holds the configuration for the People plugin.
type Config struct {
	// CacheTTL bounds how long a resolved profile is served from cache.
	// Default: 5 minutes.
	CacheTTL time.Duration
}

// DefaultConfig returns the default configuration for the People plugin.
func DefaultConfig() *Config {
	return &Config{
		CacheTTL: 5 * time.Minute,
	}
}

type cachedPerson struct {
	person  *Person
	fetched time.Time
}

// Client is the people API client.
type Client struct {
	core   *chatlinesdk.Client
	config *Config

	mu    sync.Mutex
	cache map[string]cachedPerson
}

// New creates a new People plugin.
func New(core *chatlinesdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
		cache:  make(map[string]cachedPerson),
	}
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return "people"
}

// Get returns a single person by ID.
func (c *Client) Get(personID string) (*Person, error) {
	if personID == "" {
		return nil, fmt.Errorf("personID is required")
	}

	c.mu.Lock()
	if entry, ok := c.cache[personID]; ok && time.Since(entry.fetched) < c.config.CacheTTL {
		c.mu.Unlock()
		return entry.person, nil
	}
	c.mu.Unlock()

	path := fmt.Sprintf("people/%s", personID)
	resp, err := c.core.Request(http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var person Person
	if err := chatlinesdk.ParseResponse(resp, &person); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[personID] = cachedPerson{person: &person, fetched: time.Now()}
	c.mu.Unlock()

	return &person, nil
}

// Me returns the profile of the authenticated user.
func (c *Client) Me() (*Person, error) {
	resp, err := c.core.Request(http.MethodGet, "people/me", nil, nil)
	if err != nil {
		return nil, err
	}

	var person Person
	if err := chatlinesdk.ParseResponse(resp, &person); err != nil {
		return nil, err
	}

	return &person, nil
}

// List returns people matching the given options.
func (c *Client) List(options *ListOptions) (*PeoplePage, error) {
	if options == nil || (options.Email == "" && options.DisplayName == "" && len(options.IDs) == 0) {
		return nil, fmt.Errorf("email, displayName or ids is required")
	}

	params := url.Values{}
	if options.Email != "" {
		params.Set("email", options.Email)
	}
	if options.DisplayName != "" {
		params.Set("displayName", options.DisplayName)
	}
	if len(options.IDs) > 0 {
		params.Set("id", strings.Join(options.IDs, ","))
	}
	if options.Max > 0 {
		params.Set("max", fmt.Sprintf("%d", options.Max))
	}

	resp, err := c.core.Request(http.MethodGet, "people", params, nil)
	if err != nil {
		return nil, err
	}

	var page PeoplePage
	if err := chatlinesdk.ParseResponse(resp, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// DisplayName resolves a user ID to a display name, or "" if the lookup
// fails. It satisfies calling.PeerDirectory.
func (c *Client) DisplayName(userID string) string {
	person, err := c.Get(userID)
	if err != nil || person == nil {
		return ""
	}
	if person.DisplayName != "" {
		return person.DisplayName
	}
	return person.Nickname
}
