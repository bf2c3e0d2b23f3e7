// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientCookie carries the client ID.
const ClientCookie = "cascache_client"

func NewClientID() string {
	return uuid.NewString()
}

// ValidClientID rejects anything that is not a UUID so cookie values never
// grow the registry with garbage keys.
func ValidClientID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

type client struct {
	controller string
	lastSeen   time.Time
}

// Clients tracks browser contexts and the worker version controlling each.
type Clients struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

func NewClients(ttl time.Duration) *Clients {
	return &Clients{
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// Touch records activity and returns the version controlling id, or "".
func (c *Clients) Touch(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cl, ok := c.clients[id]
	if !ok || c.expired(cl, now) {
		cl = &client{}
		c.clients[id] = cl
	}
	cl.lastSeen = now
	return cl.controller
}

// Control puts id under version.
func (c *Clients) Control(id, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[id]
	if !ok {
		cl = &client{}
		c.clients[id] = cl
	}
	cl.controller = version
	cl.lastSeen = c.now()
}

func (c *Clients) Controller(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clients[id]
	if !ok || c.expired(cl, c.now()) {
		return ""
	}
	return cl.controller
}

// Claim moves every live client to version and returns how many there are.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, cl := range c.clients {
		if c.expired(cl, now) {
			continue
		}
		cl.controller = version
		n++
	}
	return n
}

func (c *Clients) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, cl := range c.clients {
		if !c.expired(cl, now) {
			n++
		}
	}
	return n
}

// ControlledBy counts live clients controlled by version.
func (c *Clients) ControlledBy(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, cl := range c.clients {
		if cl.controller == version && !c.expired(cl, now) {
			n++
		}
	}
	return n
}

// Prune forgets expired clients and returns how many were removed.
func (c *Clients) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, cl := range c.clients {
		if c.expired(cl, now) {
			delete(c.clients, id)
			n++
		}
	}
	return n
}

func (c *Clients) expired(cl *client, now time.Time) bool {
	return c.ttl > 0 && now.Sub(cl.lastSeen) > c.ttl
}
