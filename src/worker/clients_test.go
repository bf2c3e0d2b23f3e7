// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientsLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClients(time.Hour)
	c.now = func() time.Time { return now }

	a, b := NewClientID(), NewClientID()
	assert.Empty(t, c.Touch(a))
	c.Control(b, "v1")
	assert.Equal(t, "v1", c.Controller(b))
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, 1, c.ControlledBy("v1"))

	assert.Equal(t, 2, c.Claim("v2"))
	assert.Equal(t, "v2", c.Touch(a))
	assert.Equal(t, 0, c.ControlledBy("v1"))

	now = now.Add(30 * time.Minute)
	c.Touch(a)
	now = now.Add(45 * time.Minute)

	// b was last seen 75 minutes ago
	assert.Empty(t, c.Controller(b))
	assert.Equal(t, 1, c.Count())
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Claim("v3"))
}

func TestExpiredClientStartsUncontrolled(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := NewClients(time.Minute)
	c.now = func() time.Time { return now }

	id := NewClientID()
	c.Control(id, "v1")
	now = now.Add(2 * time.Minute)
	assert.Empty(t, c.Touch(id))
}

func TestValidClientID(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidClientID(NewClientID()))
	assert.True(t, ValidClientID(strings.ToUpper(NewClientID())))
	assert.False(t, ValidClientID(""))
	assert.False(t, ValidClientID("not-a-uuid"))
}
