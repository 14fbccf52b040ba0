package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApproverSessions_BindAndLookup(t *testing.T) {
	r := NewApproverSessions()
	assert.False(t, r.Connected("alice"))
	assert.Empty(t, r.SessionsOf("alice"))

	r.Bind("alice", "sess-laptop")
	r.Bind("alice", "sess-phone")
	r.Bind("alice", "sess-laptop")
	r.Bind("", "sess-x")
	r.Bind("bob", "")

	assert.True(t, r.Connected("alice"))
	assert.Equal(t, []string{"sess-laptop", "sess-phone"}, r.SessionsOf("alice"))
	assert.False(t, r.Connected("bob"))
}

func TestApproverSessions_SessionsOfIsACopy(t *testing.T) {
	r := NewApproverSessions()
	r.Bind("alice", "sess-1")

	got := r.SessionsOf("alice")
	got[0] = "mutated"
	assert.Equal(t, []string{"sess-1"}, r.SessionsOf("alice"))
}

func TestApproverSessions_Drop(t *testing.T) {
	r := NewApproverSessions()
	r.Bind("alice", "sess-shared")
	r.Bind("alice", "sess-alice")
	r.Bind("bob", "sess-shared")
	r.Bind("carol", "sess-shared")
	r.Bind("dave", "sess-dave")

	orphaned := r.Drop("sess-shared")
	assert.Equal(t, []string{"bob", "carol"}, orphaned)
	assert.Equal(t, []string{"sess-alice"}, r.SessionsOf("alice"))
	assert.False(t, r.Connected("bob"))
	assert.True(t, r.Connected("dave"))

	assert.Empty(t, r.Drop("sess-unknown"))
}
