package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

var key = json.RawMessage(`{"kty":"RSA","n":"abc","e":"AQAB"}`)

func TestJoin_NewUser(t *testing.T) {
	r := NewRegistry()

	evicted, roster := r.Join("alice", key, "c1")
	require.Empty(t, evicted)
	require.Len(t, roster, 1)
	require.Equal(t, "alice", roster[0].Username)

	e, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, "c1", e.ConnID)
}

func TestJoin_LastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Join("bob", key, "c1")

	evicted, roster := r.Join("bob", key, "c2")
	require.Equal(t, "c1", evicted)
	require.Len(t, roster, 1)

	e, _ := r.Lookup("bob")
	require.Equal(t, "c2", e.ConnID)

	// The stale connection's disconnect must not remove the new session.
	_, removed, roster := r.Leave("c1")
	require.False(t, removed)
	require.Nil(t, roster)
	_, ok := r.Lookup("bob")
	require.True(t, ok)
}

func TestLeave_RemovesViaIndex(t *testing.T) {
	r := NewRegistry()
	r.Join("alice", key, "c1")
	r.Join("bob", key, "c2")

	username, removed, roster := r.Leave("c1")
	require.True(t, removed)
	require.Equal(t, "alice", username)
	require.Len(t, roster, 1)
	require.Equal(t, "bob", roster[0].Username)

	_, ok := r.Lookup("alice")
	require.False(t, ok)
	require.Equal(t, 1, r.Count())
}

func TestLeave_UnknownConn(t *testing.T) {
	r := NewRegistry()
	_, removed, roster := r.Leave("ghost")
	require.False(t, removed)
	require.Nil(t, roster)
}

func TestSnapshot_IncludesEveryone(t *testing.T) {
	r := NewRegistry()
	r.Join("alice", key, "c1")
	r.Join("bob", key, "c2")

	roster := r.Snapshot()
	require.Len(t, roster, 2)
	names := map[string]bool{}
	for _, e := range roster {
		names[e.Username] = true
		require.NotEmpty(t, e.PublicKey)
	}
	require.True(t, names["alice"] && names["bob"])
}
