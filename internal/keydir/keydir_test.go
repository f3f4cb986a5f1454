package keydir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndvanh/vaultchat/internal/crypto/e2e"
)

func jwkFor(t *testing.T) json.RawMessage {
	t.Helper()
	id, err := e2e.GenerateIdentity()
	require.NoError(t, err)
	raw, err := id.PublicJWK()
	require.NoError(t, err)
	return raw
}

func TestSync_AddedThenIdempotent(t *testing.T) {
	d := New()
	k1 := jwkFor(t)

	changes, err := d.Sync([]RosterEntry{{Username: "bob", PublicKey: k1}}, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, changes.Added)
	require.Empty(t, changes.Changed)
	require.True(t, d.Has("bob"))

	// Identical snapshot again: no events.
	changes, err = d.Sync([]RosterEntry{{Username: "bob", PublicKey: k1}}, "alice")
	require.NoError(t, err)
	require.Empty(t, changes.Added)
	require.Empty(t, changes.Changed)
}

func TestSync_ChangedOnRotation(t *testing.T) {
	d := New()
	k1 := jwkFor(t)
	k2 := jwkFor(t)

	_, err := d.Sync([]RosterEntry{{Username: "bob", PublicKey: k1}}, "alice")
	require.NoError(t, err)
	fpBefore := d.FingerprintFor("bob")

	changes, err := d.Sync([]RosterEntry{{Username: "bob", PublicKey: k2}}, "alice")
	require.NoError(t, err)
	require.Empty(t, changes.Added)
	require.Equal(t, []string{"bob"}, changes.Changed)
	require.NotEqual(t, fpBefore, d.FingerprintFor("bob"))
}

func TestSync_SkipsSelfAndKeyless(t *testing.T) {
	d := New()
	k1 := jwkFor(t)

	changes, err := d.Sync([]RosterEntry{
		{Username: "alice", PublicKey: k1},
		{Username: "carol"},
		{Username: "", PublicKey: k1},
	}, "alice")
	require.NoError(t, err)
	require.Empty(t, changes.Added)
	require.Empty(t, changes.Changed)
	require.False(t, d.Has("alice"))
	require.False(t, d.Has("carol"))
}

func TestSync_FingerprintPermutationNotAChange(t *testing.T) {
	d := New()
	k1 := jwkFor(t)

	// Re-order the JWK fields; same key material must not classify as changed.
	var obj map[string]any
	require.NoError(t, json.Unmarshal(k1, &obj))
	reordered, err := json.Marshal(obj)
	require.NoError(t, err)

	_, err = d.Sync([]RosterEntry{{Username: "bob", PublicKey: k1}}, "alice")
	require.NoError(t, err)
	changes, err := d.Sync([]RosterEntry{{Username: "bob", PublicKey: reordered}}, "alice")
	require.NoError(t, err)
	require.Empty(t, changes.Changed)
}

func TestSync_RetainsAbsentPeers(t *testing.T) {
	d := New()
	k1 := jwkFor(t)

	_, err := d.Sync([]RosterEntry{{Username: "bob", PublicKey: k1}}, "alice")
	require.NoError(t, err)

	// bob left the roster; his last known key stays cached for offline sends.
	_, err = d.Sync([]RosterEntry{}, "alice")
	require.NoError(t, err)
	require.True(t, d.Has("bob"))
	_, ok := d.Key("bob")
	require.True(t, ok)
}

func TestSync_MalformedEntryDoesNotSwallowRotation(t *testing.T) {
	d := New()
	k1 := jwkFor(t)
	k2 := jwkFor(t)

	_, err := d.Sync([]RosterEntry{{Username: "alice", PublicKey: k1}}, "")
	require.NoError(t, err)

	// alice rotates in the same snapshot that carries bob's unparseable key.
	// The rotation must still reach the caller; bob stays uncached.
	changes, err := d.Sync([]RosterEntry{
		{Username: "alice", PublicKey: k2},
		{Username: "bob", PublicKey: json.RawMessage(`{"kty":"RSA","n":"!!!","e":"AQAB"}`)},
	}, "")
	require.Error(t, err)
	require.Equal(t, []string{"alice"}, changes.Changed)
	require.False(t, d.Has("bob"))

	// And only once: the cache already holds k2.
	changes, err = d.Sync([]RosterEntry{{Username: "alice", PublicKey: k2}}, "")
	require.NoError(t, err)
	require.Empty(t, changes.Changed)
}

func TestSync_MalformedEntryOrderIndependent(t *testing.T) {
	d := New()
	k1 := jwkFor(t)
	k2 := jwkFor(t)

	_, err := d.Sync([]RosterEntry{{Username: "alice", PublicKey: k1}}, "")
	require.NoError(t, err)

	// Malformed entry first: later entries still classify.
	changes, err := d.Sync([]RosterEntry{
		{Username: "bob", PublicKey: json.RawMessage(`not json`)},
		{Username: "alice", PublicKey: k2},
	}, "")
	require.Error(t, err)
	require.Equal(t, []string{"alice"}, changes.Changed)
}

func TestImport_OutOfBandKey(t *testing.T) {
	d := New()
	require.NoError(t, d.Import("dave", jwkFor(t)))
	require.True(t, d.Has("dave"))
	require.NotEmpty(t, d.FingerprintFor("dave"))

	// a bad out-of-band key is still an error, not a silent skip
	require.Error(t, d.Import("eve", json.RawMessage(`garbage`)))
	require.False(t, d.Has("eve"))
}
