// Package presence tracks which identities are currently connected and maps
// connections back to identities for O(1) disconnect handling.
package presence

import (
	"encoding/json"
	"sync"
)

// Entry is one online identity: exactly one entry exists per username at a
// time; a newer join under the same username replaces the prior entry.
type Entry struct {
	Username  string
	ConnID    string
	PublicKey json.RawMessage
}

// RosterEntry is the externally visible shape of an online identity.
type RosterEntry struct {
	Username  string          `json:"username"`
	PublicKey json.RawMessage `json:"publicKey"`
}

// Registry holds the online-user table plus a reverse connID index so a
// disconnect never scans the username map. Only the registry mutates either
// map, and Snapshot is computed under the same lock as mutations so no reader
// observes a roster mid-update.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Entry
	byConn map[string]string // connID -> username
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Entry),
		byConn: make(map[string]string),
	}
}

// Join registers or replaces the presence entry for username (last writer
// wins: the previous connection stops receiving anything addressed to that
// identity). It returns the evicted connID, if any, and the roster snapshot
// taken atomically with the mutation.
func (r *Registry) Join(username string, publicKey json.RawMessage, connID string) (evicted string, roster []RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[username]; ok && prev.ConnID != connID {
		evicted = prev.ConnID
		delete(r.byConn, prev.ConnID)
	}
	r.byUser[username] = Entry{Username: username, ConnID: connID, PublicKey: publicKey}
	r.byConn[connID] = username
	return evicted, r.snapshotLocked()
}

// Leave removes the entry owned by connID, resolving the username via the
// reverse index. It reports the username and whether an entry was removed;
// a connID already superseded by a newer join is a no-op. The returned roster
// is nil when nothing changed.
func (r *Registry) Leave(connID string) (username string, removed bool, roster []RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[connID]
	if !ok {
		return "", false, nil
	}
	delete(r.byConn, connID)
	if entry, ok := r.byUser[username]; ok && entry.ConnID == connID {
		delete(r.byUser, username)
	}
	return username, true, r.snapshotLocked()
}

// Lookup returns the live entry for a username.
func (r *Registry) Lookup(username string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[username]
	return e, ok
}

// Snapshot lists all present identities in no particular order. Nobody is
// excluded; each consumer filters out itself.
func (r *Registry) Snapshot() []RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count reports how many identities are online.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) snapshotLocked() []RosterEntry {
	out := make([]RosterEntry, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, RosterEntry{Username: e.Username, PublicKey: e.PublicKey})
	}
	return out
}
