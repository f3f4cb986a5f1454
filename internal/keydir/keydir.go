// Package keydir maintains the client-side cache of peer public keys and
// detects key rotation by fingerprint comparison.
package keydir

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ndvanh/vaultchat/internal/crypto/e2e"
)

// RosterEntry is one presence-roster item as announced by the server.
type RosterEntry struct {
	Username  string          `json:"username"`
	PublicKey json.RawMessage `json:"publicKey"`
}

// Changes reports the outcome of a roster sync. A non-empty Changed set is the
// system's only signal of potential key rotation or substitution and must be
// surfaced to the user, never silently absorbed.
type Changes struct {
	Added   []string
	Changed []string
}

type record struct {
	key         *rsa.PublicKey
	rawJWK      json.RawMessage
	fingerprint string
}

// Directory caches one KeyRecord per known peer. Entries survive a peer
// leaving the roster so offline peers keep their last known key.
type Directory struct {
	mu      sync.RWMutex
	records map[string]record
}

// New constructs an empty directory.
func New() *Directory {
	return &Directory{records: make(map[string]record)}
}

// Sync folds a presence-roster snapshot into the cache. Entries for self and
// entries without key material are skipped. Each remaining peer is classified
// against the cached fingerprint: absent means added, different means
// changed, equal means no event. The cache entry is overwritten (not merged)
// in all three cases. Re-running Sync with an identical snapshot yields empty
// change sets.
//
// A malformed entry never aborts the snapshot: the rest of the roster still
// classifies and the accumulated change sets are returned alongside the
// joined parse errors, so a rotation detected for one peer cannot be lost to
// another peer's bad key.
func (d *Directory) Sync(roster []RosterEntry, self string) (Changes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes := Changes{}
	var parseErrs error
	for _, entry := range roster {
		if entry.Username == "" || entry.Username == self || len(entry.PublicKey) == 0 {
			continue
		}
		fp, err := e2e.Fingerprint(entry.PublicKey)
		if err != nil {
			parseErrs = errors.Join(parseErrs, fmt.Errorf("%s: %w", entry.Username, err))
			continue
		}
		key, err := e2e.ImportPublicJWK(entry.PublicKey)
		if err != nil {
			parseErrs = errors.Join(parseErrs, fmt.Errorf("%s: %w", entry.Username, err))
			continue
		}

		prev, ok := d.records[entry.Username]
		switch {
		case !ok:
			changes.Added = append(changes.Added, entry.Username)
		case prev.fingerprint != fp:
			changes.Changed = append(changes.Changed, entry.Username)
		}
		d.records[entry.Username] = record{
			key:         key,
			rawJWK:      append(json.RawMessage(nil), entry.PublicKey...),
			fingerprint: fp,
		}
	}
	return changes, parseErrs
}

// Key returns the cached public key for a peer.
func (d *Directory) Key(username string) (*rsa.PublicKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[username]
	if !ok {
		return nil, false
	}
	return rec.key, true
}

// Has reports whether a peer's key is cached.
func (d *Directory) Has(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.records[username]
	return ok
}

// FingerprintFor returns the cached fingerprint for a peer, or "" if none.
func (d *Directory) FingerprintFor(username string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records[username].fingerprint
}

// Import caches a key fetched out-of-band (an offline peer's key obtained via
// the key endpoint rather than the live roster).
func (d *Directory) Import(username string, rawJWK json.RawMessage) error {
	_, err := d.Sync([]RosterEntry{{Username: username, PublicKey: rawJWK}}, "")
	return err
}
