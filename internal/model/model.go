// Package model defines domain entities used by services and repositories.
package model

import (
	"sort"
	"strings"
	"time"
)

// MessageStatus is the delivery state of a direct message.
type MessageStatus string

const (
	// StatusPending means the message is durably stored but not yet relayed.
	StatusPending MessageStatus = "pending"
	// StatusDelivered means the ciphertext was relayed to the recipient's connection.
	StatusDelivered MessageStatus = "delivered"
	// StatusRead is reserved in the data model. No workflow currently sets it;
	// read receipts are out of scope, the value exists so history rows stay
	// forward-compatible.
	StatusRead MessageStatus = "read"
)

// Envelope is the hybrid-encryption payload of a message. Every field is an
// opaque blob; encoding/json renders them base64 on the wire and in storage,
// and they must round-trip byte-exact.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	WrappedKey []byte `json:"wrappedKey"`
	IV         []byte `json:"iv"`
}

// Message is a single stored direct message. Only the router mutates status.
type Message struct {
	MessageID      string        // client-generated, unique
	From           string        // sender username (lowercased)
	To             string        // recipient username (lowercased)
	Envelope       Envelope      // ciphertext + wrapped key + nonce
	Timestamp      time.Time     // sender-supplied send time
	Status         MessageStatus // pending -> delivered (read reserved)
	ConversationID string
}

// Conversation groups the message history of a participant pair.
type Conversation struct {
	ConversationID  string
	Participants    []string // exactly two, sorted
	LastMessageTime time.Time
}

// Contact is a directed per-owner address book row. Both directions are
// upserted automatically whenever a message is exchanged.
type Contact struct {
	Owner         string    `json:"owner"`
	Peer          string    `json:"peer"`
	Nickname      string    `json:"nickname"`
	LastContacted time.Time `json:"lastContacted"`
}

// User is an account record. The public key is the JWK the user announced on
// its most recent join; it serves key fetches for offline peers.
type User struct {
	Username  string
	PwdHash   []byte // Argon2id(password, SaltAuth)
	SaltAuth  []byte // per-user auth salt
	PublicKey []byte // JWK, raw JSON; empty until first join
	IsOnline  bool
	LastSeen  time.Time
	CreatedAt time.Time
}

// ConversationID derives the canonical, order-independent conversation id for
// a pair of usernames: participants sorted and joined with "_".
func ConversationID(a, b string) string {
	p := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(p)
	return strings.Join(p, "_")
}

// Participants returns the sorted participant pair for a conversation.
func Participants(a, b string) []string {
	p := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(p)
	return p
}
