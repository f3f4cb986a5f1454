// Package wire defines the named JSON events exchanged over the duplex
// channel between client and relay, and their payload shapes.
package wire

import (
	"encoding/json"

	"github.com/ndvanh/vaultchat/internal/model"
)

// Event names. The same channel carries client->server commands and
// server->client events.
const (
	EvJoin         = "join"
	EvUsers        = "users"
	EvDM           = "dm"
	EvDMAck        = "dm:ack"
	EvDMError      = "dm:error"
	EvTyping       = "typing"
	EvStopTyping   = "stopTyping"
	EvGetHistory   = "get:history"
	EvHistory      = "history"
	EvGetContacts  = "get:contacts"
	EvContacts     = "contacts"
	EvAddContact   = "add:contact"
	EvContactAdded = "contact:added"
	EvContactError = "contact:error"
)

// Frame is the envelope every websocket text message carries.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals a payload into a Frame.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// Join announces an identity and its public key.
type Join struct {
	Username  string          `json:"username"`
	PublicKey json.RawMessage `json:"publicKey"`
}

// RosterEntry is one item of the users broadcast.
type RosterEntry struct {
	Username  string          `json:"username"`
	PublicKey json.RawMessage `json:"publicKey"`
}

// DM is an encrypted direct message in flight. Timestamp is epoch millis.
type DM struct {
	MessageID        string         `json:"messageId"`
	From             string         `json:"from"`
	To               string         `json:"to,omitempty"`
	EncryptedMessage model.Envelope `json:"encryptedMessage"`
	Timestamp        int64          `json:"timestamp"`
}

// DMAck confirms a message was durably stored and delivery attempted. It does
// not mean read, and is independent of the recipient being online.
type DMAck struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// DMError reports a send that could not be durably stored.
type DMError struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}

// Typing carries the ephemeral typing indicator. Never persisted.
type Typing struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
}

// GetHistory requests a conversation's message history.
type GetHistory struct {
	Username string `json:"username"`
	WithUser string `json:"withUser"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryMessage is one stored message as served to clients.
type HistoryMessage struct {
	MessageID        string         `json:"messageId"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	EncryptedMessage model.Envelope `json:"encryptedMessage"`
	Timestamp        int64          `json:"timestamp"`
	Status           string         `json:"status"`
}

// History answers GetHistory, messages oldest first.
type History struct {
	ConversationID string           `json:"conversationId"`
	Messages       []HistoryMessage `json:"messages"`
}

// GetContacts requests the caller's contact rows.
type GetContacts struct {
	Username string `json:"username"`
}

// Contacts answers GetContacts, most recently contacted first.
type Contacts struct {
	Contacts []model.Contact `json:"contacts"`
}

// AddContact upserts an explicit contact with a nickname.
type AddContact struct {
	Username        string `json:"username"`
	ContactUsername string `json:"contactUsername"`
	Nickname        string `json:"nickname,omitempty"`
}

// ContactAdded answers AddContact with the stored row.
type ContactAdded struct {
	Contact model.Contact `json:"contact"`
}

// ContactError reports a failed contact operation.
type ContactError struct {
	Error string `json:"error"`
}
