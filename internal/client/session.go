// Package client implements the chat client: the websocket session with
// reconnection, end-to-end encryption of outgoing messages, decryption of
// incoming ones, and the peer key cache with rotation warnings.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ndvanh/vaultchat/internal/crypto/e2e"
	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/keydir"
	"github.com/ndvanh/vaultchat/internal/model"
	"github.com/ndvanh/vaultchat/internal/wire"
)

// TransportConfig controls dialing and reconnection behavior.
type TransportConfig struct {
	DialTimeout  time.Duration
	Reconnection bool
	RetryDelay   time.Duration
	MaxRetries   int
}

// DefaultTransport returns the stock transport settings.
func DefaultTransport() TransportConfig {
	return TransportConfig{
		DialTimeout:  10 * time.Second,
		Reconnection: true,
		RetryDelay:   time.Second,
		MaxRetries:   5,
	}
}

// Config configures a Session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL      string
	Token    string
	Username string

	Transport TransportConfig
	Log       *zap.Logger
}

// Message is a received direct message after decryption. If decryption failed
// Plaintext is nil and DecryptErr holds the reason; the failure is reported to
// the user rather than dropped, since it can indicate tampering.
type Message struct {
	MessageID  string
	From       string
	Timestamp  time.Time
	Plaintext  []byte
	DecryptErr error
}

// Handlers are the session's event callbacks. Nil handlers are skipped. All
// callbacks run on the session's read goroutine.
type Handlers struct {
	OnMessage      func(Message)
	OnAck          func(wire.DMAck)
	OnSendError    func(wire.DMError)
	OnRoster       func(online []string)
	OnKeyChange    func(usernames []string)
	OnTyping       func(from string, active bool)
	OnHistory      func(wire.History)
	OnContacts     func([]model.Contact)
	OnContactAdded func(model.Contact)
	OnContactError func(msg string)
	OnDisconnect   func(err error)
}

// Session is a connected chat client. Safe for concurrent use.
type Session struct {
	cfg      Config
	identity *e2e.Identity
	keys     *keydir.Directory
	handlers Handlers
	log      *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	typingMu    sync.Mutex
	typingTimer *time.Timer
	typingPeer  string

	closed chan struct{}
	once   sync.Once
}

const typingIdle = time.Second

// NewSession constructs a session. Dial must be called before use.
func NewSession(cfg Config, identity *e2e.Identity, handlers Handlers) *Session {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport = DefaultTransport()
	}
	return &Session{
		cfg:      cfg,
		identity: identity,
		keys:     keydir.New(),
		handlers: handlers,
		log:      cfg.Log,
		closed:   make(chan struct{}),
	}
}

// Keys exposes the peer key cache.
func (s *Session) Keys() *keydir.Directory { return s.keys }

// Dial connects, announces the identity, and starts reading events. It blocks
// only for the initial connect.
func (s *Session) Dial(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.readLoop()
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.Transport.DialTimeout}
	header := http.Header{"Authorization": {"Bearer " + s.cfg.Token}}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	pub, err := s.identity.PublicJWK()
	if err != nil {
		conn.Close()
		return err
	}
	join, err := wire.NewFrame(wire.EvJoin, wire.Join{Username: s.cfg.Username, PublicKey: pub})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("announce identity: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return nil
}

// Close tears the session down.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) write(event string, payload any) error {
	frame, err := wire.NewFrame(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errs.ErrNotConnected
	}
	return s.conn.WriteJSON(frame)
}

// Send encrypts plaintext for a peer and ships it. It refuses to send when no
// public key for the peer is cached; plaintext never leaves the client. The
// returned message ID matches the eventual ack. Peer names are lowercased to
// match the server's identity rule, so casing cannot miss the key cache.
func (s *Session) Send(to string, plaintext []byte) (string, error) {
	to = strings.ToLower(strings.TrimSpace(to))
	key, ok := s.keys.Key(to)
	if !ok {
		return "", fmt.Errorf("no public key for %s: %w", to, errs.ErrKeyUnavailable)
	}
	env, err := e2e.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt for %s: %w", to, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	dm := wire.DM{
		MessageID:        id.String(),
		From:             s.cfg.Username,
		To:               to,
		EncryptedMessage: env,
		Timestamp:        time.Now().UnixMilli(),
	}
	if err := s.write(wire.EvDM, dm); err != nil {
		return "", err
	}
	s.stopTypingNow(to)
	return id.String(), nil
}

// Typing signals the peer that the user is composing. The first call sends a
// typing event; each call resets an idle timer, and one second after the last
// call a stopTyping event is sent. Send also clears the indicator.
func (s *Session) Typing(to string) {
	to = strings.ToLower(strings.TrimSpace(to))
	s.typingMu.Lock()
	defer s.typingMu.Unlock()

	if s.typingTimer != nil && s.typingPeer == to {
		s.typingTimer.Reset(typingIdle)
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		peer := s.typingPeer
		go s.sendStopTyping(peer)
	}
	s.typingPeer = to
	s.typingTimer = time.AfterFunc(typingIdle, func() { s.stopTypingNow(to) })
	_ = s.write(wire.EvTyping, wire.Typing{From: s.cfg.Username, To: to})
}

func (s *Session) stopTypingNow(to string) {
	s.typingMu.Lock()
	if s.typingTimer != nil && s.typingPeer == to {
		s.typingTimer.Stop()
		s.typingTimer = nil
		s.typingPeer = ""
	}
	s.typingMu.Unlock()
	s.sendStopTyping(to)
}

func (s *Session) sendStopTyping(to string) {
	_ = s.write(wire.EvStopTyping, wire.Typing{From: s.cfg.Username, To: to})
}

// RequestHistory asks for the stored conversation with a peer.
func (s *Session) RequestHistory(withUser string, limit int) error {
	return s.write(wire.EvGetHistory, wire.GetHistory{
		Username: s.cfg.Username, WithUser: withUser, Limit: limit,
	})
}

// RequestContacts asks for the caller's contact list.
func (s *Session) RequestContacts() error {
	return s.write(wire.EvGetContacts, wire.GetContacts{Username: s.cfg.Username})
}

// AddContact stores a contact with an optional nickname.
func (s *Session) AddContact(peer, nickname string) error {
	return s.write(wire.EvAddContact, wire.AddContact{
		Username: s.cfg.Username, ContactUsername: peer, Nickname: nickname,
	})
}

// ImportPeerKey caches a peer key fetched out-of-band, for messaging peers
// that are offline and therefore absent from the live roster.
func (s *Session) ImportPeerKey(username string, rawJWK []byte) error {
	return s.keys.Import(strings.ToLower(strings.TrimSpace(username)), rawJWK)
}

func (s *Session) readLoop() {
	for {
		var frame wire.Frame
		err := s.connRef().ReadJSON(&frame)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if s.cfg.Transport.Reconnection && s.reconnect() {
				continue
			}
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect(err)
			}
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) connRef() *websocket.Conn {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn
}

func (s *Session) reconnect() bool {
	for attempt := 1; attempt <= s.cfg.Transport.MaxRetries; attempt++ {
		select {
		case <-s.closed:
			return false
		case <-time.After(s.cfg.Transport.RetryDelay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Transport.DialTimeout)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.log.Info("reconnected", zap.Int("attempt", attempt))
			return true
		}
		s.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return false
}

func (s *Session) dispatch(frame wire.Frame) {
	switch frame.Event {
	case wire.EvUsers:
		var roster []wire.RosterEntry
		if err := decode(frame, &roster); err != nil {
			s.log.Warn("bad users payload", zap.Error(err))
			return
		}
		s.handleRoster(roster)

	case wire.EvDM:
		var dm wire.DM
		if err := decode(frame, &dm); err != nil {
			s.log.Warn("bad dm payload", zap.Error(err))
			return
		}
		s.handleDM(dm)

	case wire.EvDMAck:
		var ack wire.DMAck
		if err := decode(frame, &ack); err == nil && s.handlers.OnAck != nil {
			s.handlers.OnAck(ack)
		}

	case wire.EvDMError:
		var dmErr wire.DMError
		if err := decode(frame, &dmErr); err == nil && s.handlers.OnSendError != nil {
			s.handlers.OnSendError(dmErr)
		}

	case wire.EvTyping, wire.EvStopTyping:
		var t wire.Typing
		if err := decode(frame, &t); err == nil && s.handlers.OnTyping != nil {
			s.handlers.OnTyping(t.From, frame.Event == wire.EvTyping)
		}

	case wire.EvHistory:
		var h wire.History
		if err := decode(frame, &h); err == nil && s.handlers.OnHistory != nil {
			s.handlers.OnHistory(h)
		}

	case wire.EvContacts:
		var c wire.Contacts
		if err := decode(frame, &c); err == nil && s.handlers.OnContacts != nil {
			s.handlers.OnContacts(c.Contacts)
		}

	case wire.EvContactAdded:
		var ca wire.ContactAdded
		if err := decode(frame, &ca); err == nil && s.handlers.OnContactAdded != nil {
			s.handlers.OnContactAdded(ca.Contact)
		}

	case wire.EvContactError:
		var ce wire.ContactError
		if err := decode(frame, &ce); err == nil && s.handlers.OnContactError != nil {
			s.handlers.OnContactError(ce.Error)
		}

	default:
		s.log.Debug("unknown event", zap.String("event", frame.Event))
	}
}

func (s *Session) handleRoster(roster []wire.RosterEntry) {
	entries := make([]keydir.RosterEntry, 0, len(roster))
	online := make([]string, 0, len(roster))
	for _, r := range roster {
		online = append(online, r.Username)
		entries = append(entries, keydir.RosterEntry{Username: r.Username, PublicKey: r.PublicKey})
	}
	changes, err := s.keys.Sync(entries, s.cfg.Username)
	if err != nil {
		s.log.Warn("roster key sync", zap.Error(err))
	}
	if len(changes.Changed) > 0 && s.handlers.OnKeyChange != nil {
		s.handlers.OnKeyChange(changes.Changed)
	}
	if s.handlers.OnRoster != nil {
		s.handlers.OnRoster(online)
	}
}

func (s *Session) handleDM(dm wire.DM) {
	if s.handlers.OnMessage == nil {
		return
	}
	msg := Message{
		MessageID: dm.MessageID,
		From:      dm.From,
		Timestamp: time.UnixMilli(dm.Timestamp),
	}
	pt, err := e2e.Decrypt(dm.EncryptedMessage, s.identity.Private)
	if err != nil {
		var cerr *e2e.CryptoError
		if errors.As(err, &cerr) {
			msg.DecryptErr = cerr
		} else {
			msg.DecryptErr = err
		}
	} else {
		msg.Plaintext = pt
	}
	s.handlers.OnMessage(msg)
}

func decode(frame wire.Frame, v any) error {
	if len(frame.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(frame.Data, v)
}
