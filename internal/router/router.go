// Package router implements the message delivery state machine: durable
// persist, live relay, offline queue flush, acknowledgments, typing signals,
// and the conversation/contact ledger bookkeeping that rides along every send.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/model"
	"github.com/ndvanh/vaultchat/internal/presence"
	"github.com/ndvanh/vaultchat/internal/repository"
	"github.com/ndvanh/vaultchat/internal/wire"
)

// DefaultFlushBatch bounds how many queued messages one join may burst.
const DefaultFlushBatch = 50

// DefaultHistoryLimit caps a history request that names no limit.
const DefaultHistoryLimit = 50

// Sender delivers an outbound event to a single connection. Implemented by
// the websocket hub; reports false when the connection is gone.
type Sender interface {
	Send(connID, event string, payload any) bool
}

// Router owns all message delivery state transitions. The presence registry
// is injected, never reached as ambient state.
type Router struct {
	msgs     repository.MessageRepository
	convs    repository.ConversationRepository
	contacts repository.ContactRepository
	reg      *presence.Registry
	send     Sender
	log      *zap.Logger

	flushBatch int
	now        func() time.Time
}

// New constructs a router over the given repositories, registry and sender.
func New(
	msgs repository.MessageRepository,
	convs repository.ConversationRepository,
	contacts repository.ContactRepository,
	reg *presence.Registry,
	send Sender,
	log *zap.Logger,
) *Router {
	return &Router{
		msgs:       msgs,
		convs:      convs,
		contacts:   contacts,
		reg:        reg,
		send:       send,
		log:        log,
		flushBatch: DefaultFlushBatch,
		now:        time.Now,
	}
}

// HandleSend processes a dm command from senderConnID.
//
// Durability first: the message is persisted as pending before any relay is
// attempted. If the recipient is present the ciphertext is relayed and the
// message advances to delivered. Either way the sender gets a dm:ack carrying
// {messageId, to, timestamp} once the persist-and-attempt step completes; the
// ack means "durably stored, delivery attempted", never "read". A failed
// durable write produces an explicit dm:error instead of silence.
func (r *Router) HandleSend(ctx context.Context, senderConnID string, dm wire.DM) {
	if dm.MessageID == "" || dm.From == "" || dm.To == "" || len(dm.EncryptedMessage.Ciphertext) == 0 {
		return
	}
	sender, ok := r.reg.Lookup(dm.From)
	if !ok || sender.ConnID != senderConnID {
		// Not joined, or a stale connection evicted by a newer session.
		return
	}

	from := strings.ToLower(dm.From)
	to := strings.ToLower(dm.To)
	ts := r.now()
	if dm.Timestamp > 0 {
		ts = time.UnixMilli(dm.Timestamp)
	}
	msg := &model.Message{
		MessageID:      dm.MessageID,
		From:           from,
		To:             to,
		Envelope:       dm.EncryptedMessage,
		Timestamp:      ts,
		Status:         model.StatusPending,
		ConversationID: model.ConversationID(from, to),
	}

	if err := r.msgs.Insert(ctx, msg); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// Replayed send: already durable, just re-ack. Nothing is
			// re-relayed and no ledger row duplicates.
			r.ack(senderConnID, msg)
			return
		}
		r.log.Error("persist message", zap.String("messageId", msg.MessageID), zap.Error(err))
		r.send.Send(senderConnID, wire.EvDMError, wire.DMError{
			MessageID: msg.MessageID,
			Error:     errs.ErrPersistence.Error(),
		})
		return
	}

	r.upsertLedger(ctx, msg)

	recipient, online := r.reg.Lookup(to)
	if online && r.relay(recipient.ConnID, msg) {
		// Relay first, mark after: a connection that dies in between leaves
		// the message pending for the next join instead of terminally
		// delivered but never received.
		if err := r.msgs.MarkDelivered(ctx, msg.MessageID); err != nil {
			r.log.Error("mark delivered", zap.String("messageId", msg.MessageID), zap.Error(err))
		}
		messagesRelayed.Inc()
	} else {
		messagesQueued.Inc()
	}

	r.ack(senderConnID, msg)
}

// FlushPending drains the offline queue for a freshly joined user: all
// pending messages addressed to it, oldest first, relayed one by one and
// marked delivered, capped at the flush batch size. Any remainder stays
// pending for a subsequent join.
func (r *Router) FlushPending(ctx context.Context, username, connID string) {
	queued, err := r.msgs.PendingFor(ctx, strings.ToLower(username), r.flushBatch)
	if err != nil {
		r.log.Error("query pending", zap.String("user", username), zap.Error(err))
		return
	}
	for i := range queued {
		msg := &queued[i]
		if !r.relay(connID, msg) {
			// Connection went away mid-flush; the rest stays pending.
			return
		}
		if err := r.msgs.MarkDelivered(ctx, msg.MessageID); err != nil {
			r.log.Error("mark delivered on flush", zap.String("messageId", msg.MessageID), zap.Error(err))
		}
		messagesFlushed.Inc()
	}
}

// HandleTyping relays a typing or stopTyping signal if the recipient is
// present. The signal is ephemeral and never persisted.
func (r *Router) HandleTyping(event string, p wire.Typing) {
	if p.From == "" || p.To == "" {
		return
	}
	recipient, ok := r.reg.Lookup(strings.ToLower(p.To))
	if !ok {
		return
	}
	r.send.Send(recipient.ConnID, event, wire.Typing{From: p.From})
}

// HandleHistory serves a conversation's stored messages, oldest first.
func (r *Router) HandleHistory(ctx context.Context, connID string, p wire.GetHistory) {
	if p.Username == "" || p.WithUser == "" {
		return
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	conversationID := model.ConversationID(p.Username, p.WithUser)
	msgs, err := r.msgs.History(ctx, conversationID, limit)
	if err != nil {
		r.log.Error("query history", zap.String("conversation", conversationID), zap.Error(err))
		r.send.Send(connID, wire.EvHistory, wire.History{ConversationID: conversationID, Messages: []wire.HistoryMessage{}})
		return
	}
	out := make([]wire.HistoryMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		out = append(out, wire.HistoryMessage{
			MessageID:        m.MessageID,
			From:             m.From,
			To:               m.To,
			EncryptedMessage: m.Envelope,
			Timestamp:        m.Timestamp.UnixMilli(),
			Status:           string(m.Status),
		})
	}
	r.send.Send(connID, wire.EvHistory, wire.History{ConversationID: conversationID, Messages: out})
}

// HandleContacts serves the caller's contact rows.
func (r *Router) HandleContacts(ctx context.Context, connID string, p wire.GetContacts) {
	if p.Username == "" {
		return
	}
	rows, err := r.contacts.ListFor(ctx, strings.ToLower(p.Username))
	if err != nil {
		r.log.Error("query contacts", zap.String("user", p.Username), zap.Error(err))
		rows = nil
	}
	if rows == nil {
		rows = []model.Contact{}
	}
	r.send.Send(connID, wire.EvContacts, wire.Contacts{Contacts: rows})
}

// HandleAddContact upserts an explicit contact row with a nickname.
func (r *Router) HandleAddContact(ctx context.Context, connID string, p wire.AddContact) {
	if p.Username == "" || p.ContactUsername == "" {
		return
	}
	nickname := p.Nickname
	if nickname == "" {
		nickname = p.ContactUsername
	}
	c, err := r.contacts.SetNickname(ctx,
		strings.ToLower(p.Username), strings.ToLower(p.ContactUsername), nickname, r.now())
	if err != nil {
		r.log.Error("add contact", zap.String("user", p.Username), zap.Error(err))
		r.send.Send(connID, wire.EvContactError, wire.ContactError{Error: "could not save contact"})
		return
	}
	r.send.Send(connID, wire.EvContactAdded, wire.ContactAdded{Contact: c})
}

// upsertLedger refreshes the conversation record and both directed contact
// rows for a send. Idempotent on (conversationId) and (owner, peer); ledger
// failures are logged but do not fail the send.
func (r *Router) upsertLedger(ctx context.Context, msg *model.Message) {
	participants := model.Participants(msg.From, msg.To)
	if err := r.convs.Upsert(ctx, msg.ConversationID, participants, msg.Timestamp); err != nil {
		r.log.Warn("upsert conversation", zap.String("conversation", msg.ConversationID), zap.Error(err))
	}
	if err := r.contacts.Touch(ctx, msg.From, msg.To, msg.Timestamp); err != nil {
		r.log.Warn("upsert contact", zap.String("owner", msg.From), zap.Error(err))
	}
	if err := r.contacts.Touch(ctx, msg.To, msg.From, msg.Timestamp); err != nil {
		r.log.Warn("upsert contact", zap.String("owner", msg.To), zap.Error(err))
	}
}

func (r *Router) relay(connID string, msg *model.Message) bool {
	return r.send.Send(connID, wire.EvDM, wire.DM{
		MessageID:        msg.MessageID,
		From:             msg.From,
		EncryptedMessage: msg.Envelope,
		Timestamp:        msg.Timestamp.UnixMilli(),
	})
}

func (r *Router) ack(connID string, msg *model.Message) {
	r.send.Send(connID, wire.EvDMAck, wire.DMAck{
		MessageID: msg.MessageID,
		To:        msg.To,
		Timestamp: r.now().UnixMilli(),
	})
}
