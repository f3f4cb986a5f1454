package postgres

import (
	"context"
	"time"

	"github.com/ndvanh/vaultchat/internal/model"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// Upsert creates or refreshes a conversation record, idempotent on its
// canonical id.
func (r *ConversationRepo) Upsert(ctx context.Context, conversationID string, participants []string, lastMessageTime time.Time) error {
	const q = `
INSERT INTO conversations (conversation_id, participants, last_message_time)
VALUES ($1,$2,$3)
ON CONFLICT (conversation_id)
DO UPDATE SET last_message_time=EXCLUDED.last_message_time`
	_, err := r.db.Pool.Exec(ctx, q, conversationID, participants, lastMessageTime)
	return err
}

// ContactRepo implements ContactRepository using PostgreSQL.
type ContactRepo struct{ db *DB }

// NewContactRepo constructs a contact repository.
func NewContactRepo(db *DB) *ContactRepo { return &ContactRepo{db: db} }

// Touch upserts (owner, peer) bumping last_contacted. An existing nickname is
// preserved; auto-discovered contacts start with an empty one.
func (r *ContactRepo) Touch(ctx context.Context, owner, peer string, lastContacted time.Time) error {
	const q = `
INSERT INTO contacts (owner, peer, nickname, last_contacted)
VALUES ($1,$2,'',$3)
ON CONFLICT (owner, peer)
DO UPDATE SET last_contacted=EXCLUDED.last_contacted`
	_, err := r.db.Pool.Exec(ctx, q, owner, peer, lastContacted)
	return err
}

// SetNickname upserts (owner, peer) with an explicit nickname.
func (r *ContactRepo) SetNickname(ctx context.Context, owner, peer, nickname string, lastContacted time.Time) (model.Contact, error) {
	const q = `
INSERT INTO contacts (owner, peer, nickname, last_contacted)
VALUES ($1,$2,$3,$4)
ON CONFLICT (owner, peer)
DO UPDATE SET nickname=EXCLUDED.nickname, last_contacted=EXCLUDED.last_contacted
RETURNING owner, peer, nickname, last_contacted`
	var c model.Contact
	err := r.db.Pool.QueryRow(ctx, q, owner, peer, nickname, lastContacted).
		Scan(&c.Owner, &c.Peer, &c.Nickname, &c.LastContacted)
	return c, err
}

// ListFor returns the owner's contacts, most recently contacted first.
func (r *ContactRepo) ListFor(ctx context.Context, owner string) ([]model.Contact, error) {
	const q = `
SELECT owner, peer, nickname, last_contacted
FROM contacts
WHERE owner=$1
ORDER BY last_contacted DESC`
	rows, err := r.db.Pool.Query(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.Owner, &c.Peer, &c.Nickname, &c.LastContacted); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
