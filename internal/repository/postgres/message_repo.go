package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL. The envelope is
// stored as JSONB with base64 blob fields so ciphertext round-trips byte-exact.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Insert durably stores a message with status pending.
func (r *MessageRepo) Insert(ctx context.Context, m *model.Message) error {
	env, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	const q = `
INSERT INTO messages (message_id, from_user, to_user, envelope, ts, status, conversation_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = r.db.Pool.Exec(ctx, q,
		m.MessageID, m.From, m.To, env, m.Timestamp, string(model.StatusPending), m.ConversationID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// MarkDelivered advances a message to delivered.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID string) error {
	const q = `UPDATE messages SET status=$2 WHERE message_id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, messageID, string(model.StatusDelivered))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// PendingFor returns pending messages addressed to user, oldest first.
func (r *MessageRepo) PendingFor(ctx context.Context, user string, limit int) ([]model.Message, error) {
	const q = `
SELECT message_id, from_user, to_user, envelope, ts, status, conversation_id
FROM messages
WHERE to_user=$1 AND status=$2
ORDER BY ts ASC
LIMIT $3`
	rows, err := r.db.Pool.Query(ctx, q, user, string(model.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// History returns the newest limit messages of a conversation, oldest first.
func (r *MessageRepo) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	const q = `
SELECT message_id, from_user, to_user, envelope, ts, status, conversation_id
FROM messages
WHERE conversation_id=$1
ORDER BY ts DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query takes newest-first for the LIMIT; callers read oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessages(rows pgx.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var (
			m      model.Message
			env    []byte
			ts     time.Time
			status string
		)
		if err := rows.Scan(&m.MessageID, &m.From, &m.To, &env, &ts, &status, &m.ConversationID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(env, &m.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		m.Timestamp = ts
		m.Status = model.MessageStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
