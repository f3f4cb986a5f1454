// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/ndvanh/vaultchat/internal/model"
)

// MessageRepository provides durable access to direct messages. The offline
// queue is not a separate structure: it is exactly the pending rows addressed
// to a user.
type MessageRepository interface {
	// Insert durably stores a new message (status pending).
	Insert(ctx context.Context, m *model.Message) error

	// MarkDelivered advances a message to delivered after relay.
	MarkDelivered(ctx context.Context, messageID string) error

	// PendingFor returns pending messages addressed to user, oldest first,
	// capped at limit.
	PendingFor(ctx context.Context, user string, limit int) ([]model.Message, error)

	// History returns the newest limit messages of a conversation ordered
	// oldest first. Consumers resort by timestamp; arrival order carries no
	// guarantee.
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}
