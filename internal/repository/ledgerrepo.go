package repository

import (
	"context"
	"time"

	"github.com/ndvanh/vaultchat/internal/model"
)

// ConversationRepository maintains the canonical conversation records.
type ConversationRepository interface {
	// Upsert creates or refreshes a conversation, keyed by its canonical id.
	// Replays must not create duplicates.
	Upsert(ctx context.Context, conversationID string, participants []string, lastMessageTime time.Time) error
}

// ContactRepository maintains directed per-owner contact rows.
type ContactRepository interface {
	// Touch upserts (owner, peer) bumping lastContacted, preserving any
	// nickname already set.
	Touch(ctx context.Context, owner, peer string, lastContacted time.Time) error

	// SetNickname upserts (owner, peer) with an explicit nickname and returns
	// the stored row.
	SetNickname(ctx context.Context, owner, peer, nickname string, lastContacted time.Time) (model.Contact, error)

	// ListFor returns the owner's contacts, most recently contacted first.
	ListFor(ctx context.Context, owner string) ([]model.Contact, error)
}
