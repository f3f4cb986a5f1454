package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ndvanh/vaultchat/internal/model"
)

// UserRepository provides account records and the public-key directory used
// to fetch keys of offline peers.
type UserRepository interface {
	// Create inserts a new user account.
	Create(ctx context.Context, u *model.User) error

	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)

	// RecordJoin upserts the announced public key and marks the user online.
	RecordJoin(ctx context.Context, username string, publicKey json.RawMessage, at time.Time) error

	// RecordLeave marks the user offline and stamps last seen.
	RecordLeave(ctx context.Context, username string, at time.Time) error

	// PublicKey returns the user's last announced JWK public key.
	PublicKey(ctx context.Context, username string) (json.RawMessage, error)
}
