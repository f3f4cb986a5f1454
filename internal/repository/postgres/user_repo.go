package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/model"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user account.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (username, pwd_hash, salt_auth, public_key, is_online, last_seen)
VALUES ($1,$2,$3,$4,false,$5)`
	_, err := r.db.Pool.Exec(ctx, q, u.Username, u.PwdHash, u.SaltAuth, u.PublicKey, u.LastSeen)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByUsername loads a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `
SELECT username, pwd_hash, salt_auth, public_key, is_online, last_seen, created_at
FROM users WHERE username=$1`
	row := r.db.Pool.QueryRow(ctx, q, username)
	var u model.User
	if err := row.Scan(&u.Username, &u.PwdHash, &u.SaltAuth, &u.PublicKey, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// RecordJoin stores the announced public key and marks the user online.
// Upsert: a key announced before registration completes must not be lost.
func (r *UserRepo) RecordJoin(ctx context.Context, username string, publicKey json.RawMessage, at time.Time) error {
	const q = `
INSERT INTO users (username, pwd_hash, salt_auth, public_key, is_online, last_seen)
VALUES ($1,'','',$2,true,$3)
ON CONFLICT (username)
DO UPDATE SET public_key=EXCLUDED.public_key, is_online=true, last_seen=EXCLUDED.last_seen`
	_, err := r.db.Pool.Exec(ctx, q, username, []byte(publicKey), at)
	return err
}

// RecordLeave marks the user offline and stamps last seen.
func (r *UserRepo) RecordLeave(ctx context.Context, username string, at time.Time) error {
	const q = `UPDATE users SET is_online=false, last_seen=$2 WHERE username=$1`
	_, err := r.db.Pool.Exec(ctx, q, username, at)
	return err
}

// PublicKey returns the user's last announced JWK public key.
func (r *UserRepo) PublicKey(ctx context.Context, username string) (json.RawMessage, error) {
	const q = `SELECT public_key FROM users WHERE username=$1`
	var key []byte
	if err := r.db.Pool.QueryRow(ctx, q, username).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if len(key) == 0 {
		return nil, errs.ErrNotFound
	}
	return key, nil
}
