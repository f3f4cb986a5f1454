package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"github.com/ndvanh/vaultchat/internal/model"
)

const (
	sessionKeyLen = 32 // AES-256
	nonceLen      = 12 // GCM standard nonce
)

// CryptoReason is a closed enumeration of decrypt failure causes.
type CryptoReason string

const (
	// ReasonUnwrapFailed means the wrapped session key failed RSA-OAEP decryption.
	ReasonUnwrapFailed CryptoReason = "unwrap_failed"
	// ReasonTagMismatch means AEAD authentication failed: tampered ciphertext
	// or a wrong-key envelope.
	ReasonTagMismatch CryptoReason = "tag_mismatch"
	// ReasonMalformedPayload means the envelope is structurally invalid.
	ReasonMalformedPayload CryptoReason = "malformed_payload"
)

// CryptoError reports a non-repairable decrypt failure. It signals bad data,
// not a transient fault, and must never be retried.
type CryptoError struct {
	Reason CryptoReason
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return "e2e: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "e2e: " + string(e.Reason)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Encrypt seals plaintext for the recipient: a fresh random AES-256 key and
// 96-bit nonce per call (never reused), GCM ciphertext with the tag appended,
// and the raw session key wrapped under the recipient's RSA-OAEP public key.
func Encrypt(plaintext []byte, recipient *rsa.PublicKey) (model.Envelope, error) {
	key, err := Rand(sessionKeyLen)
	if err != nil {
		return model.Envelope{}, err
	}
	nonce, err := Rand(nonceLen)
	if err != nil {
		return model.Envelope{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return model.Envelope{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return model.Envelope{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return model.Envelope{}, err
	}
	return model.Envelope{Ciphertext: ciphertext, WrappedKey: wrapped, IV: nonce}, nil
}

// Decrypt unwraps the session key with the private key and opens the AEAD
// ciphertext. All failures surface as *CryptoError.
func Decrypt(env model.Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if len(env.Ciphertext) == 0 || len(env.WrappedKey) == 0 || len(env.IV) != nonceLen {
		return nil, &CryptoError{Reason: ReasonMalformedPayload}
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.WrappedKey, nil)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonUnwrapFailed, Err: err}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonUnwrapFailed, Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonUnwrapFailed, Err: err}
	}
	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonTagMismatch, Err: err}
	}
	return plaintext, nil
}
