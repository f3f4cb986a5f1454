// Package e2e contains the client-side hybrid encryption engine: RSA-OAEP
// (2048 bit, SHA-256) identity keys wrapping per-message AES-256-GCM keys,
// plus JWK interchange and public-key fingerprinting.
package e2e

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	modulusBits = 2048
	// FingerprintHexLen truncates the SHA-256 hex digest for display.
	fingerprintHexLen = 40
	fingerprintGroup  = 4
)

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// publicJWK is the interchange form of an RSA-OAEP public key, mirroring the
// WebCrypto JWK export so keys round-trip with non-Go peers.
type publicJWK struct {
	Kty    string   `json:"kty"`
	N      string   `json:"n"`
	E      string   `json:"e"`
	Alg    string   `json:"alg"`
	Ext    bool     `json:"ext"`
	KeyOps []string `json:"key_ops"`
}

// privateJWK extends publicJWK with the CRT private fields.
type privateJWK struct {
	publicJWK
	D  string `json:"d"`
	P  string `json:"p"`
	Q  string `json:"q"`
	DP string `json:"dp"`
	DQ string `json:"dq"`
	QI string `json:"qi"`
}

// Identity is a party's asymmetric key pair.
type Identity struct {
	Private *rsa.PrivateKey
}

// GenerateIdentity creates a fresh 2048-bit RSA key pair for OAEP/SHA-256.
func GenerateIdentity() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, modulusBits)
	if err != nil {
		return nil, err
	}
	key.Precompute()
	return &Identity{Private: key}, nil
}

// Public returns the public half of the identity.
func (id *Identity) Public() *rsa.PublicKey { return &id.Private.PublicKey }

func b64u(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64uDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

func bigToB64u(v *big.Int) string { return b64u(v.Bytes()) }

func b64uToBig(s string) (*big.Int, error) {
	b, err := b64uDecode(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func exportPublicJWK(pub *rsa.PublicKey) publicJWK {
	e := big.NewInt(int64(pub.E))
	return publicJWK{
		Kty:    "RSA",
		N:      bigToB64u(pub.N),
		E:      b64u(e.Bytes()),
		Alg:    "RSA-OAEP-256",
		Ext:    true,
		KeyOps: []string{"encrypt"},
	}
}

// ExportPublicJWK serializes a public key in JWK form.
func ExportPublicJWK(pub *rsa.PublicKey) ([]byte, error) {
	return json.Marshal(exportPublicJWK(pub))
}

// PublicJWK serializes the identity's public key in JWK form.
func (id *Identity) PublicJWK() ([]byte, error) {
	return ExportPublicJWK(id.Public())
}

// PrivateJWK serializes the full key pair in JWK form for persistence.
func (id *Identity) PrivateJWK() ([]byte, error) {
	priv := id.Private
	if priv.Precomputed.Dp == nil {
		priv.Precompute()
	}
	if len(priv.Primes) != 2 {
		return nil, errors.New("e2e: multi-prime keys not supported")
	}
	jwk := privateJWK{
		publicJWK: exportPublicJWK(&priv.PublicKey),
		D:         bigToB64u(priv.D),
		P:         bigToB64u(priv.Primes[0]),
		Q:         bigToB64u(priv.Primes[1]),
		DP:        bigToB64u(priv.Precomputed.Dp),
		DQ:        bigToB64u(priv.Precomputed.Dq),
		QI:        bigToB64u(priv.Precomputed.Qinv),
	}
	jwk.KeyOps = []string{"decrypt"}
	return json.Marshal(jwk)
}

// ImportPublicJWK parses a JWK public key.
func ImportPublicJWK(raw []byte) (*rsa.PublicKey, error) {
	var jwk publicJWK
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("e2e: bad jwk: %w", err)
	}
	if jwk.Kty != "RSA" || jwk.N == "" || jwk.E == "" {
		return nil, errors.New("e2e: not an RSA public jwk")
	}
	n, err := b64uToBig(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad modulus: %w", err)
	}
	e, err := b64uToBig(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, errors.New("e2e: bad exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// ImportPrivateJWK parses a JWK key pair persisted by PrivateJWK.
func ImportPrivateJWK(raw []byte) (*Identity, error) {
	var jwk privateJWK
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("e2e: bad jwk: %w", err)
	}
	pub, err := ImportPublicJWK(raw)
	if err != nil {
		return nil, err
	}
	if jwk.D == "" || jwk.P == "" || jwk.Q == "" {
		return nil, errors.New("e2e: not an RSA private jwk")
	}
	d, err := b64uToBig(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad private exponent: %w", err)
	}
	p, err := b64uToBig(jwk.P)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad prime: %w", err)
	}
	q, err := b64uToBig(jwk.Q)
	if err != nil {
		return nil, fmt.Errorf("e2e: bad prime: %w", err)
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("e2e: invalid key pair: %w", err)
	}
	return &Identity{Private: priv}, nil
}

// Fingerprint derives the human-verifiable digest of a JWK public key:
// fields canonicalized in sorted order, SHA-256, hex truncated to 40 chars,
// grouped by 4. Invariant under field-order permutation of the input JSON and
// sensitive to any change in key material.
func Fingerprint(rawJWK []byte) (string, error) {
	canonical, err := canonicalizeJSON(rawJWK)
	if err != nil {
		return "", fmt.Errorf("e2e: fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	hexDigest := hex.EncodeToString(sum[:])[:fingerprintHexLen]
	groups := make([]string, 0, fingerprintHexLen/fingerprintGroup)
	for i := 0; i < len(hexDigest); i += fingerprintGroup {
		groups = append(groups, hexDigest[i:i+fingerprintGroup])
	}
	return strings.Join(groups, " "), nil
}

// canonicalizeJSON re-marshals a JSON object so keys appear in sorted order.
// encoding/json emits map keys sorted, which matches the canonical form peers
// compute.
func canonicalizeJSON(raw []byte) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}
