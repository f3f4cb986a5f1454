package e2e

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ndvanh/vaultchat/internal/model"
)

var (
	testIDOnce sync.Once
	testID     *Identity
	testIDErr  error
)

// testIdentity generates one RSA pair per test binary; key generation is the
// slow part of this package's tests.
func testIdentity(t *testing.T) *Identity {
	t.Helper()
	testIDOnce.Do(func() {
		testID, testIDErr = GenerateIdentity()
	})
	if testIDErr != nil {
		t.Fatalf("GenerateIdentity: %v", testIDErr)
	}
	return testID
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	id := testIdentity(t)

	for _, msg := range []string{
		"hello",
		"",
		"tiếng Việt có dấu",
		"emoji \U0001F512 and newline\nand tab\t",
	} {
		env, err := Encrypt([]byte(msg), id.Public())
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", msg, err)
		}
		got, err := Decrypt(env, id.Private)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", msg, err)
		}
		if string(got) != msg {
			t.Fatalf("round trip: got %q want %q", got, msg)
		}
	}
}

func TestEncrypt_FreshKeyAndNonce(t *testing.T) {
	id := testIdentity(t)

	a, err := Encrypt([]byte("same plaintext"), id.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt([]byte("same plaintext"), id.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Fatal("nonce reused across calls")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("ciphertext identical across calls (session key reused?)")
	}
}

func TestDecrypt_BitFlipFailsClosed(t *testing.T) {
	id := testIdentity(t)

	env, err := Encrypt([]byte("integrity matters"), id.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		name string
		blob func(e *model.Envelope) *[]byte
	}{
		{"ciphertext", func(e *model.Envelope) *[]byte { return &e.Ciphertext }},
		{"wrappedKey", func(e *model.Envelope) *[]byte { return &e.WrappedKey }},
		{"iv", func(e *model.Envelope) *[]byte { return &e.IV }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mutated := env
			blob := append([]byte(nil), *tc.blob(&mutated)...)
			blob[len(blob)/2] ^= 0x01
			*tc.blob(&mutated) = blob

			_, err := Decrypt(mutated, id.Private)
			var ce *CryptoError
			if !errors.As(err, &ce) {
				t.Fatalf("flipped %s: got err %v, want *CryptoError", tc.name, err)
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	id := testIdentity(t)
	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	env, err := Encrypt([]byte("for someone else"), other.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, err = Decrypt(env, id.Private)
	var ce *CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("got err %v, want *CryptoError", err)
	}
	if ce.Reason != ReasonUnwrapFailed {
		t.Fatalf("reason=%s, want %s", ce.Reason, ReasonUnwrapFailed)
	}
}

func TestDecrypt_MalformedPayload(t *testing.T) {
	id := testIdentity(t)

	_, err := Decrypt(model.Envelope{}, id.Private)
	var ce *CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("got err %v, want *CryptoError", err)
	}
	if ce.Reason != ReasonMalformedPayload {
		t.Fatalf("reason=%s, want %s", ce.Reason, ReasonMalformedPayload)
	}
}

func TestPrivateJWK_RoundTrip(t *testing.T) {
	id := testIdentity(t)

	raw, err := id.PrivateJWK()
	if err != nil {
		t.Fatalf("PrivateJWK: %v", err)
	}
	restored, err := ImportPrivateJWK(raw)
	if err != nil {
		t.Fatalf("ImportPrivateJWK: %v", err)
	}

	env, err := Encrypt([]byte("persisted identity"), id.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(env, restored.Private)
	if err != nil {
		t.Fatalf("Decrypt with restored key: %v", err)
	}
	if string(got) != "persisted identity" {
		t.Fatalf("round trip via restored key: %q", got)
	}
}

func TestPublicJWK_ImportExport(t *testing.T) {
	id := testIdentity(t)

	raw, err := id.PublicJWK()
	if err != nil {
		t.Fatalf("PublicJWK: %v", err)
	}
	pub, err := ImportPublicJWK(raw)
	if err != nil {
		t.Fatalf("ImportPublicJWK: %v", err)
	}
	if pub.N.Cmp(id.Public().N) != 0 || pub.E != id.Public().E {
		t.Fatal("imported public key differs from source")
	}
}

func TestFingerprint_PermutationInvariant(t *testing.T) {
	t.Parallel()
	a := []byte(`{"kty":"RSA","n":"qqqq","e":"AQAB","alg":"RSA-OAEP-256","ext":true}`)
	b := []byte(`{"ext":true,"alg":"RSA-OAEP-256","e":"AQAB","n":"qqqq","kty":"RSA"}`)

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fa != fb {
		t.Fatalf("field order changed fingerprint: %q vs %q", fa, fb)
	}

	c := []byte(`{"kty":"RSA","n":"qqqr","e":"AQAB","alg":"RSA-OAEP-256","ext":true}`)
	fc, err := Fingerprint(c)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fc == fa {
		t.Fatal("key material change did not change fingerprint")
	}
}

func TestFingerprint_Format(t *testing.T) {
	id := testIdentity(t)

	raw, err := id.PublicJWK()
	if err != nil {
		t.Fatalf("PublicJWK: %v", err)
	}
	fp, err := Fingerprint(raw)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	// 40 hex chars in 10 groups of 4 separated by single spaces.
	if len(fp) != 40+9 {
		t.Fatalf("len=%d, want 49: %q", len(fp), fp)
	}
	for i, r := range fp {
		if (i+1)%5 == 0 {
			if r != ' ' {
				t.Fatalf("expected space at %d in %q", i, fp)
			}
		} else if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("unexpected rune %q at %d in %q", r, i, fp)
		}
	}
}

func TestEnvelope_JSONBase64RoundTrip(t *testing.T) {
	id := testIdentity(t)

	env, err := Encrypt([]byte("wire form"), id.Public())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back model.Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(back.Ciphertext, env.Ciphertext) ||
		!bytes.Equal(back.WrappedKey, env.WrappedKey) ||
		!bytes.Equal(back.IV, env.IV) {
		t.Fatal("envelope did not round-trip byte-exact through JSON")
	}
	if _, err := Decrypt(back, id.Private); err != nil {
		t.Fatalf("Decrypt after JSON round trip: %v", err)
	}
}
