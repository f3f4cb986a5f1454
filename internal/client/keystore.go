package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ndvanh/vaultchat/internal/crypto/e2e"
)

// LoadOrCreateIdentity loads the RSA identity stored as a private JWK at
// path, generating and persisting a fresh one on first use. The private key
// never leaves this file.
func LoadOrCreateIdentity(path string) (*e2e.Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id, err := e2e.ImportPrivateJWK(raw)
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := e2e.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	raw, err = id.PrivateJWK()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}
