package migrations

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func schema(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	err := fs.WalkDir(FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return err
		}
		raw, err := fs.ReadFile(FS, path)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	})
	require.NoError(t, err)
	return b.String()
}

// Columns bound to []byte params must be BYTEA: under pgx's prepared
// statements a text-typed param goes through UTF-8 validation, which rejects
// raw argon2 and sha256 output.
func TestBinaryColumnsAreBytea(t *testing.T) {
	s := schema(t)
	for _, col := range []string{"pwd_hash", "salt_auth", "ip_hash"} {
		re := regexp.MustCompile(col + `\s+BYTEA`)
		require.Regexp(t, re, s, "column %s must be BYTEA", col)
	}
}

func TestEnvelopeAndKeysAreJSONB(t *testing.T) {
	s := schema(t)
	require.Regexp(t, regexp.MustCompile(`envelope\s+JSONB`), s)
	require.Regexp(t, regexp.MustCompile(`public_key\s+JSONB`), s)
}
