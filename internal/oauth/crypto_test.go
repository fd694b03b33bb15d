package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRandomStringUnique(t *testing.T) {
	a, err := RandomString(32)
	require.NoError(t, err)
	b, err := RandomString(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestS256Challenge(t *testing.T) {
	sum := sha256.Sum256([]byte("verifier123"))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.Equal(t, want, S256Challenge("verifier123"))
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("same", "same"))
	assert.False(t, SecureCompare("same", "different"))
	assert.False(t, SecureCompare("same", "samee"))
}
