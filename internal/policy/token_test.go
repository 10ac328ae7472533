package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	raw, err := SignToken(secret, "warden", time.Minute, time.Now())
	require.NoError(t, err)

	claims, err := VerifyToken(secret, raw)
	require.NoError(t, err)
	assert.Equal(t, "warden", claims.Subject)
}

func TestTokenRejections(t *testing.T) {
	secret := []byte("s3cret")

	expired, err := SignToken(secret, "warden", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = VerifyToken(secret, expired)
	assert.Error(t, err, "expired")

	valid, err := SignToken(secret, "warden", time.Minute, time.Now())
	require.NoError(t, err)
	_, err = VerifyToken([]byte("other"), valid)
	assert.Error(t, err, "wrong secret")

	_, err = SignToken(nil, "warden", time.Minute, time.Now())
	assert.Error(t, err, "empty secret")
}

func TestExtractBearer(t *testing.T) {
	tok, err := ExtractBearer("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = ExtractBearer("bearer xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "abc", "Basic abc", "Bearer "} {
		_, err := ExtractBearer(h)
		assert.Error(t, err, h)
	}
}
